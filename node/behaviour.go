package node

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"

	"github.com/0xProject/mesh-go/discovery"
	"github.com/0xProject/mesh-go/ordersync"
	"github.com/0xProject/mesh-go/pubsub"
)

// Behaviour bundles the protocol subsystems sharing one host: peer
// discovery, order gossip, and order sync. The host multiplexes their
// streams over the shared connection pool and routes inbound streams by
// negotiated protocol id.
type Behaviour struct {
	discovery *discovery.Discovery
	pubsub    *pubsub.PubSub
	orderSync *ordersync.OrderSync
}

// NewBehaviour creates the subsystems on a host.
func NewBehaviour(ctx context.Context, h host.Host, cfg discovery.Config) (*Behaviour, error) {
	disc, err := discovery.New(ctx, h, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating discovery behaviour: %w", err)
	}
	ps, err := pubsub.New(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub behaviour: %w", err)
	}
	return &Behaviour{
		discovery: disc,
		pubsub:    ps,
		orderSync: ordersync.New(h),
	}, nil
}

// Start fans out to each subsystem.
func (b *Behaviour) Start(ctx context.Context) error {
	if err := b.discovery.Start(ctx); err != nil {
		return err
	}
	if err := b.pubsub.Start(ctx); err != nil {
		return err
	}
	b.orderSync.Start()
	return nil
}

// OrderSyncSend issues an order sync request through the behaviour.
func (b *Behaviour) OrderSyncSend(ctx context.Context, p peer.ID, req *ordersync.Request, reply *ordersync.Reply) {
	b.orderSync.Send(ctx, p, req, reply)
}

// KnownPeers is the shared known-peer table handle.
func (b *Behaviour) KnownPeers() *discovery.PeerTable {
	return b.discovery.KnownPeers()
}

// OnOrders registers an observer for inbound gossip order messages.
func (b *Behaviour) OnOrders(cb pubsub.Subscriber) pubsub.Unsubscribe {
	return b.pubsub.OnMessage(cb)
}

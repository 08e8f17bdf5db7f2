package pubsub

import (
	"context"
	"errors"
	"fmt"

	evtpubsub "github.com/hannahhoward/go-pubsub"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	gossipsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/rs/zerolog/log"
)

// Topic carries all gossiped orders for the network we participate in.
const Topic = "/0x-orders/version/3/chain/1/schema/e30="

// MaxMessageSize is the gossip transmit limit.
const MaxMessageSize = 262144

// Message is one inbound order gossip message. The payload is opaque to the
// core: deduplication and persistence belong to the observer.
type Message struct {
	From peer.ID
	Data []byte
}

// Subscriber receives inbound gossip messages.
type Subscriber func(Message)

// Unsubscribe removes a previously registered subscriber.
type Unsubscribe func()

// PubSub subscribes to the order topic on the gossip mesh. The node only
// listens; it never originates order messages.
type PubSub struct {
	h           host.Host
	gs          *gossipsub.PubSub
	topic       *gossipsub.Topic
	subscribers *evtpubsub.PubSub
}

// New creates the gossip behaviour on a host.
func New(ctx context.Context, h host.Host) (*PubSub, error) {
	gs, err := gossipsub.NewGossipSub(ctx, h,
		gossipsub.WithMessageSigning(true),
		gossipsub.WithMaxMessageSize(MaxMessageSize),
	)
	if err != nil {
		return nil, fmt.Errorf("creating gossipsub router: %w", err)
	}
	return &PubSub{
		h:           h,
		gs:          gs,
		subscribers: evtpubsub.New(dispatcher),
	}, nil
}

// Start joins the order topic and begins delivering inbound messages.
func (p *PubSub) Start(ctx context.Context) error {
	topic, err := p.gs.Join(Topic)
	if err != nil {
		return fmt.Errorf("joining topic %s: %w", Topic, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to topic %s: %w", Topic, err)
	}
	p.topic = topic
	go p.pump(ctx, sub)
	log.Info().Str("topic", Topic).Msg("subscribed to order gossip")
	return nil
}

// OnMessage registers an observer for inbound order messages.
func (p *PubSub) OnMessage(cb Subscriber) Unsubscribe {
	return Unsubscribe(p.subscribers.Subscribe(cb))
}

func (p *PubSub) pump(ctx context.Context, sub *gossipsub.Subscription) {
	defer sub.Cancel()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			// Subscription closed or context cancelled.
			return
		}
		if msg.ReceivedFrom == p.h.ID() {
			continue
		}
		log.Trace().Str("from", msg.ReceivedFrom.Pretty()).Int("bytes", len(msg.Data)).Msg("order gossip received")
		_ = p.subscribers.Publish(Message{From: msg.ReceivedFrom, Data: msg.Data})
	}
}

func dispatcher(evt evtpubsub.Event, fn evtpubsub.SubscriberFn) error {
	msg, ok := evt.(Message)
	if !ok {
		return errors.New("wrong event type")
	}
	cb, ok := fn.(Subscriber)
	if !ok {
		return errors.New("wrong subscriber type")
	}
	cb(msg)
	return nil
}

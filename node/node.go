package node

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/metrics"
	"github.com/libp2p/go-libp2p-core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"github.com/0xProject/mesh-go/discovery"
	"github.com/0xProject/mesh-go/orderstore"
	"github.com/0xProject/mesh-go/ordersync"
	"github.com/0xProject/mesh-go/pubsub"
)

// ListenAddr lets the OS assign our port on all interfaces.
const ListenAddr = "/ip4/0.0.0.0/tcp/0"

// AgentVersion is the identify agent string expected by the deployed
// network.
const AgentVersion = "mesh-rs"

// peerPollInterval paces the wait for a peer advertising order sync.
const peerPollInterval = 20 * time.Second

// maxSyncAttempts bounds retries of one failed order sync request.
const maxSyncAttempts = 4

// OrderSink receives each synced page of orders. It reports how many
// records were new after deduplication.
type OrderSink interface {
	Append(orders []ordersync.Order) (int, error)
}

// Options configures a node.
type Options struct {
	// RepoPath is the file system path used to persist synced orders.
	// Empty means orders are kept in memory only.
	RepoPath string
	// Bootstrap overrides the built-in bootstrap list. Addresses carry
	// their peer id as a /p2p/ component. Nil keeps the defaults; an
	// empty list disables bootstrapping.
	Bootstrap []string
	// OrderSink overrides where synced orders go. Nil means the node
	// owns an order store under RepoPath.
	OrderSink OrderSink
}

// NetworkInfo is a snapshot of connectivity statistics.
type NetworkInfo struct {
	NumPeers int
	NumConns int
}

// Node is the top-level coordinator: it owns the host, the behaviour stack,
// and the event loop draining the order sync mailbox.
type Node struct {
	host  host.Host
	bwc   *metrics.BandwidthCounter
	stack *Behaviour
	rpc   *ordersync.Client
	sink  OrderSink
	store *orderstore.Store
}

// New puts together all the components of the mesh node.
func New(ctx context.Context, opts Options) (*Node, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating peer identity: %w", err)
	}

	topts, bwc := Transport()
	hopts := append([]libp2p.Option{
		libp2p.Identity(priv),
		libp2p.UserAgent(AgentVersion),
		libp2p.ConnectionManager(connmgr.NewConnManager(
			20,             // LowWater
			60,             // HighWater
			20*time.Second, // GracePeriod
		)),
		libp2p.DisableRelay(),
		libp2p.NoListenAddrs,
	}, topts...)

	h, err := libp2p.New(ctx, hopts...)
	if err != nil {
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}
	log.Info().Str("peerID", h.ID().Pretty()).Msg("peer identity generated")

	cfg := discovery.Config{}
	if opts.Bootstrap != nil {
		cfg.Bootstrap, err = discovery.ParseBootstrap(opts.Bootstrap)
		if err != nil {
			return nil, err
		}
	}
	stack, err := NewBehaviour(ctx, h, cfg)
	if err != nil {
		return nil, err
	}

	nd := &Node{
		host:  h,
		bwc:   bwc,
		stack: stack,
		rpc:   ordersync.NewClient(),
		sink:  opts.OrderSink,
	}
	if nd.sink == nil {
		if opts.RepoPath != "" {
			nd.store, err = orderstore.Open(opts.RepoPath)
			if err != nil {
				return nil, err
			}
		} else {
			nd.store = orderstore.NewMemStore()
		}
		nd.sink = nd.store
	}
	return nd, nil
}

// Start launches the behaviour stack, begins listening, and kicks off the
// order drain task.
func (nd *Node) Start(ctx context.Context) error {
	if err := nd.stack.Start(ctx); err != nil {
		return err
	}
	addr, err := ma.NewMultiaddr(ListenAddr)
	if err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}
	if err := nd.host.Network().Listen(addr); err != nil {
		return fmt.Errorf("starting to listen: %w", err)
	}
	for _, a := range nd.Listeners() {
		log.Info().Str("addr", a.String()).Msg("listening")
	}
	nd.stack.OnOrders(nd.observeGossip)
	go nd.drainOrders(ctx)
	return nil
}

// observeGossip hands gossiped orders to the sink. Payloads that do not
// parse as an order record are ignored; the gossip layer already verified
// the message signature.
func (nd *Node) observeGossip(m pubsub.Message) {
	var o ordersync.Order
	if err := json.Unmarshal(m.Data, &o); err != nil {
		log.Debug().Err(err).Str("from", m.From.Pretty()).Msg("ignoring unparseable order gossip")
		return
	}
	if _, err := nd.sink.Append([]ordersync.Order{o}); err != nil {
		log.Error().Err(err).Msg("appending gossiped order")
	}
}

// Run drives the event loop until the context is cancelled: it drains the
// order sync mailbox into the behaviour and logs final statistics on the
// way out.
func (nd *Node) Run(ctx context.Context) error {
	for {
		select {
		case call := <-nd.rpc.Calls():
			nd.stack.OrderSyncSend(ctx, call.Peer, call.Request, call.Reply)
		case <-ctx.Done():
			nd.shutdown()
			return nil
		}
	}
}

func (nd *Node) shutdown() {
	nd.rpc.Shutdown()
	stats := nd.bwc.GetBandwidthTotals()
	log.Info().
		Int64("inbound", stats.TotalIn).
		Int64("outbound", stats.TotalOut).
		Msg("bandwidth totals")
	for _, a := range nd.Listeners() {
		log.Info().Str("addr", a.String()).Msg("was listening on")
	}
	info := nd.NetworkInfo()
	log.Info().Int("peers", info.NumPeers).Int("conns", info.NumConns).Msg("network")
	if nd.store != nil {
		if err := nd.store.Close(); err != nil {
			log.Error().Err(err).Msg("closing order store")
		}
	}
	if err := nd.host.Close(); err != nil {
		log.Error().Err(err).Msg("closing host")
	}
}

// PeerID is the stable local identity.
func (nd *Node) PeerID() peer.ID {
	return nd.host.ID()
}

// Listeners are the addresses we accept connections on.
func (nd *Node) Listeners() []ma.Multiaddr {
	return nd.host.Network().ListenAddresses()
}

// NetworkInfo snapshots connectivity statistics.
func (nd *Node) NetworkInfo() NetworkInfo {
	return NetworkInfo{
		NumPeers: len(nd.host.Network().Peers()),
		NumConns: len(nd.host.Network().Conns()),
	}
}

// TotalInbound is the number of bytes received over all transports.
func (nd *Node) TotalInbound() int64 {
	return nd.bwc.GetBandwidthTotals().TotalIn
}

// TotalOutbound is the number of bytes sent over all transports.
func (nd *Node) TotalOutbound() int64 {
	return nd.bwc.GetBandwidthTotals().TotalOut
}

// KnownPeers is the shared known-peer table handle.
func (nd *Node) KnownPeers() *discovery.PeerTable {
	return nd.stack.KnownPeers()
}

// OrderSync is the RPC handle for issuing sync requests through the event
// loop.
func (nd *Node) OrderSync() *ordersync.Client {
	return nd.rpc
}

// drainOrders waits until discovery surfaces a peer speaking the order sync
// protocol, then pulls that peer's order set page by page into the sink.
func (nd *Node) drainOrders(ctx context.Context) {
	p, ok := nd.awaitSyncPeer(ctx)
	if !ok {
		return
	}
	nd.syncWithPeer(ctx, p)
}

func (nd *Node) awaitSyncPeer(ctx context.Context) (peer.ID, bool) {
	ticker := time.NewTicker(peerPollInterval)
	defer ticker.Stop()
	for {
		if p, ok := nd.KnownPeers().FirstSupporting(string(ordersync.ProtocolID)); ok {
			log.Info().Str("peer", p.Pretty()).Msg("found order sync peer")
			return p, true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return "", false
		}
	}
}

// syncWithPeer runs the pagination loop against one peer. Requests are
// strictly serialized: the next one is derived from the metadata of the
// previous response.
func (nd *Node) syncWithPeer(ctx context.Context, p peer.ID) {
	req := ordersync.DefaultRequest()
	b := &backoff.Backoff{
		Min: time.Second,
		Max: time.Minute,
	}
	total := 0
	for req != nil {
		res, err := nd.rpc.Sync(ctx, p, req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if int(b.Attempt()) >= maxSyncAttempts {
				log.Error().Err(err).Str("peer", p.Pretty()).Msg("order sync failed, giving up")
				return
			}
			log.Warn().Err(err).Str("peer", p.Pretty()).Msg("order sync request failed, retrying")
			select {
			case <-time.After(b.Duration()):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.Reset()

		added, err := nd.sink.Append(res.Orders)
		if err != nil {
			log.Error().Err(err).Msg("appending synced orders")
			return
		}
		total += len(res.Orders)
		log.Info().
			Str("peer", p.Pretty()).
			Str("subprotocol", res.Metadata.Subprotocol()).
			Int("orders", len(res.Orders)).
			Int("new", added).
			Bool("complete", res.Complete).
			Msg("order sync page received")

		req = res.NextRequest()
	}
	log.Info().Int("total", total).Str("peer", p.Pretty()).Msg("order sync complete")
}

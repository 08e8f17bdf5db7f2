package discovery

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-core/event"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
)

// DHTProtocolID partitions our Kademlia namespace from generic DHTs.
const DHTProtocolID = protocol.ID("/0x-mesh-dht/version/1")

const (
	queryTimeout       = 5 * time.Second
	connectTimeout     = 10 * time.Second
	mdnsInterval       = 10 * time.Second
	pingInterval       = 15 * time.Second
	randomWalkInterval = time.Minute
)

// Bootstrap nodes injected into the DHT routing table at startup.
var bootnodes = [][2]string{
	{"16Uiu2HAmGx8Z6gdq5T5AQE54GMtqDhDFhizywTy1o28NJbAMMumF", "/dns4/bootstrap-0.mesh.0x.org/tcp/60558"},
	{"16Uiu2HAkwsDZk4LzXy2rnWANRsyBjB4fhjnsNeJmjgsBqxPGTL32", "/dns4/bootstrap-1.mesh.0x.org/tcp/60558"},
	{"16Uiu2HAkykwoBxwyvoEbaEkuKMeKrmJDPZ2uKFPUKtqd2JbGHUNH", "/dns4/bootstrap-2.mesh.0x.org/tcp/60558"},
}

// BootstrapPeers returns the fixed bootstrap list.
func BootstrapPeers() ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(bootnodes))
	for _, bn := range bootnodes {
		p, err := peer.Decode(bn[0])
		if err != nil {
			return nil, fmt.Errorf("parsing bootnode peer id: %w", err)
		}
		addr, err := ma.NewMultiaddr(bn[1])
		if err != nil {
			return nil, fmt.Errorf("parsing bootnode address: %w", err)
		}
		out = append(out, peer.AddrInfo{ID: p, Addrs: []ma.Multiaddr{addr}})
	}
	return out, nil
}

// ParseBootstrap converts /dns4/.../tcp/.../p2p/<id> strings into addr infos.
func ParseBootstrap(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, a := range addrs {
		addr, err := ma.NewMultiaddr(a)
		if err != nil {
			return nil, fmt.Errorf("parsing bootstrap address %q: %w", a, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing bootstrap address %q: %w", a, err)
		}
		out = append(out, *pi)
	}
	return out, nil
}

// Config tunes the discovery behaviour. Zero values pick the mesh defaults;
// an explicitly empty bootstrap list disables bootstrapping (tests).
type Config struct {
	ProtocolID protocol.ID
	Bootstrap  []peer.AddrInfo
}

// Discovery finds peers and learns about them. It combines LAN multicast,
// a Kademlia DHT on its own protocol id, and the identify and ping
// protocols, all feeding the shared known-peer table.
type Discovery struct {
	h         host.Host
	dht       *dht.IpfsDHT
	table     *PeerTable
	bootstrap []peer.AddrInfo
}

// New creates the discovery behaviour on a host.
func New(ctx context.Context, h host.Host, cfg Config) (*Discovery, error) {
	if cfg.ProtocolID == "" {
		cfg.ProtocolID = DHTProtocolID
	}
	if cfg.Bootstrap == nil {
		var err error
		cfg.Bootstrap, err = BootstrapPeers()
		if err != nil {
			return nil, err
		}
	}

	dstore := dssync.MutexWrap(datastore.NewMapDatastore())
	kad, err := dht.New(ctx, h,
		dht.Datastore(dstore),
		dht.V1ProtocolOverride(cfg.ProtocolID),
		dht.BootstrapPeers(cfg.Bootstrap...),
		dht.Mode(dht.ModeAuto),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kademlia DHT: %w", err)
	}

	return &Discovery{
		h:         h,
		dht:       kad,
		table:     NewPeerTable(),
		bootstrap: cfg.Bootstrap,
	}, nil
}

// Start joins the DHT and begins the mdns announcer, the identify and ping
// pumps, and the periodic random walk.
func (d *Discovery) Start(ctx context.Context) error {
	svc, err := mdns.NewMdnsService(ctx, d.h, mdnsInterval, mdns.ServiceTag)
	if err != nil {
		return fmt.Errorf("creating mDNS discovery service: %w", err)
	}
	svc.RegisterNotifee(d)

	sub, err := d.h.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerIdentificationFailed),
	})
	if err != nil {
		return fmt.Errorf("subscribing to identify events: %w", err)
	}
	go d.identifyLoop(ctx, sub)
	go d.pingLoop(ctx)
	go d.randomWalkLoop(ctx)

	for _, pi := range d.bootstrap {
		go func(pi peer.AddrInfo) {
			cctx, cancel := context.WithTimeout(ctx, connectTimeout)
			defer cancel()
			if err := d.h.Connect(cctx, pi); err != nil {
				log.Warn().Err(err).Str("peer", pi.ID.Pretty()).Msg("connecting to bootstrap node")
			}
		}(pi)
	}
	if err := d.dht.Bootstrap(ctx); err != nil {
		return fmt.Errorf("joining kademlia DHT: %w", err)
	}
	log.Info().Str("protocol", string(DHTProtocolID)).Msg("kademlia bootstrap query issued")
	return nil
}

// KnownPeers is the shared handle to the known-peer table.
func (d *Discovery) KnownPeers() *PeerTable {
	return d.table
}

// RoutingTableSize is the number of peers currently in DHT buckets.
func (d *Discovery) RoutingTableSize() int {
	return d.dht.RoutingTable().Size()
}

// HandlePeerFound is called by the mdns service. Discovered addresses are
// handed to the connection pool; the DHT inserts peers into its buckets on
// connect and owns their eviction, so mdns expiry is ignored.
func (d *Discovery) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == d.h.ID() {
		return
	}
	log.Debug().Str("peer", pi.ID.Pretty()).Msg("mdns discovered peer")
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := d.h.Connect(cctx, pi); err != nil {
			log.Debug().Err(err).Str("peer", pi.ID.Pretty()).Msg("connecting to mdns peer")
		}
	}()
}

func (d *Discovery) identifyLoop(ctx context.Context, sub event.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Out():
			if !ok {
				return
			}
			switch e := evt.(type) {
			case event.EvtPeerIdentificationCompleted:
				d.recordIdentify(e.Peer)
			case event.EvtPeerIdentificationFailed:
				log.Warn().Err(e.Reason).Str("peer", e.Peer.Pretty()).Msg("identify protocol error")
			}
		}
	}
}

// recordIdentify copies the identify payload out of the peerstore into the
// known-peer table.
func (d *Discovery) recordIdentify(p peer.ID) {
	info := &IdentifyInfo{}
	if v, err := d.h.Peerstore().Get(p, "AgentVersion"); err == nil {
		if s, ok := v.(string); ok {
			info.AgentVersion = s
		}
	}
	if v, err := d.h.Peerstore().Get(p, "ProtocolVersion"); err == nil {
		if s, ok := v.(string); ok {
			info.ProtocolVersion = s
		}
	}
	if protos, err := d.h.Peerstore().GetProtocols(p); err == nil {
		info.Protocols = protos
	}
	info.Addrs = d.h.Peerstore().Addrs(p)

	d.table.UpsertIdentify(p, info)
	log.Debug().
		Str("peer", p.Pretty()).
		Str("agent", info.AgentVersion).
		Int("protocols", len(info.Protocols)).
		Msg("learned about peer")
}

func (d *Discovery) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range d.h.Network().Peers() {
				go d.pingPeer(ctx, p)
			}
		}
	}
}

func (d *Discovery) pingPeer(ctx context.Context, p peer.ID) {
	cctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	select {
	case res := <-ping.Ping(cctx, d.h, p):
		if res.Error != nil {
			log.Error().Err(res.Error).Str("peer", p.Pretty()).Msg("ping failed")
			return
		}
		d.table.UpsertRTT(p, res.RTT)
		log.Trace().Str("peer", p.Pretty()).Dur("rtt", res.RTT).Msg("ping")
	case <-cctx.Done():
	}
}

// randomWalkLoop keeps the routing table warm by looking up random targets.
// The cadence is a tuning knob, not a contract.
func (d *Discovery) randomWalkLoop(ctx context.Context) {
	ticker := time.NewTicker(randomWalkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.randomWalk(ctx)
		}
	}
}

func (d *Discovery) randomWalk(ctx context.Context) {
	var target [32]byte
	if _, err := rand.Read(target[:]); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	peers, err := d.dht.GetClosestPeers(cctx, string(target[:]))
	if err != nil {
		log.Debug().Err(err).Msg("random walk query")
		return
	}
	found := 0
	for range peers {
		found++
	}
	log.Debug().Int("peers", found).Int("buckets", d.RoutingTableSize()).Msg("random walk complete")
}

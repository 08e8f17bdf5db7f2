package node

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p-core/metrics"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/transport"
	mplex "github.com/libp2p/go-libp2p-mplex"
	noise "github.com/libp2p/go-libp2p-noise"
	secio "github.com/libp2p/go-libp2p-secio"
	tptu "github.com/libp2p/go-libp2p-transport-upgrader"
	yamux "github.com/libp2p/go-libp2p-yamux"
	tcp "github.com/libp2p/go-tcp-transport"
	ws "github.com/libp2p/go-ws-transport"
	ma "github.com/multiformats/go-multiaddr"
)

// TransportTimeout bounds the whole dial and upgrade sequence of one
// connection: raw dial, security handshake, and mux negotiation.
const TransportTimeout = 20 * time.Second

// timeoutTransport bounds the wrapped transport's outbound dials with one
// deadline covering the raw connection and the full upgrade.
type timeoutTransport struct {
	transport.Transport
	timeout time.Duration
}

func (t *timeoutTransport) Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (transport.CapableConn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Transport.Dial(ctx, raddr, p)
}

// Transport assembles the stream transport for the host: TCP (resolving
// /dns*/ addresses in its dialer) and WebSocket over the same TCP carriers,
// noise authentication with a secio fallback for interop with the original
// network, and yamux multiplexing with an mplex fallback. Every dial and
// upgrade sequence is bounded by TransportTimeout. Byte totals accumulate
// in the returned bandwidth counter.
func Transport() ([]libp2p.Option, *metrics.BandwidthCounter) {
	bwc := metrics.NewBandwidthCounter()

	// Inbound connections upgrade inside the listener; bound them the same
	// way as dials.
	transport.AcceptTimeout = TransportTimeout

	tcpTransport := func(u *tptu.Upgrader) transport.Transport {
		return &timeoutTransport{Transport: tcp.NewTCPTransport(u), timeout: TransportTimeout}
	}
	wsTransport := func(u *tptu.Upgrader) transport.Transport {
		return &timeoutTransport{Transport: ws.New(u), timeout: TransportTimeout}
	}

	opts := []libp2p.Option{
		libp2p.Transport(tcpTransport),
		libp2p.Transport(wsTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Security(secio.ID, secio.New),
		libp2p.Muxer("/yamux/1.0.0", yamux.DefaultTransport),
		libp2p.Muxer("/mplex/6.7.0", mplex.DefaultTransport),
		libp2p.BandwidthReporter(bwc),
	}
	return opts, bwc
}

package ordersync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/protocol"
	"github.com/rs/zerolog/log"

	"github.com/0xProject/mesh-go/internal/utils"
)

// ProtocolID identifies the order sync protocol on the wire.
const ProtocolID = protocol.ID("/0x-mesh/order-sync/version/0")

// maxMessageSize bounds the decode buffer of the unframed codec.
const maxMessageSize = 1 << 20

// defaultRequestTimeout bounds a single request/response exchange.
const defaultRequestTimeout = 10 * time.Second

// ErrUnexpectedRequest is delivered when a peer answers a request with
// another request.
var ErrUnexpectedRequest = errors.New("ordersync: received a request where a response was expected")

// ErrDropped is returned to a caller whose reply slot was lost before the
// request resolved.
var ErrDropped = errors.New("ordersync: reply slot dropped before resolution")

// Result resolves one outstanding request: either a response or the error
// that terminated it.
type Result struct {
	Response *Response
	Err      error
}

// Reply is a single-shot slot resolving one request. The pending table owns
// it until a terminal event arrives; a caller that stops waiting calls Drop
// and the eventual result is discarded with a warning.
type Reply struct {
	mu      sync.Mutex
	done    bool
	dropped bool
	ch      chan Result
}

// NewReply creates an unresolved reply slot.
func NewReply() *Reply {
	return &Reply{ch: make(chan Result, 1)}
}

// Done resolves with the terminal result of the request.
func (r *Reply) Done() <-chan Result {
	return r.ch
}

// Drop abandons the wait. The in-flight exchange is not aborted; its result
// is discarded when it arrives.
func (r *Reply) Drop() {
	r.mu.Lock()
	r.dropped = true
	r.mu.Unlock()
}

func (r *Reply) deliver(res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done || r.dropped {
		return false
	}
	r.done = true
	r.ch <- res
	return true
}

// OrderSync speaks the outbound half of the order sync protocol. Inbound
// requests are rejected: serving the order set is not implemented.
type OrderSync struct {
	h       host.Host
	timeout time.Duration

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Reply
}

// New creates the order sync behaviour on a host.
func New(h host.Host) *OrderSync {
	return &OrderSync{
		h:       h,
		timeout: defaultRequestTimeout,
		pending: make(map[uint64]*Reply),
	}
}

// Start registers the inbound stream handler.
func (os *OrderSync) Start() {
	os.h.SetStreamHandler(ProtocolID, os.handleStream)
}

// Send issues a request to a peer. The reply slot resolves with exactly one
// terminal event: the response, an outbound failure, or nothing if the slot
// was dropped first. The returned id is unique per behaviour instance.
func (os *OrderSync) Send(ctx context.Context, p peer.ID, req *Request, reply *Reply) uint64 {
	os.mu.Lock()
	os.nextID++
	id := os.nextID
	if _, exists := os.pending[id]; exists {
		os.mu.Unlock()
		// Cannot happen while ids are handed out from one counter; treat
		// as an invariant violation and keep the older entry.
		log.Error().Uint64("id", id).Msg("duplicate order sync request id")
		return id
	}
	os.pending[id] = reply
	os.mu.Unlock()

	go os.exchange(ctx, id, p, req)
	return id
}

func (os *OrderSync) exchange(ctx context.Context, id uint64, p peer.ID, req *Request) {
	ctx, cancel := context.WithTimeout(ctx, os.timeout)
	defer cancel()

	s, err := os.h.NewStream(ctx, p, ProtocolID)
	if err != nil {
		os.finish(id, Result{Err: fmt.Errorf("ordersync: outbound request failed: %w", err)})
		return
	}
	defer s.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	if err := utils.WriteJSON(s, Message{Request: req}); err != nil {
		s.Reset()
		os.finish(id, Result{Err: fmt.Errorf("ordersync: outbound request failed: %w", err)})
		return
	}

	var msg Message
	if err := utils.ReadJSON(s, &msg, maxMessageSize); err != nil {
		s.Reset()
		os.finish(id, Result{Err: fmt.Errorf("ordersync: outbound request failed: %w", err)})
		return
	}

	switch {
	case msg.Response != nil:
		os.finish(id, Result{Response: msg.Response})
	case msg.Request != nil:
		os.finish(id, Result{Err: ErrUnexpectedRequest})
	default:
		os.finish(id, Result{Err: fmt.Errorf("ordersync: outbound request failed: empty message")})
	}
}

// finish resolves the pending entry for id. Each id sees at most one
// terminal event; anything after that is logged and dropped.
func (os *OrderSync) finish(id uint64, res Result) {
	os.mu.Lock()
	reply, ok := os.pending[id]
	if ok {
		delete(os.pending, id)
	}
	os.mu.Unlock()

	if !ok {
		log.Error().Uint64("id", id).Msg("terminal event for unknown order sync request")
		return
	}
	if !reply.deliver(res) {
		log.Warn().Uint64("id", id).Msg("order sync reply slot dropped, discarding result")
	}
}

// handleStream rejects inbound order sync requests. The request is read and
// logged, no response frame is written, and the pending table is untouched.
func (os *OrderSync) handleStream(s network.Stream) {
	defer s.Reset()
	p := s.Conn().RemotePeer()

	var msg Message
	if err := utils.ReadJSON(s, &msg, maxMessageSize); err != nil {
		log.Error().Err(err).Str("peer", p.Pretty()).Msg("reading inbound order sync stream")
		return
	}
	log.Error().Str("peer", p.Pretty()).Msg("serving order sync requests is not implemented")
}

func (os *OrderSync) pendingCount() int {
	os.mu.Lock()
	defer os.mu.Unlock()
	return len(os.pending)
}

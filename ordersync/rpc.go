package ordersync

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p-core/peer"
)

// MailboxSize bounds the number of calls queued for the node loop.
const MailboxSize = 16

// ErrQueueFull is returned when the RPC mailbox is at capacity.
var ErrQueueFull = errors.New("ordersync: rpc mailbox is full")

// Call is one queued request together with its reply slot.
type Call struct {
	Peer    peer.ID
	Request *Request
	Reply   *Reply
}

// Client submits sync requests to the node event loop through a bounded
// mailbox. The handle is safe to share: any number of producers may call
// Sync concurrently while the loop drains Calls.
type Client struct {
	calls chan *Call
}

// NewClient creates the mailbox and its producer handle.
func NewClient() *Client {
	return &Client{calls: make(chan *Call, MailboxSize)}
}

// Calls is drained by the node event loop.
func (c *Client) Calls() <-chan *Call {
	return c.calls
}

func (c *Client) enqueue(call *Call) error {
	select {
	case c.calls <- call:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown fails every queued call with ErrDropped. The event loop calls
// this on its way out so no producer waits on a mailbox nobody drains.
func (c *Client) Shutdown() {
	for {
		select {
		case call := <-c.calls:
			call.Reply.deliver(Result{Err: ErrDropped})
		default:
			return
		}
	}
}

// Sync issues one request against a peer and blocks until its terminal
// event. Cancelling the context abandons the wait; the in-flight exchange
// is not aborted and its result is discarded.
func (c *Client) Sync(ctx context.Context, p peer.ID, req *Request) (*Response, error) {
	reply := NewReply()
	if err := c.enqueue(&Call{Peer: p, Request: req, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply.Done():
		return res.Response, res.Err
	case <-ctx.Done():
		reply.Drop()
		return nil, ctx.Err()
	}
}

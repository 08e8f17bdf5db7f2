package ordersync

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/network"
	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"

	"github.com/0xProject/mesh-go/internal/utils"
)

func connectedPair(ctx context.Context, t *testing.T) (mocknet.Mocknet, *OrderSync, *OrderSync) {
	t.Helper()
	mn := mocknet.New(ctx)

	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)

	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	os1 := New(h1)
	os1.Start()
	os2 := New(h2)
	os2.Start()
	return mn, os1, os2
}

func awaitResult(t *testing.T, reply *Reply) Result {
	t.Helper()
	select {
	case res := <-reply.Done():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("request did not resolve")
		return Result{}
	}
}

func TestSendReceivesResponse(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, os1, os2 := connectedPair(ctx, t)

	orders := []Order{
		{ChainID: 1, Salt: "100", Signature: "0x01"},
		{ChainID: 1, Salt: "200", Signature: "0x02"},
	}
	os2.h.RemoveStreamHandler(ProtocolID)
	os2.h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()
		var msg Message
		if err := utils.ReadJSON(s, &msg, maxMessageSize); err != nil {
			s.Reset()
			return
		}
		res := &Response{
			Complete: true,
			Orders:   orders,
			Metadata: ResponseMetadata{V0: &ResponseMetadataV0{SnapshotID: "abc"}},
		}
		_ = utils.WriteJSON(s, Message{Response: res})
	})

	reply := NewReply()
	id := os1.Send(ctx, os2.h.ID(), DefaultRequest(), reply)

	res := awaitResult(t, reply)
	require.NoError(t, res.Err)
	require.True(t, res.Response.Complete)
	require.Equal(t, orders, res.Response.Orders)
	require.Equal(t, 0, os1.pendingCount())

	// A second terminal event for the same id is logged and dropped.
	os1.finish(id, Result{Err: ErrUnexpectedRequest})
	select {
	case <-reply.Done():
		t.Fatal("reply resolved twice")
	default:
	}
}

func TestSendUnexpectedRequest(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, os1, os2 := connectedPair(ctx, t)

	os2.h.RemoveStreamHandler(ProtocolID)
	os2.h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()
		var msg Message
		if err := utils.ReadJSON(s, &msg, maxMessageSize); err != nil {
			s.Reset()
			return
		}
		_ = utils.WriteJSON(s, Message{Request: DefaultRequest()})
	})

	reply := NewReply()
	os1.Send(ctx, os2.h.ID(), DefaultRequest(), reply)

	res := awaitResult(t, reply)
	require.ErrorIs(t, res.Err, ErrUnexpectedRequest)
	require.Nil(t, res.Response)
}

func TestSendOutboundFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)

	// No links between the peers, so opening a stream must fail.
	os1 := New(h1)
	os1.Start()

	reply := NewReply()
	os1.Send(ctx, h2.ID(), DefaultRequest(), reply)

	res := awaitResult(t, reply)
	require.Error(t, res.Err)
	require.Nil(t, res.Response)
	require.Equal(t, 0, os1.pendingCount())
}

func TestInboundRequestRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, os1, os2 := connectedPair(ctx, t)

	s, err := os2.h.NewStream(ctx, os1.h.ID(), ProtocolID)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, utils.WriteJSON(s, Message{Request: DefaultRequest()}))

	// The receiver must not answer: the stream resets without a response
	// frame and nothing is tracked in the pending table.
	var msg Message
	require.Error(t, utils.ReadJSON(s, &msg, maxMessageSize))
	require.Equal(t, 0, os1.pendingCount())
}

func TestReplyDroppedBeforeResponse(t *testing.T) {
	os := &OrderSync{pending: make(map[uint64]*Reply)}

	reply := NewReply()
	os.pending[1] = reply
	reply.Drop()

	os.finish(1, Result{Response: &Response{Complete: true}})
	require.Equal(t, 0, os.pendingCount())
	select {
	case <-reply.Done():
		t.Fatal("dropped reply must not resolve")
	default:
	}

	// Terminal events for unknown ids are logged and dropped.
	os.finish(42, Result{Err: ErrUnexpectedRequest})
}

func TestClientSync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient()
	go func() {
		call := <-c.Calls()
		call.Reply.deliver(Result{Response: &Response{Complete: true}})
	}()

	res, err := c.Sync(ctx, "", DefaultRequest())
	require.NoError(t, err)
	require.True(t, res.Complete)
}

func TestClientQueueFull(t *testing.T) {
	c := NewClient()
	for i := 0; i < MailboxSize; i++ {
		require.NoError(t, c.enqueue(&Call{Request: DefaultRequest(), Reply: NewReply()}))
	}

	_, err := c.Sync(context.Background(), "", DefaultRequest())
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestClientShutdownDropsQueuedCalls(t *testing.T) {
	c := NewClient()
	reply := NewReply()
	require.NoError(t, c.enqueue(&Call{Request: DefaultRequest(), Reply: reply}))

	c.Shutdown()
	select {
	case res := <-reply.Done():
		require.ErrorIs(t, res.Err, ErrDropped)
	default:
		t.Fatal("queued call not resolved on shutdown")
	}
}

func TestClientSyncCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient()
	cancel()

	_, err := c.Sync(ctx, "", DefaultRequest())
	require.ErrorIs(t, err, context.Canceled)

	// The queued call's reply slot was dropped: a late delivery is discarded.
	call := <-c.Calls()
	require.False(t, call.Reply.deliver(Result{Response: &Response{Complete: true}}))
}

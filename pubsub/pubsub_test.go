package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	mocknet "github.com/libp2p/go-libp2p/p2p/net/mock"
	"github.com/stretchr/testify/require"
)

func TestReceiveOrderGossip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mn := mocknet.New(ctx)
	h1, err := mn.GenPeer()
	require.NoError(t, err)
	h2, err := mn.GenPeer()
	require.NoError(t, err)
	require.NoError(t, mn.LinkAll())
	require.NoError(t, mn.ConnectAllButSelf())

	ps1, err := New(ctx, h1)
	require.NoError(t, err)
	require.NoError(t, ps1.Start(ctx))

	ps2, err := New(ctx, h2)
	require.NoError(t, err)
	require.NoError(t, ps2.Start(ctx))

	var mu sync.Mutex
	var received []Message
	unsub := ps1.OnMessage(func(m Message) {
		mu.Lock()
		received = append(received, m)
		mu.Unlock()
	})
	defer unsub()

	payload := []byte(`{"chainId":1,"salt":"1548619145450"}`)
	// Publish from the far side until the mesh forms and delivery happens.
	require.Eventually(t, func() bool {
		_ = ps2.topic.Publish(ctx, payload)
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 10*time.Second, 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, h2.ID(), received[0].From)
	require.Equal(t, payload, received[0].Data)
}

package sse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	hub := NewHub()

	first, cancelFirst := hub.Subscribe()
	defer cancelFirst()
	second, cancelSecond := hub.Subscribe()
	defer cancelSecond()

	hub.Broadcast([]byte("hello"))

	for _, ch := range []chan []byte{first, second} {
		select {
		case payload := <-ch:
			assert.Equal(t, "hello", string(payload))
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe()
	cancel()

	// channel is closed and no longer registered
	_, open := <-ch
	require.False(t, open)

	hub.Broadcast([]byte("late"))
}

func TestBroadcastDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub()

	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 0; i < cap(ch)+5; i++ {
		hub.Broadcast([]byte("burst"))
	}

	// the buffered events are there, the overflow was dropped
	assert.Len(t, ch, cap(ch))
}

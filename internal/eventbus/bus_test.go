package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByPrefix(t *testing.T) {
	b := New()
	store, unsubStore := b.Subscribe(4, "store.")
	defer unsubStore()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "store.connected"})
	b.Publish(Event{Type: "tracker.broadcast_error"})

	select {
	case e := <-store:
		assert.Equal(t, "store.connected", e.Type)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected store event")
	}
	select {
	case e := <-store:
		t.Fatalf("unexpected event %q", e.Type)
	default:
	}
	require.Len(t, all, 2)
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
}

package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	caster := NewBroadcaster(8, testLogger())
	defer caster.Close()

	first := caster.Subscribe()
	second := caster.Subscribe()

	caster.Publish(Update{Type: UpdateConnected, Message: "up"})

	for _, sub := range []*Subscription{first, second} {
		select {
		case update := <-sub.Updates():
			assert.Equal(t, UpdateConnected, update.Type)
			assert.Equal(t, "up", update.Message)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the update")
		}
	}
}

func TestPublishNeverBlocksOnStalledSubscriber(t *testing.T) {
	caster := NewBroadcaster(4, testLogger())
	defer caster.Close()

	stalled := caster.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5000; i++ {
			caster.Publish(Update{Type: UpdateSnapshot, Message: "tick"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a subscriber that never consumes")
	}

	assert.Greater(t, stalled.Dropped(), uint64(0))
	assert.LessOrEqual(t, len(stalled.ch), 4)
}

func TestStalledSubscriberKeepsNewestUpdates(t *testing.T) {
	caster := NewBroadcaster(2, testLogger())
	defer caster.Close()

	sub := caster.Subscribe()

	for i := 0; i < 5; i++ {
		caster.Publish(Update{Type: UpdateSnapshot, Message: string(rune('a' + i))})
	}

	// Oldest entries were shed; the queue tail is the newest publish
	var last Update
	for i := 0; i < 2; i++ {
		select {
		case last = <-sub.Updates():
		case <-time.After(time.Second):
			t.Fatal("expected a buffered update")
		}
	}
	assert.Equal(t, "e", last.Message)
	assert.Equal(t, uint64(3), sub.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	caster := NewBroadcaster(4, testLogger())
	defer caster.Close()

	sub := caster.Subscribe()
	require.Equal(t, 1, caster.SubscriberCount())

	caster.Unsubscribe(sub)
	assert.Equal(t, 0, caster.SubscriberCount())

	_, open := <-sub.Updates()
	assert.False(t, open)

	// Idempotent
	caster.Unsubscribe(sub)
}

func TestPublishPreservesOrderForKeptUpdates(t *testing.T) {
	caster := NewBroadcaster(16, testLogger())
	defer caster.Close()

	sub := caster.Subscribe()
	for i := 0; i < 10; i++ {
		caster.Publish(Update{Type: UpdateSnapshot, Message: string(rune('0' + i))})
	}

	for i := 0; i < 10; i++ {
		update := <-sub.Updates()
		assert.Equal(t, string(rune('0'+i)), update.Message)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	caster := NewBroadcaster(4, testLogger())
	sub := caster.Subscribe()

	caster.Close()

	_, open := <-sub.Updates()
	assert.False(t, open)

	// Publishing and subscribing after close are harmless no-ops
	caster.Publish(Update{Type: UpdateSnapshot})
	late := caster.Subscribe()
	_, open = <-late.Updates()
	assert.False(t, open)
}

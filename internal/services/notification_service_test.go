package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/modbus-monitor/backend/internal/monitor"
)

type noopHistory struct{}

func (noopHistory) AppendSamples(signals []monitor.Signal, at time.Time) {}

func (noopHistory) AppendAlert(ev monitor.Event) {}

func (noopHistory) AppendLifecycle(eventType, message string, at time.Time) {}

func newNotificationFixture(t *testing.T) (*NotificationService, context.CancelFunc) {
	t.Helper()

	engine := monitor.NewEngine(monitor.EngineOptions{}, testLogger())
	caster := monitor.NewBroadcaster(64, testLogger())
	poller := monitor.NewPoller(engine, caster, noopHistory{}, testLogger(), monitor.PollerOptions{})

	svc := NewNotificationService(poller, caster, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	return svc, cancel
}

func TestNotificationHubGreetsAndReleasesClient(t *testing.T) {
	svc, cancel := newNotificationFixture(t)
	defer cancel()

	client := &Client{send: make(chan []byte, 256)}
	svc.register <- client

	select {
	case payload := <-client.send:
		assert.Contains(t, string(payload), `"snapshot"`)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the greeting snapshot")
	}

	svc.detach(client)
	select {
	case _, ok := <-client.send:
		assert.False(t, ok, "send channel should be closed after detach")
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed after detach")
	}
}

func TestNotificationHubDetachAfterShutdown(t *testing.T) {
	svc, cancel := newNotificationFixture(t)

	client := &Client{send: make(chan []byte, 256)}
	svc.register <- client

	cancel()
	select {
	case <-svc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	// A read pump winding down after the hub has stopped must not hang
	// on the unregister handoff.
	finished := make(chan struct{})
	go func() {
		svc.detach(client)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("detach blocked after hub shutdown")
	}
}

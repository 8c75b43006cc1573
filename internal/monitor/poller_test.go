package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbus-monitor/backend/internal/modbus"
	"github.com/modbus-monitor/backend/internal/utils"
)

// fakeLink is a scripted device link. Each read pops the next response;
// the last response repeats once the script is exhausted.
type fakeLink struct {
	mu        sync.Mutex
	responses []readResponse
	openErr   error
	opened    bool
	closed    bool
	writes    []writeRecord
}

type readResponse struct {
	words []uint16
	err   error
}

type writeRecord struct {
	register modbus.RegisterKind
	address  uint16
	value    uint16
	on       bool
}

func (f *fakeLink) Open(cfg modbus.LinkConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	return nil
}

func (f *fakeLink) ReadRange(kind modbus.RegisterKind, start, count uint16) ([]uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil, &modbus.ReadError{Reason: modbus.ReadLinkDown, Err: errors.New("script exhausted")}
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp.words, resp.err
}

func (f *fakeLink) WriteRegister(addr, value uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeRecord{register: modbus.RegisterHolding, address: addr, value: value})
	return nil
}

func (f *fakeLink) WriteCoil(addr uint16, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeRecord{register: modbus.RegisterCoil, address: addr, on: on})
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) recordedWrites() []writeRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]writeRecord, len(f.writes))
	copy(out, f.writes)
	return out
}

// captureSink records everything the poll loop hands to history
type captureSink struct {
	mu     sync.Mutex
	alerts []Event
	events []string
}

func (c *captureSink) AppendSamples(signals []Signal, at time.Time) {}

func (c *captureSink) AppendAlert(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, ev)
}

func (c *captureSink) AppendLifecycle(eventType, message string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
}

func (c *captureSink) recordedAlerts() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.alerts))
	copy(out, c.alerts)
	return out
}

type pollerFixture struct {
	poller *Poller
	caster *Broadcaster
	sink   *captureSink
	sub    *Subscription
	cancel context.CancelFunc
}

func newPollerFixture(t *testing.T, link modbus.Link, threshold int) *pollerFixture {
	t.Helper()

	engine := NewEngine(EngineOptions{AnomalyWindow: 4, AnomalyDeviation: 3.0}, testLogger())
	caster := NewBroadcaster(256, testLogger())
	sink := &captureSink{}

	poller := NewPoller(engine, caster, sink, testLogger(), PollerOptions{
		FailureThreshold: threshold,
		LinkFactory:      func() modbus.Link { return link },
	})

	sub := caster.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	go poller.Run(ctx)
	t.Cleanup(cancel)

	return &pollerFixture{poller: poller, caster: caster, sink: sink, sub: sub, cancel: cancel}
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		Link: modbus.LinkConfig{
			Protocol:       "tcp",
			Host:           "127.0.0.1",
			Port:           1502,
			ConnectTimeout: time.Second,
		},
		RegisterKind: modbus.RegisterHolding,
		StartAddress: 0,
		Count:        2,
		Interval:     5 * time.Millisecond,
		ReadTimeout:  time.Millisecond,
	}
}

// waitForUpdate consumes the stream until an update of the wanted type
// arrives
func waitForUpdate(t *testing.T, sub *Subscription, want UpdateType) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case update, ok := <-sub.Updates():
			if !ok {
				t.Fatalf("stream closed while waiting for %s", want)
			}
			if update.Type == want {
				return update
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s update", want)
		}
	}
}

// timedLink answers every read with the same words after a fixed
// latency, recording when each read started.
type timedLink struct {
	fakeLink
	latency time.Duration
	starts  []time.Time
}

func (l *timedLink) ReadRange(kind modbus.RegisterKind, start, count uint16) ([]uint16, error) {
	l.mu.Lock()
	l.starts = append(l.starts, time.Now())
	l.mu.Unlock()
	time.Sleep(l.latency)
	return []uint16{1, 2}, nil
}

func (l *timedLink) readStarts() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]time.Time, len(l.starts))
	copy(out, l.starts)
	return out
}

func TestTickCadenceAnchoredToTickStart(t *testing.T) {
	const (
		interval = 50 * time.Millisecond
		latency  = 25 * time.Millisecond
		ticks    = 8
	)

	link := &timedLink{latency: latency}
	fx := newPollerFixture(t, link, 3)

	cfg := testSessionConfig()
	cfg.Interval = interval
	cfg.ReadTimeout = 10 * time.Millisecond
	require.NoError(t, fx.poller.Apply(cfg))

	deadline := time.After(3 * time.Second)
	for len(link.readStarts()) < ticks {
		select {
		case <-deadline:
			t.Fatalf("only %d reads after 3s", len(link.readStarts()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	require.NoError(t, fx.poller.Disconnect())

	starts := link.readStarts()[:ticks]
	for i := 1; i < ticks; i++ {
		gap := starts[i].Sub(starts[i-1])
		// A burst would space reads at the read latency instead of
		// the interval.
		assert.GreaterOrEqual(t, gap, interval-15*time.Millisecond,
			"tick %d fired %v after the previous one", i, gap)
	}

	// Anchoring at tick start means processing time does not stretch
	// the cadence: the span of N ticks stays near N*interval. Sleeping
	// a full interval after each read would stretch every gap by the
	// read latency.
	span := starts[ticks-1].Sub(starts[0])
	ideal := time.Duration(ticks-1) * interval
	drifted := time.Duration(ticks-1) * (interval + latency)
	assert.Less(t, span, ideal+(drifted-ideal)/2,
		"span %v over %d ticks drifts past the %v cadence", span, ticks, ideal)
}

func TestApplyConnectsAndPublishesSnapshots(t *testing.T) {
	link := &fakeLink{responses: []readResponse{{words: []uint16{10, 20}}}}
	fx := newPollerFixture(t, link, 3)

	require.NoError(t, fx.poller.Apply(testSessionConfig()))

	waitForUpdate(t, fx.sub, UpdateConnected)
	update := waitForUpdate(t, fx.sub, UpdateSnapshot)

	require.NotNil(t, update.Snapshot)
	assert.Equal(t, StateConnected, update.Snapshot.State)
	require.Len(t, update.Snapshot.Signals, 2)
	assert.Equal(t, "Signal 1", update.Snapshot.Signals[0].Name)
	assert.Equal(t, 10.0, update.Snapshot.Signals[0].LastValue)
	assert.Equal(t, "ok", update.Snapshot.Signals[0].Status)
	assert.Equal(t, 20.0, update.Snapshot.Signals[1].LastValue)
}

func TestConnectedFiresExactlyOnce(t *testing.T) {
	link := &fakeLink{responses: []readResponse{{words: []uint16{1, 2}}}}
	fx := newPollerFixture(t, link, 3)

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)

	// Drain several ticks; no further connected events may appear
	connected := 0
	timeout := time.After(100 * time.Millisecond)
	snapshots := 0
	for snapshots < 5 {
		select {
		case update := <-fx.sub.Updates():
			switch update.Type {
			case UpdateConnected:
				connected++
			case UpdateSnapshot:
				snapshots++
			}
		case <-timeout:
			t.Fatal("poll loop stopped ticking")
		}
	}
	assert.Zero(t, connected, "connected is a transition event, not a heartbeat")
}

func TestApplyInvalidConfigFailsSynchronously(t *testing.T) {
	link := &fakeLink{responses: []readResponse{{words: []uint16{1, 2}}}}
	fx := newPollerFixture(t, link, 3)

	cfg := testSessionConfig()
	cfg.Count = 0
	err := fx.poller.Apply(cfg)
	assert.ErrorIs(t, err, utils.ErrInvalidConfig)
	assert.Equal(t, StateIdle, fx.poller.State())
}

func TestApplyWhileConnectedIsRejected(t *testing.T) {
	link := &fakeLink{responses: []readResponse{{words: []uint16{1, 2}}}}
	fx := newPollerFixture(t, link, 3)

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)

	err := fx.poller.Apply(testSessionConfig())
	assert.ErrorIs(t, err, utils.ErrConflict)
}

func TestFailureThresholdTripsDisconnect(t *testing.T) {
	timeout := &modbus.ReadError{Reason: modbus.ReadTimeout, Err: errors.New("no response")}
	link := &fakeLink{responses: []readResponse{
		{words: []uint16{1, 2}},
		{err: timeout},
	}}
	fx := newPollerFixture(t, link, 3)

	engine := fx.poller.Engine()
	require.NoError(t, engine.AddRule(Rule{
		SignalName: "Device",
		Kind:       AlertConnectionLost,
		Severity:   SeverityCritical,
		Enabled:    true,
	}))

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)

	waitForUpdate(t, fx.sub, UpdateError)
	waitForUpdate(t, fx.sub, UpdateDisconnected)

	assert.Equal(t, StateDisconnected, fx.poller.State())
	assert.True(t, link.closed)

	alerts := fx.sink.recordedAlerts()
	require.Len(t, alerts, 1, "connection-lost fires once per outage")
	assert.Equal(t, AlertConnectionLost, alerts[0].Kind)
}

func TestLinkDownDisconnectsImmediately(t *testing.T) {
	down := &modbus.ReadError{Reason: modbus.ReadLinkDown, Err: errors.New("broken pipe")}
	link := &fakeLink{responses: []readResponse{
		{words: []uint16{1, 2}},
		{err: down},
	}}
	// Threshold of 100 must not matter: link-down is immediate
	fx := newPollerFixture(t, link, 100)

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)
	waitForUpdate(t, fx.sub, UpdateDisconnected)

	assert.Equal(t, StateDisconnected, fx.poller.State())
}

func TestDeviceExceptionDoesNotDisconnect(t *testing.T) {
	exc := &modbus.DeviceError{Err: errors.New("illegal data address")}
	link := &fakeLink{responses: []readResponse{
		{words: []uint16{1, 2}},
		{err: exc},
	}}
	fx := newPollerFixture(t, link, 2)

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)

	// Wait long enough for the exception responses to repeat well past
	// the failure threshold
	var snap Snapshot
	deadline := time.After(2 * time.Second)
	for {
		update := waitForUpdate(t, fx.sub, UpdateSnapshot)
		snap = *update.Snapshot
		if snap.ErrorCount >= 4 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("error count never accumulated")
		default:
		}
	}

	assert.Equal(t, StateConnected, snap.State, "device exceptions never sever the session")
	assert.Equal(t, "error", snap.Signals[0].Status)
	assert.Equal(t, 1.0, snap.Signals[0].LastValue, "stale value retained")
}

func TestThresholdAlertFiresFromPolledValue(t *testing.T) {
	link := &fakeLink{responses: []readResponse{{words: []uint16{10, 0}}}}
	fx := newPollerFixture(t, link, 3)

	require.NoError(t, fx.poller.Engine().AddRule(Rule{
		SignalName: "Signal 1",
		Kind:       AlertThresholdHigh,
		Threshold:  floatPtr(5),
		Severity:   SeverityWarning,
		Enabled:    true,
	}))

	require.NoError(t, fx.poller.Apply(testSessionConfig()))

	update := waitForUpdate(t, fx.sub, UpdateAlertsChanged)
	require.Len(t, update.ActiveAlerts, 1)
	assert.Equal(t, "Signal 1", update.ActiveAlerts[0].SignalName)
	assert.Equal(t, 10.0, update.ActiveAlerts[0].Value)

	alerts := fx.sink.recordedAlerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, AlertThresholdHigh, alerts[0].Kind)
}

func TestDisconnectReturnsToIdleWithoutAlert(t *testing.T) {
	link := &fakeLink{responses: []readResponse{{words: []uint16{1, 2}}}}
	fx := newPollerFixture(t, link, 3)

	require.NoError(t, fx.poller.Engine().AddRule(Rule{
		SignalName: "Device",
		Kind:       AlertConnectionLost,
		Severity:   SeverityCritical,
		Enabled:    true,
	}))

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)

	require.NoError(t, fx.poller.Disconnect())
	waitForUpdate(t, fx.sub, UpdateDisconnected)

	assert.Equal(t, StateIdle, fx.poller.State())
	assert.True(t, link.closed)
	assert.Empty(t, fx.sink.recordedAlerts(), "operator disconnect is not an outage")

	// Idle disconnect is idempotent
	assert.NoError(t, fx.poller.Disconnect())
}

func TestWriteBetweenTicks(t *testing.T) {
	link := &fakeLink{responses: []readResponse{{words: []uint16{1, 2}}}}
	fx := newPollerFixture(t, link, 3)

	err := fx.poller.Write(modbus.RegisterHolding, 7, 42)
	assert.ErrorIs(t, err, utils.ErrServiceUnavailable, "writes require a session")

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)

	require.NoError(t, fx.poller.Write(modbus.RegisterHolding, 7, 42))
	require.NoError(t, fx.poller.Write(modbus.RegisterCoil, 3, 1))

	err = fx.poller.Write(modbus.RegisterInput, 1, 1)
	assert.ErrorIs(t, err, utils.ErrBadRequest, "input registers are read-only")

	writes := link.recordedWrites()
	require.Len(t, writes, 2)
	assert.Equal(t, uint16(7), writes[0].address)
	assert.Equal(t, uint16(42), writes[0].value)
	assert.Equal(t, modbus.RegisterCoil, writes[1].register)
	assert.True(t, writes[1].on)
}

func TestOpenFailurePublishesError(t *testing.T) {
	link := &fakeLink{openErr: &modbus.ConnectError{Reason: modbus.ConnectRefused, Err: errors.New("connection refused")}}
	fx := newPollerFixture(t, link, 3)

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateError)

	assert.Equal(t, StateDisconnected, fx.poller.State())

	// A fresh apply is allowed after a failed connect
	link.mu.Lock()
	link.openErr = nil
	link.responses = []readResponse{{words: []uint16{1, 2}}}
	link.mu.Unlock()

	require.NoError(t, fx.poller.Apply(testSessionConfig()))
	waitForUpdate(t, fx.sub, UpdateConnected)
}

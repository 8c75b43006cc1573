package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modbus-monitor/backend/internal/modbus"
	"github.com/modbus-monitor/backend/internal/utils"
)

// HistoryWriter receives the poll loop's output for persistence. All
// methods must be non-blocking; a slow store sheds writes rather than
// stalling the poll cycle.
type HistoryWriter interface {
	AppendSamples(signals []Signal, at time.Time)
	AppendAlert(ev Event)
	AppendLifecycle(eventType, message string, at time.Time)
}

// LinkFactory builds the device link for a session. Production wiring
// uses modbus.NewClient; tests substitute a fake.
type LinkFactory func() modbus.Link

type applyCmd struct {
	cfg   SessionConfig
	reply chan error
}

type disconnectCmd struct {
	reply chan error
}

type writeCmd struct {
	register modbus.RegisterKind
	address  uint16
	value    uint16
	reply    chan error
}

// Poller owns the device link and all live signal state. It runs as a
// single goroutine: reads happen at a fixed cadence, commands are
// applied between ticks, and everything it shares with the outside
// world is a copy. An in-flight read is never interrupted; shutdown
// waits for it, bounded by the read timeout.
type Poller struct {
	engine  *Engine
	caster  *Broadcaster
	history HistoryWriter
	logger  *utils.Logger
	newLink LinkFactory

	failureThreshold int

	commands chan interface{}
	done     chan struct{}

	latestMu sync.RWMutex
	latest   Snapshot

	// loop-owned, never touched from outside Run
	cfg            SessionConfig
	link           modbus.Link
	signals        []Signal
	state          State
	readCount      uint64
	errorCount     uint64
	consecFailures int
}

// PollerOptions tunes failure handling and link construction
type PollerOptions struct {
	FailureThreshold int
	LinkFactory      LinkFactory
}

// NewPoller creates a poller in the idle state. Run must be called for
// commands to take effect.
func NewPoller(engine *Engine, caster *Broadcaster, history HistoryWriter, logger *utils.Logger, opts PollerOptions) *Poller {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.LinkFactory == nil {
		opts.LinkFactory = func() modbus.Link {
			return modbus.NewClient(logger)
		}
	}
	p := &Poller{
		engine:           engine,
		caster:           caster,
		history:          history,
		logger:           logger.Named("poller"),
		newLink:          opts.LinkFactory,
		failureThreshold: opts.FailureThreshold,
		commands:         make(chan interface{}, 8),
		done:             make(chan struct{}),
		state:            StateIdle,
	}
	p.latest = Snapshot{State: StateIdle, Time: time.Now()}
	return p
}

func (p *Poller) setLatest(snap Snapshot) {
	p.latestMu.Lock()
	p.latest = snap
	p.latestMu.Unlock()
}

// Apply validates the configuration synchronously, then hands it to
// the poll loop. It returns once the loop has accepted or rejected the
// command; the connection itself proceeds asynchronously and its
// outcome is published as connected or error updates.
func (p *Poller) Apply(cfg SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cmd := applyCmd{cfg: cfg, reply: make(chan error, 1)}
	select {
	case p.commands <- cmd:
	case <-p.done:
		return ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.done:
		return ErrSessionClosed
	}
}

// Disconnect asks the loop to close the link and return to idle.
// Disconnecting an idle session is a no-op.
func (p *Poller) Disconnect() error {
	cmd := disconnectCmd{reply: make(chan error, 1)}
	select {
	case p.commands <- cmd:
	case <-p.done:
		return ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.done:
		return ErrSessionClosed
	}
}

// Write queues a single-point write, executed between ticks so it
// never races a read on the link. Only holding registers and coils
// are writable; a nonzero value sets a coil.
func (p *Poller) Write(register modbus.RegisterKind, address uint16, value uint16) error {
	if register != modbus.RegisterHolding && register != modbus.RegisterCoil {
		return fmt.Errorf("%w: register kind %q is not writable", utils.ErrBadRequest, register)
	}
	cmd := writeCmd{register: register, address: address, value: value, reply: make(chan error, 1)}
	select {
	case p.commands <- cmd:
	case <-p.done:
		return ErrSessionClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-p.done:
		return ErrSessionClosed
	}
}

// Snapshot returns a copy of the most recently published state. It
// never blocks on the poll loop.
func (p *Poller) Snapshot() Snapshot {
	p.latestMu.RLock()
	snap := p.latest
	p.latestMu.RUnlock()
	signals := make([]Signal, len(snap.Signals))
	copy(signals, snap.Signals)
	snap.Signals = signals
	return snap
}

// State returns the connection state as of the last published snapshot
func (p *Poller) State() State {
	p.latestMu.RLock()
	defer p.latestMu.RUnlock()
	return p.latest.State
}

// Engine exposes the alert engine for rule management
func (p *Poller) Engine() *Engine {
	return p.engine
}

// Run drives the poll loop until the context is cancelled. It must be
// called exactly once.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.done)
	defer p.shutdown()

	for {
		if p.state == StateConnecting || p.state == StateConnected {
			if !p.runSession(ctx) {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.commands:
			p.handleIdleCommand(cmd)
		}
	}
}

func (p *Poller) shutdown() {
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			p.logger.Warn("closing link on shutdown", utils.Error(err))
		}
		p.link = nil
	}
	if p.state == StateConnected || p.state == StateConnecting {
		p.history.AppendLifecycle("disconnected", "monitoring stopped on shutdown", time.Now())
	}
	p.caster.Close()
	p.logger.Info("poll loop stopped")
}

// handleIdleCommand processes commands while no session is active
func (p *Poller) handleIdleCommand(cmd interface{}) {
	switch c := cmd.(type) {
	case applyCmd:
		c.reply <- nil
		p.startSession(c.cfg)
	case disconnectCmd:
		c.reply <- nil
	case writeCmd:
		c.reply <- fmt.Errorf("%w: not connected", utils.ErrServiceUnavailable)
	}
}

// startSession opens the link and moves to connecting. Open failures
// leave the loop disconnected and are reported through the update
// stream, not a return value.
func (p *Poller) startSession(cfg SessionConfig) {
	p.cfg = cfg
	p.signals = cfg.buildSignals()
	p.readCount = 0
	p.errorCount = 0
	p.consecFailures = 0
	p.engine.Reset()

	p.logger.Info("opening device link",
		utils.String("protocol", string(cfg.Link.Protocol)),
		utils.String("register_kind", string(cfg.RegisterKind)),
		utils.Int("count", int(cfg.Count)))

	link := p.newLink()
	if err := link.Open(cfg.Link); err != nil {
		p.logger.Error("connect failed", utils.Error(err))
		p.state = StateDisconnected
		p.publishState(time.Now())
		p.caster.Publish(Update{Type: UpdateError, Message: fmt.Sprintf("connect failed: %v", err)})
		p.history.AppendLifecycle("connect_failed", err.Error(), time.Now())
		return
	}

	p.link = link
	p.state = StateConnecting
	p.publishState(time.Now())
	p.history.AppendLifecycle("connecting", "device link opened", time.Now())
}

// runSession ticks at a fixed cadence until the session ends. It
// returns false when the context was cancelled.
func (p *Poller) runSession(ctx context.Context) bool {
	connectionStateGauge.Set(0)
	defer connectionStateGauge.Set(0)

	for {
		tickStart := time.Now()
		p.tick(tickStart)
		if p.state == StateDisconnected || p.state == StateIdle {
			return true
		}

		// Next tick is anchored to this tick's start, so processing
		// time does not accumulate drift. An overrun tick is followed
		// immediately by at most one catch-up, never a burst.
		timer := time.NewTimer(time.Until(tickStart.Add(p.cfg.Interval)))
	waiting:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return false
			case cmd := <-p.commands:
				if !p.handleSessionCommand(cmd) {
					timer.Stop()
					return true
				}
			case <-timer.C:
				break waiting
			}
		}
	}
}

// handleSessionCommand processes a command between ticks. It returns
// false when the session ended.
func (p *Poller) handleSessionCommand(cmd interface{}) bool {
	switch c := cmd.(type) {
	case applyCmd:
		c.reply <- fmt.Errorf("%w: already connected, disconnect first", utils.ErrConflict)
	case disconnectCmd:
		p.stopSession("disconnected by operator")
		c.reply <- nil
		return false
	case writeCmd:
		c.reply <- p.executeWrite(c)
	}
	return true
}

func (p *Poller) executeWrite(c writeCmd) error {
	if c.register == modbus.RegisterCoil {
		return p.link.WriteCoil(c.address, c.value != 0)
	}
	return p.link.WriteRegister(c.address, c.value)
}

// stopSession is the orderly, operator-initiated teardown. It does not
// fire connection-lost alerts.
func (p *Poller) stopSession(reason string) {
	if p.link != nil {
		if err := p.link.Close(); err != nil {
			p.logger.Warn("closing link", utils.Error(err))
		}
		p.link = nil
	}
	p.state = StateIdle
	now := time.Now()

	hadActive := len(p.engine.ActiveEvents()) > 0
	p.engine.Reset()

	p.publishState(now)
	if hadActive {
		p.caster.Publish(Update{Type: UpdateAlertsChanged, ActiveAlerts: []Event{}})
	}
	p.caster.Publish(Update{Type: UpdateDisconnected, Message: reason})
	p.history.AppendLifecycle("disconnected", reason, now)
	p.logger.Info("session stopped", utils.String("reason", reason))
}

// tick performs one read cycle: read the configured range, update the
// signal set, evaluate alert rules, persist, publish.
func (p *Poller) tick(now time.Time) {
	words, err := p.link.ReadRange(p.cfg.RegisterKind, p.cfg.StartAddress, p.cfg.Count)

	failed := false
	failReason := ""

	switch {
	case err == nil:
		p.decodeInto(words, now)
		p.readCount++
		p.consecFailures = 0
		readsTotal.Inc()
		if p.state != StateConnected {
			p.state = StateConnected
			connectionStateGauge.Set(1)
			p.caster.Publish(Update{Type: UpdateConnected, Message: "device connected"})
			p.history.AppendLifecycle("connected", "first successful read", now)
			p.logger.Info("device connected")
		}

	case modbus.IsDeviceError(err):
		// The device answered with a Modbus exception: the link is
		// healthy, the request was wrong for this device. Counts as a
		// read error but never toward disconnection.
		p.markError()
		p.errorCount++
		readErrorsTotal.WithLabelValues("device_exception").Inc()
		p.logger.Warn("device exception", utils.Error(err))

	default:
		p.markError()
		p.errorCount++
		reason := "read_failed"
		hardDown := false
		if re, ok := modbus.AsReadError(err); ok {
			reason = string(re.Reason)
			hardDown = re.HardLink()
		}
		readErrorsTotal.WithLabelValues(reason).Inc()
		p.logger.Warn("read failed", utils.String("reason", reason), utils.Error(err))

		if hardDown {
			failed = true
			failReason = fmt.Sprintf("device link down: %v", err)
		} else {
			p.consecFailures++
			if p.consecFailures >= p.failureThreshold {
				failed = true
				failReason = fmt.Sprintf("%d consecutive read failures", p.consecFailures)
			}
		}
	}

	if failed {
		if p.link != nil {
			if cerr := p.link.Close(); cerr != nil {
				p.logger.Warn("closing failed link", utils.Error(cerr))
			}
			p.link = nil
		}
		p.state = StateDisconnected
		connectionStateGauge.Set(0)
		p.logger.Error("session lost", utils.String("reason", failReason))
	}

	snap := p.buildSnapshot(now)
	p.setLatest(snap)

	fired, changed := p.engine.Evaluate(&snap)
	for _, ev := range fired {
		p.history.AppendAlert(ev)
		alertsFiredTotal.WithLabelValues(string(ev.Kind)).Inc()
	}

	if failed {
		p.caster.Publish(Update{Type: UpdateError, Message: failReason})
	}
	p.caster.Publish(Update{Type: UpdateSnapshot, Snapshot: &snap, Events: fired})
	if changed {
		p.caster.Publish(Update{Type: UpdateAlertsChanged, ActiveAlerts: p.engine.ActiveEvents()})
	}

	p.history.AppendSamples(snap.Signals, now)

	if failed {
		p.caster.Publish(Update{Type: UpdateDisconnected, Message: failReason})
		p.history.AppendLifecycle("connection_lost", failReason, now)
	}
}

// decodeInto updates every signal from a freshly read word slice.
// Values that decode cleanly get status ok; a signal whose slice is
// somehow short keeps its last value with status error.
func (p *Poller) decodeInto(words []uint16, now time.Time) {
	for i := range p.signals {
		sig := &p.signals[i]
		off := int(sig.Address - p.cfg.StartAddress)
		n := sig.Value.Words()
		if off+n > len(words) {
			sig.Status = "error"
			continue
		}
		value, err := modbus.DecodeValue(sig.Value, words[off:off+n])
		if err != nil {
			sig.Status = "error"
			continue
		}
		sig.LastValue = value
		sig.Status = "ok"
		sig.LastUpdate = now
	}
}

// markError flags every signal as stale. Last values are retained so
// viewers keep seeing the most recent good reading alongside the
// error status.
func (p *Poller) markError() {
	for i := range p.signals {
		p.signals[i].Status = "error"
	}
}

// buildSnapshot copies the loop-owned state into an immutable snapshot
func (p *Poller) buildSnapshot(now time.Time) Snapshot {
	signals := make([]Signal, len(p.signals))
	copy(signals, p.signals)
	return Snapshot{
		Signals:    signals,
		State:      p.state,
		ReadCount:  p.readCount,
		ErrorCount: p.errorCount,
		Time:       now,
	}
}

// publishState refreshes the externally visible snapshot after a state
// change that happened outside a tick
func (p *Poller) publishState(now time.Time) {
	p.setLatest(p.buildSnapshot(now))
}

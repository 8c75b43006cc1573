package monitor

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/modbus-monitor/backend/internal/utils"
)

// Engine evaluates alert rules against snapshots. Alerts are
// edge-triggered: an event fires when a rule transitions from compliant
// to violating and the condition stays silent until the rule clears.
// The active event keeps the value that originally triggered it.
type Engine struct {
	mu        sync.Mutex
	rules     map[ruleKey]Rule
	active    map[ruleKey]Event
	windows   map[string]*anomalyWindow
	lastState State
	maxActive int
	windowLen int
	deviation float64
	logger    *utils.Logger
}

// EngineOptions tunes anomaly detection and the active event cap
type EngineOptions struct {
	AnomalyWindow    int
	AnomalyDeviation float64
	MaxActive        int
}

// NewEngine creates an alert engine with no rules
func NewEngine(opts EngineOptions, logger *utils.Logger) *Engine {
	if opts.AnomalyWindow < 2 {
		opts.AnomalyWindow = 8
	}
	if opts.AnomalyDeviation <= 0 {
		opts.AnomalyDeviation = 3.0
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = 256
	}
	return &Engine{
		rules:     make(map[ruleKey]Rule),
		active:    make(map[ruleKey]Event),
		windows:   make(map[string]*anomalyWindow),
		lastState: StateIdle,
		maxActive: opts.MaxActive,
		windowLen: opts.AnomalyWindow,
		deviation: opts.AnomalyDeviation,
		logger:    logger.Named("alerts"),
	}
}

// AddRule registers a rule, replacing any existing rule with the same
// (signal, kind) key. Replacing a rule clears its active event and
// resets its accumulated state, so the new definition starts fresh.
func (e *Engine) AddRule(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	key := ruleKey{signal: rule.SignalName, kind: rule.Kind}
	if _, replaced := e.rules[key]; replaced {
		delete(e.active, key)
		if rule.Kind == AlertAnomaly {
			delete(e.windows, rule.SignalName)
		}
	}
	e.rules[key] = rule
	e.logger.Info("alert rule registered",
		utils.String("signal", rule.SignalName),
		utils.String("kind", string(rule.Kind)))
	return nil
}

// RemoveRule deletes a rule and its active event, if any.
// Removing an unknown rule is a no-op.
func (e *Engine) RemoveRule(signalName string, kind AlertKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := ruleKey{signal: signalName, kind: kind}
	if _, ok := e.rules[key]; !ok {
		return false
	}
	delete(e.rules, key)
	delete(e.active, key)
	if kind == AlertAnomaly {
		delete(e.windows, signalName)
	}
	return true
}

// Rules returns a copy of all registered rules
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()

	rules := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].SignalName != rules[j].SignalName {
			return rules[i].SignalName < rules[j].SignalName
		}
		return rules[i].Kind < rules[j].Kind
	})
	return rules
}

// ActiveEvents returns a copy of all currently firing events
func (e *Engine) ActiveEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeEventsLocked()
}

func (e *Engine) activeEventsLocked() []Event {
	events := make([]Event, 0, len(e.active))
	for _, ev := range e.active {
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Time.Equal(events[j].Time) {
			return events[i].Time.Before(events[j].Time)
		}
		return events[i].SignalName < events[j].SignalName
	})
	return events
}

// Evaluate runs every enabled rule against the snapshot. It returns the
// events that fired on this evaluation and whether the active set
// changed at all (fires or clears). Disabled rules neither fire nor
// accumulate state. Rules naming a signal absent from the snapshot are
// skipped without error.
func (e *Engine) Evaluate(snap *Snapshot) (fired []Event, changed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lost := e.lastState == StateConnected && snap.State == StateDisconnected
	restored := snap.State == StateConnected && e.lastState != StateConnected
	e.lastState = snap.State

	for key, rule := range e.rules {
		if !rule.Enabled {
			continue
		}

		switch rule.Kind {
		case AlertConnectionLost:
			if lost {
				if _, open := e.active[key]; !open && len(e.active) < e.maxActive {
					ev := e.fireLocked(rule, 0, snap.Time,
						fmt.Sprintf("Connection lost (%s)", rule.SignalName))
					fired = append(fired, ev)
					changed = true
				}
			} else if restored {
				if _, open := e.active[key]; open {
					delete(e.active, key)
					changed = true
				}
			}

		case AlertThresholdHigh, AlertThresholdLow:
			sig := snap.Find(rule.SignalName)
			if sig == nil || sig.Status != "ok" {
				continue
			}
			violating := false
			if rule.Kind == AlertThresholdHigh {
				violating = sig.LastValue > *rule.Threshold
			} else {
				violating = sig.LastValue < *rule.Threshold
			}
			if e.edgeLocked(key, violating) {
				direction := "above"
				if rule.Kind == AlertThresholdLow {
					direction = "below"
				}
				ev := e.fireLocked(rule, sig.LastValue, snap.Time,
					fmt.Sprintf("%s = %g %s threshold %g", rule.SignalName, sig.LastValue, direction, *rule.Threshold))
				fired = append(fired, ev)
				changed = true
			} else if !violating {
				if _, open := e.active[key]; open {
					delete(e.active, key)
					changed = true
				}
			}

		case AlertAnomaly:
			sig := snap.Find(rule.SignalName)
			if sig == nil || sig.Status != "ok" {
				continue
			}
			win := e.windows[rule.SignalName]
			if win == nil {
				win = newAnomalyWindow(e.windowLen)
				e.windows[rule.SignalName] = win
			}
			anomalous, score := win.observe(sig.LastValue, e.deviation)
			if e.edgeLocked(key, anomalous) {
				ev := e.fireLocked(rule, sig.LastValue, snap.Time,
					fmt.Sprintf("%s = %g deviates %.1f sigma from recent history", rule.SignalName, sig.LastValue, score))
				fired = append(fired, ev)
				changed = true
			} else if !anomalous {
				if _, open := e.active[key]; open {
					delete(e.active, key)
					changed = true
				}
			}
		}
	}
	return fired, changed
}

// edgeLocked reports whether the rule just transitioned into violation
func (e *Engine) edgeLocked(key ruleKey, violating bool) bool {
	_, open := e.active[key]
	return violating && !open && len(e.active) < e.maxActive
}

func (e *Engine) fireLocked(rule Rule, value float64, at time.Time, message string) Event {
	ev := Event{
		SignalName: rule.SignalName,
		Kind:       rule.Kind,
		Message:    message,
		Severity:   rule.Severity,
		Value:      value,
		Time:       at,
	}
	e.active[ruleKey{signal: rule.SignalName, kind: rule.Kind}] = ev
	e.logger.Warn("alert fired",
		utils.String("signal", ev.SignalName),
		utils.String("kind", string(ev.Kind)),
		utils.Float64("value", ev.Value))
	return ev
}

// Reset clears active events and statistical windows but keeps the
// rule definitions. Used when a new session configuration is applied.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = make(map[ruleKey]Event)
	e.windows = make(map[string]*anomalyWindow)
	e.lastState = StateIdle
}

// anomalyWindow keeps the most recent K good values of one signal and
// scores each new value against the mean and standard deviation of the
// window before it.
type anomalyWindow struct {
	values []float64
	size   int
}

func newAnomalyWindow(size int) *anomalyWindow {
	return &anomalyWindow{size: size}
}

// observe scores value against the current window, then appends it.
// It returns false until the window is full; a constant window never
// flags (zero deviation means any repeat of the constant is normal,
// and any change from it is anomalous).
func (w *anomalyWindow) observe(value float64, threshold float64) (anomalous bool, score float64) {
	defer func() {
		w.values = append(w.values, value)
		if len(w.values) > w.size {
			w.values = w.values[1:]
		}
	}()

	if len(w.values) < w.size {
		return false, 0
	}

	var sum float64
	for _, v := range w.values {
		sum += v
	}
	mean := sum / float64(len(w.values))

	var variance float64
	for _, v := range w.values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(w.values))
	stddev := math.Sqrt(variance)

	if stddev == 0 {
		return value != mean, math.Inf(1)
	}
	score = math.Abs(value-mean) / stddev
	return score > threshold, score
}

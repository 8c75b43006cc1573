package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/modbus-monitor/backend/internal/modbus"
	"github.com/modbus-monitor/backend/internal/utils"
)

// State is the connection state machine of a monitoring session
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Signal is one monitored register/coil value
type Signal struct {
	Name       string              `json:"name"`
	Address    uint16              `json:"address"`
	Register   modbus.RegisterKind `json:"register_kind"`
	Value      modbus.ValueKind    `json:"value_kind"`
	Unit       string              `json:"unit,omitempty"`
	LastValue  float64             `json:"value"`
	Status     string              `json:"status"` // "ok" | "error"
	LastUpdate time.Time           `json:"last_update"`
}

// Snapshot is an immutable copy of all signal values/status at one tick.
// It is the only form in which live state leaves the poll loop.
type Snapshot struct {
	Signals    []Signal  `json:"signals"`
	State      State     `json:"state"`
	ReadCount  uint64    `json:"read_count"`
	ErrorCount uint64    `json:"error_count"`
	Time       time.Time `json:"time"`
}

// Find returns the signal with the given name, or nil
func (s *Snapshot) Find(name string) *Signal {
	for i := range s.Signals {
		if s.Signals[i].Name == name {
			return &s.Signals[i]
		}
	}
	return nil
}

// AlertKind is the closed set of rule kinds
type AlertKind string

const (
	AlertThresholdHigh  AlertKind = "threshold_high"
	AlertThresholdLow   AlertKind = "threshold_low"
	AlertConnectionLost AlertKind = "connection_lost"
	AlertAnomaly        AlertKind = "anomaly"
)

// Valid reports whether the kind is one of the supported alert kinds
func (k AlertKind) Valid() bool {
	switch k {
	case AlertThresholdHigh, AlertThresholdLow, AlertConnectionLost, AlertAnomaly:
		return true
	}
	return false
}

// Severity levels for alert rules and events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is one of the supported levels
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Rule is a user-declared alert condition, keyed by (signal name, kind).
// Adding a rule with a colliding key replaces the existing one.
type Rule struct {
	SignalName string    `json:"signal_name"`
	Kind       AlertKind `json:"kind"`
	Threshold  *float64  `json:"threshold,omitempty"`
	Severity   Severity  `json:"severity"`
	Enabled    bool      `json:"enabled"`
}

// Validate rejects malformed rules synchronously. Threshold kinds always
// carry a numeric threshold; the other kinds carry none.
func (r *Rule) Validate() error {
	if r.SignalName == "" {
		return fmt.Errorf("%w: signal name is required", utils.ErrInvalidConfig)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown alert kind %q", utils.ErrInvalidConfig, r.Kind)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", utils.ErrInvalidConfig, r.Severity)
	}
	switch r.Kind {
	case AlertThresholdHigh, AlertThresholdLow:
		if r.Threshold == nil {
			return fmt.Errorf("%w: %s rule requires a threshold", utils.ErrInvalidConfig, r.Kind)
		}
	default:
		r.Threshold = nil
	}
	return nil
}

// ruleKey identifies a rule and its active event
type ruleKey struct {
	signal string
	kind   AlertKind
}

// Event is one firing instance of a rule
type Event struct {
	SignalName string    `json:"signal_name"`
	Kind       AlertKind `json:"kind"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	Value      float64   `json:"value"`
	Time       time.Time `json:"time"`
}

// SignalDef declares one named signal inside the polled register range
type SignalDef struct {
	Name   string           `json:"name"`
	Offset uint16           `json:"offset"` // words from the range start
	Value  modbus.ValueKind `json:"value_kind"`
	Unit   string           `json:"unit,omitempty"`
}

// SessionConfig is the active connection and scan parameters. It is owned
// exclusively by the poll loop; replacing it takes effect at the next
// tick boundary, never mid-read.
type SessionConfig struct {
	Link         modbus.LinkConfig
	RegisterKind modbus.RegisterKind
	StartAddress uint16
	Count        uint16
	Signals      []SignalDef // optional; derived from the range when empty
	Interval     time.Duration
	ReadTimeout  time.Duration
}

// Validate rejects malformed configurations synchronously
func (c *SessionConfig) Validate() error {
	if err := c.Link.Validate(); err != nil {
		return fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	if !c.RegisterKind.Valid() {
		return fmt.Errorf("%w: unknown register kind %q", utils.ErrInvalidConfig, c.RegisterKind)
	}
	if c.Count == 0 {
		return fmt.Errorf("%w: register count must be positive", utils.ErrInvalidConfig)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", utils.ErrInvalidConfig)
	}
	if c.ReadTimeout <= 0 || c.ReadTimeout >= c.Interval {
		return fmt.Errorf("%w: read timeout must be positive and less than the interval", utils.ErrInvalidConfig)
	}
	for _, def := range c.Signals {
		if def.Name == "" {
			return fmt.Errorf("%w: signal name is required", utils.ErrInvalidConfig)
		}
		if !def.Value.Valid() {
			return fmt.Errorf("%w: unknown value kind %q for signal %s", utils.ErrInvalidConfig, def.Value, def.Name)
		}
		if int(def.Offset)+def.Value.Words() > int(c.Count) {
			return fmt.Errorf("%w: signal %s exceeds the polled range", utils.ErrInvalidConfig, def.Name)
		}
	}
	return nil
}

// buildSignals materializes the live signal set for a configuration.
// When no explicit signal definitions are given, one unsigned 16-bit
// signal per polled register is derived, named "Signal N".
func (c *SessionConfig) buildSignals() []Signal {
	valueKind := modbus.ValueU16
	if c.RegisterKind == modbus.RegisterCoil || c.RegisterKind == modbus.RegisterDiscrete {
		valueKind = modbus.ValueBool
	}

	if len(c.Signals) == 0 {
		signals := make([]Signal, c.Count)
		for i := uint16(0); i < c.Count; i++ {
			signals[i] = Signal{
				Name:     fmt.Sprintf("Signal %d", i+1),
				Address:  c.StartAddress + i,
				Register: c.RegisterKind,
				Value:    valueKind,
				Status:   "ok",
			}
		}
		return signals
	}

	signals := make([]Signal, len(c.Signals))
	for i, def := range c.Signals {
		signals[i] = Signal{
			Name:     def.Name,
			Address:  c.StartAddress + def.Offset,
			Register: c.RegisterKind,
			Value:    def.Value,
			Unit:     def.Unit,
			Status:   "ok",
		}
	}
	return signals
}

// ErrSessionClosed is returned by commands issued after shutdown
var ErrSessionClosed = errors.New("monitoring session is closed")

package models

import (
	"time"
)

// SignalSample is one persisted measurement of a monitored signal.
type SignalSample struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SignalName string    `gorm:"type:varchar(255);not null;index:idx_sample_name_time,priority:1" json:"signal_name"`
	Address    uint16    `json:"address"`
	Value      float64   `json:"value"`
	Unit       string    `gorm:"type:varchar(50)" json:"unit,omitempty"`
	Status     string    `gorm:"type:varchar(20);not null" json:"status"` // "ok" | "error"
	Time       time.Time `gorm:"type:timestamp;not null;index:idx_sample_name_time,priority:2" json:"time"`
}

// TableName overrides the table name for SignalSample
func (SignalSample) TableName() string {
	return "signals"
}

// AlertRecord is a persisted alert event.
type AlertRecord struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	SignalName   string     `gorm:"type:varchar(255);not null" json:"signal_name"`
	AlertKind    string     `gorm:"type:varchar(50);not null" json:"alert_kind"` // threshold_high, threshold_low, connection_lost, anomaly
	Message      string     `json:"message"`
	Severity     string     `gorm:"type:varchar(20);not null" json:"severity"` // "info", "warning", "critical"
	Value        float64    `json:"value"`
	Time         time.Time  `gorm:"type:timestamp;not null;index" json:"time"`
	Acknowledged bool       `gorm:"default:false" json:"acknowledged"`
	AckBy        string     `json:"ack_by,omitempty"`
	AckTime      *time.Time `gorm:"type:timestamp" json:"ack_time,omitempty"`
}

// TableName overrides the table name for AlertRecord
func (AlertRecord) TableName() string {
	return "alerts"
}

// LifecycleEvent records connection and session state changes.
type LifecycleEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"type:varchar(50);not null" json:"event_type"` // connected, disconnected, error, config_applied
	Message   string    `json:"message"`
	Time      time.Time `gorm:"type:timestamp;not null;index" json:"time"`
}

// TableName overrides the table name for LifecycleEvent
func (LifecycleEvent) TableName() string {
	return "events"
}

package repository

import (
	"time"

	"github.com/modbus-monitor/backend/internal/db/models"
	"gorm.io/gorm"
)

// HistoryRepository defines operations for the durable signal/alert/event history
type HistoryRepository interface {
	Repository

	// Sample operations
	InsertSample(sample *models.SignalSample) error
	InsertSampleBatch(samples []models.SignalSample) error
	SamplesSince(signalName string, since time.Time, limit int) ([]models.SignalSample, error)
	AllSamplesSince(since time.Time, limit int) ([]models.SignalSample, error)
	LatestSample(signalName string) (*models.SignalSample, error)

	// Alert operations
	InsertAlert(alert *models.AlertRecord) error
	AlertsSince(since time.Time, severity string, limit int) ([]models.AlertRecord, error)
	AcknowledgeAlert(id uint, ackBy string) error

	// Lifecycle event operations
	InsertEvent(event *models.LifecycleEvent) error
	EventsSince(since time.Time, limit int) ([]models.LifecycleEvent, error)

	// Prune removes samples, alerts and events strictly older than the cutoff.
	// It is idempotent and safe to call concurrently with inserts.
	Prune(olderThan time.Time) error
}

// historyRepository implements HistoryRepository
type historyRepository struct {
	BaseRepository
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *gorm.DB) HistoryRepository {
	return &historyRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// InsertSample inserts a single signal sample
func (r *historyRepository) InsertSample(sample *models.SignalSample) error {
	err := r.GetDB().Create(sample).Error
	return r.handleError(err)
}

// InsertSampleBatch inserts multiple samples in a batch
func (r *historyRepository) InsertSampleBatch(samples []models.SignalSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx := r.GetDB().Begin()
	if tx.Error != nil {
		return r.handleError(tx.Error)
	}

	if err := tx.CreateInBatches(samples, 100).Error; err != nil {
		tx.Rollback()
		return r.handleError(err)
	}

	return r.handleError(tx.Commit().Error)
}

// SamplesSince retrieves samples for a signal recorded at or after the given time,
// oldest first so charts read left to right.
func (r *historyRepository) SamplesSince(signalName string, since time.Time, limit int) ([]models.SignalSample, error) {
	var samples []models.SignalSample

	query := r.GetDB().Where("signal_name = ? AND time >= ?", signalName, since)
	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time asc").Find(&samples).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return samples, nil
}

// AllSamplesSince retrieves samples of every signal recorded at or after the
// given time, oldest first. Used by exports.
func (r *historyRepository) AllSamplesSince(since time.Time, limit int) ([]models.SignalSample, error) {
	var samples []models.SignalSample

	query := r.GetDB().Where("time >= ?", since)
	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time asc, signal_name asc").Find(&samples).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return samples, nil
}

// LatestSample retrieves the most recent sample for a signal
func (r *historyRepository) LatestSample(signalName string) (*models.SignalSample, error) {
	var sample models.SignalSample
	err := r.GetDB().Where("signal_name = ?", signalName).
		Order("time desc").
		Limit(1).
		First(&sample).Error

	if err != nil {
		return nil, r.handleError(err)
	}

	return &sample, nil
}

// InsertAlert inserts an alert record
func (r *historyRepository) InsertAlert(alert *models.AlertRecord) error {
	err := r.GetDB().Create(alert).Error
	return r.handleError(err)
}

// AlertsSince retrieves alerts recorded at or after the given time, newest first
func (r *historyRepository) AlertsSince(since time.Time, severity string, limit int) ([]models.AlertRecord, error) {
	var alerts []models.AlertRecord

	query := r.GetDB().Where("time >= ?", since)
	if severity != "" {
		query = query.Where("severity = ?", severity)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time desc").Find(&alerts).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return alerts, nil
}

// AcknowledgeAlert marks an alert as acknowledged
func (r *historyRepository) AcknowledgeAlert(id uint, ackBy string) error {
	now := time.Now()
	result := r.GetDB().Model(&models.AlertRecord{}).
		Where("id = ? AND acknowledged = ?", id, false).
		Updates(map[string]interface{}{
			"acknowledged": true,
			"ack_by":       ackBy,
			"ack_time":     &now,
		})

	if result.Error != nil {
		return r.handleError(result.Error)
	}

	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// InsertEvent inserts a lifecycle event
func (r *historyRepository) InsertEvent(event *models.LifecycleEvent) error {
	err := r.GetDB().Create(event).Error
	return r.handleError(err)
}

// EventsSince retrieves lifecycle events recorded at or after the given time, newest first
func (r *historyRepository) EventsSince(since time.Time, limit int) ([]models.LifecycleEvent, error) {
	var events []models.LifecycleEvent

	query := r.GetDB().Where("time >= ?", since)
	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Order("time desc").Find(&events).Error
	if err != nil {
		return nil, r.handleError(err)
	}

	return events, nil
}

// Prune deletes samples, alerts and events strictly older than the cutoff
func (r *historyRepository) Prune(olderThan time.Time) error {
	if err := r.GetDB().Where("time < ?", olderThan).Delete(&models.SignalSample{}).Error; err != nil {
		return r.handleError(err)
	}
	if err := r.GetDB().Where("time < ?", olderThan).Delete(&models.AlertRecord{}).Error; err != nil {
		return r.handleError(err)
	}
	if err := r.GetDB().Where("time < ?", olderThan).Delete(&models.LifecycleEvent{}).Error; err != nil {
		return r.handleError(err)
	}
	return nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modbus-monitor/backend/internal/db/models"
	"github.com/modbus-monitor/backend/internal/db/repository"
	"github.com/modbus-monitor/backend/internal/monitor"
	"github.com/modbus-monitor/backend/internal/utils"
)

// HistoryService persists monitoring output and serves historical
// queries. Writes arrive on a bounded queue drained by a single
// background goroutine, so the poll loop is never slowed by the
// database; a full queue sheds the write and counts it.
type HistoryService struct {
	repo      repository.HistoryRepository
	logger    *utils.Logger
	queue     chan writeOp
	retention time.Duration
	done      chan struct{}
}

type writeOp struct {
	samples []models.SignalSample
	alert   *models.AlertRecord
	event   *models.LifecycleEvent

	// flushed, when set, marks a barrier: the writer closes it once
	// every op queued before this one has been written
	flushed chan struct{}
}

// HistoryOptions tunes the write queue and retention horizon
type HistoryOptions struct {
	QueueSize     int
	RetentionDays int
}

// NewHistoryService creates the service. Run must be started for
// queued writes to reach the database.
func NewHistoryService(repo repository.HistoryRepository, logger *utils.Logger, opts HistoryOptions) *HistoryService {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	return &HistoryService{
		repo:      repo,
		logger:    logger.Named("history"),
		queue:     make(chan writeOp, opts.QueueSize),
		retention: time.Duration(opts.RetentionDays) * 24 * time.Hour,
		done:      make(chan struct{}),
	}
}

// Run drains the write queue until the context is cancelled, then
// flushes whatever is still queued. Retention pruning runs once at
// startup and then daily.
func (s *HistoryService) Run(ctx context.Context) {
	defer close(s.done)

	s.pruneOnce()
	pruneTicker := time.NewTicker(24 * time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush()
			s.logger.Info("history writer stopped")
			return
		case op := <-s.queue:
			s.write(op)
		case <-pruneTicker.C:
			s.pruneOnce()
		}
	}
}

// flush writes everything still queued at shutdown
func (s *HistoryService) flush() {
	for {
		select {
		case op := <-s.queue:
			s.write(op)
		default:
			return
		}
	}
}

func (s *HistoryService) write(op writeOp) {
	if op.flushed != nil {
		close(op.flushed)
		return
	}
	var err error
	switch {
	case op.samples != nil:
		err = s.repo.InsertSampleBatch(op.samples)
	case op.alert != nil:
		err = s.repo.InsertAlert(op.alert)
	case op.event != nil:
		err = s.repo.InsertEvent(op.event)
	}
	if err != nil {
		monitor.StorageErrorsInc()
		s.logger.Error("history write failed", utils.Error(err))
	}
}

func (s *HistoryService) enqueue(op writeOp) {
	select {
	case s.queue <- op:
	default:
		monitor.StorageErrorsInc()
		s.logger.Warn("history queue full, write dropped")
	}
}

// Flush blocks until every write queued before the call has reached
// the database. Unlike the Append methods it does not shed on a full
// queue; it waits, bounded by the context.
func (s *HistoryService) Flush(ctx context.Context) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: history writer stopped", utils.ErrServiceUnavailable)
	default:
	}
	op := writeOp{flushed: make(chan struct{})}
	select {
	case s.queue <- op:
	case <-s.done:
		return fmt.Errorf("%w: history writer stopped", utils.ErrServiceUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.flushed:
		return nil
	case <-s.done:
		// The shutdown drain already wrote everything queued ahead of
		// the barrier.
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendSamples queues one tick's signal values for persistence
func (s *HistoryService) AppendSamples(signals []monitor.Signal, at time.Time) {
	samples := make([]models.SignalSample, len(signals))
	for i, sig := range signals {
		samples[i] = models.SignalSample{
			SignalName: sig.Name,
			Address:    sig.Address,
			Value:      sig.LastValue,
			Unit:       sig.Unit,
			Status:     sig.Status,
			Time:       at,
		}
	}
	s.enqueue(writeOp{samples: samples})
}

// AppendAlert queues a fired alert event for persistence
func (s *HistoryService) AppendAlert(ev monitor.Event) {
	s.enqueue(writeOp{alert: &models.AlertRecord{
		SignalName: ev.SignalName,
		AlertKind:  string(ev.Kind),
		Message:    ev.Message,
		Severity:   string(ev.Severity),
		Value:      ev.Value,
		Time:       ev.Time,
	}})
}

// AppendLifecycle queues a connection lifecycle event for persistence
func (s *HistoryService) AppendLifecycle(eventType, message string, at time.Time) {
	s.enqueue(writeOp{event: &models.LifecycleEvent{
		EventType: eventType,
		Message:   message,
		Time:      at,
	}})
}

func (s *HistoryService) pruneOnce() {
	cutoff := time.Now().Add(-s.retention)
	if err := s.repo.Prune(cutoff); err != nil {
		s.logger.Error("retention prune failed", utils.Error(err))
		return
	}
	s.logger.Info("retention prune complete", utils.String("cutoff", cutoff.Format(time.RFC3339)))
}

// SamplesSince returns samples of one signal recorded at or after the
// given time, oldest first
func (s *HistoryService) SamplesSince(ctx context.Context, signalName string, since time.Time, limit int) ([]models.SignalSample, error) {
	samples, err := s.repo.SamplesSince(signalName, since, limit)
	return samples, translateError(err)
}

// LatestSample returns the most recent sample of one signal
func (s *HistoryService) LatestSample(ctx context.Context, signalName string) (*models.SignalSample, error) {
	sample, err := s.repo.LatestSample(signalName)
	return sample, translateError(err)
}

// AlertsSince returns alert records at or after the given time, newest
// first, optionally filtered by severity
func (s *HistoryService) AlertsSince(ctx context.Context, since time.Time, severity string, limit int) ([]models.AlertRecord, error) {
	alerts, err := s.repo.AlertsSince(since, severity, limit)
	return alerts, translateError(err)
}

// AcknowledgeAlert marks a stored alert as acknowledged
func (s *HistoryService) AcknowledgeAlert(ctx context.Context, id uint, ackBy string) error {
	return translateError(s.repo.AcknowledgeAlert(id, ackBy))
}

// EventsSince returns lifecycle events at or after the given time,
// newest first
func (s *HistoryService) EventsSince(ctx context.Context, since time.Time, limit int) ([]models.LifecycleEvent, error) {
	events, err := s.repo.EventsSince(since, limit)
	return events, translateError(err)
}

// translateError maps repository sentinels onto the API error set
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", utils.ErrNotFound, err)
	case errors.Is(err, repository.ErrInvalidInput):
		return fmt.Errorf("%w: %v", utils.ErrBadRequest, err)
	default:
		return fmt.Errorf("%w: %v", utils.ErrInternalServer, err)
	}
}

package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/modbus-monitor/backend/internal/config"
	"github.com/modbus-monitor/backend/internal/db"
	"github.com/modbus-monitor/backend/internal/db/repository"
	"github.com/modbus-monitor/backend/internal/monitor"
	"github.com/modbus-monitor/backend/internal/utils"
)

// ServiceProvider wires and owns all background components: the alert
// engine, broadcaster, poll loop, history writer and websocket hub.
type ServiceProvider struct {
	logger   *utils.Logger
	config   *config.Config
	database *db.Database

	historyRepo repository.HistoryRepository

	engine  *monitor.Engine
	caster  *monitor.Broadcaster
	poller  *monitor.Poller
	history *HistoryService
	export  *ExportService
	notify  *NotificationService

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServiceProvider creates an uninitialized provider
func NewServiceProvider(logger *utils.Logger, cfg *config.Config, database *db.Database) *ServiceProvider {
	return &ServiceProvider{
		logger:   logger.Named("services"),
		config:   cfg,
		database: database,
	}
}

// Initialize builds every service and starts the background loops
func (sp *ServiceProvider) Initialize(ctx context.Context) error {
	sp.historyRepo = repository.NewHistoryRepository(sp.database.DB)

	sp.engine = monitor.NewEngine(monitor.EngineOptions{
		AnomalyWindow:    sp.config.Alerts.AnomalyWindow,
		AnomalyDeviation: sp.config.Alerts.AnomalyDeviation,
		MaxActive:        sp.config.Alerts.MaxActive,
	}, sp.logger)

	sp.caster = monitor.NewBroadcaster(64, sp.logger)

	sp.history = NewHistoryService(sp.historyRepo, sp.logger, HistoryOptions{
		QueueSize:     sp.config.History.QueueSize,
		RetentionDays: sp.config.History.RetentionDays,
	})

	var err error
	sp.export, err = NewExportService(sp.historyRepo, sp.logger, sp.config.Export.Directory)
	if err != nil {
		return fmt.Errorf("failed to initialize export service: %w", err)
	}

	sp.poller = monitor.NewPoller(sp.engine, sp.caster, sp.history, sp.logger, monitor.PollerOptions{
		FailureThreshold: sp.config.Poll.FailureThreshold,
	})

	sp.notify = NewNotificationService(sp.poller, sp.caster, sp.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	sp.cancel = cancel

	sp.wg.Add(3)
	go func() {
		defer sp.wg.Done()
		sp.history.Run(runCtx)
	}()
	go func() {
		defer sp.wg.Done()
		sp.poller.Run(runCtx)
	}()
	go func() {
		defer sp.wg.Done()
		sp.notify.Run(runCtx)
	}()

	sp.logger.Info("all services initialized")
	return nil
}

// Shutdown stops the background loops in dependency order and waits
// for them to drain
func (sp *ServiceProvider) Shutdown() error {
	sp.logger.Info("shutting down services")

	if sp.cancel != nil {
		sp.cancel()
	}
	sp.wg.Wait()

	sp.logger.Info("services shut down")
	return nil
}

// GetPoller returns the poll loop
func (sp *ServiceProvider) GetPoller() *monitor.Poller {
	return sp.poller
}

// GetEngine returns the alert engine
func (sp *ServiceProvider) GetEngine() *monitor.Engine {
	return sp.engine
}

// GetHistoryService returns the history service
func (sp *ServiceProvider) GetHistoryService() *HistoryService {
	return sp.history
}

// GetExportService returns the export service
func (sp *ServiceProvider) GetExportService() *ExportService {
	return sp.export
}

// GetNotificationService returns the websocket hub
func (sp *ServiceProvider) GetNotificationService() *NotificationService {
	return sp.notify
}

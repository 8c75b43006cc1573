package db

import (
	"fmt"
	"time"

	"github.com/modbus-monitor/backend/internal/config"
	"github.com/modbus-monitor/backend/internal/db/models"
	"github.com/modbus-monitor/backend/internal/utils"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps a GORM DB connection with additional functionality
type Database struct {
	*gorm.DB
	logger *utils.Logger
	config *config.DatabaseConfig
}

// NewDatabase creates a new database connection using the configured driver
func NewDatabase(cfg *config.DatabaseConfig, log *utils.Logger) (*Database, error) {
	dbLogger := log.Named("database")

	gormLogger := logger.New(
		&logAdapter{logger: dbLogger},
		logger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gormConfig := &gorm.Config{
		Logger:                 gormLogger,
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		dbLogger.Info("Connecting to postgres database",
			zap.String("host", cfg.Host),
			zap.Int("port", cfg.Port),
			zap.String("dbname", cfg.DBName),
		)
		db, err = gorm.Open(postgres.Open(cfg.GetDSN()), gormConfig)
	default:
		dbLogger.Info("Opening sqlite database", zap.String("path", cfg.Path))
		db, err = gorm.Open(sqlite.Open(cfg.Path), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	database := &Database{
		DB:     db,
		logger: dbLogger,
		config: cfg,
	}

	if err := database.VerifyConnection(); err != nil {
		return nil, err
	}

	return database, nil
}

// VerifyConnection checks if the database connection is working
func (db *Database) VerifyConnection() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	db.logger.Info("Successfully connected to database")
	return nil
}

// AutoMigrate runs auto migration for the history models
func (db *Database) AutoMigrate() error {
	db.logger.Info("Running auto migrations")

	if err := db.DB.AutoMigrate(
		&models.SignalSample{},
		&models.AlertRecord{},
		&models.LifecycleEvent{},
	); err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *Database) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	db.logger.Info("Database connection closed")
	return nil
}

// logAdapter adapts our logger to GORM's logger interface
type logAdapter struct {
	logger *utils.Logger
}

// Printf implements GORM's logger interface
func (l *logAdapter) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

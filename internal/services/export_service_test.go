package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/modbus-monitor/backend/internal/db/models"
	"github.com/modbus-monitor/backend/internal/db/repository"
	"github.com/modbus-monitor/backend/internal/utils"
)

func testLogger() *utils.Logger {
	return &utils.Logger{Logger: zap.NewNop()}
}

func setupExportService(t *testing.T) (*ExportService, repository.HistoryRepository) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.SignalSample{},
		&models.AlertRecord{},
		&models.LifecycleEvent{},
	))

	repo := repository.NewHistoryRepository(db)
	svc, err := NewExportService(repo, testLogger(), t.TempDir())
	require.NoError(t, err)
	return svc, repo
}

func seedSamples(t *testing.T, repo repository.HistoryRepository, now time.Time) {
	t.Helper()
	require.NoError(t, repo.InsertSampleBatch([]models.SignalSample{
		{SignalName: "Temperature", Address: 100, Value: 21.5, Unit: "C", Status: "ok", Time: now.Add(-2 * time.Minute)},
		{SignalName: "Temperature", Address: 100, Value: 22.0, Unit: "C", Status: "ok", Time: now.Add(-time.Minute)},
		{SignalName: "Pressure", Address: 101, Value: 3.2, Unit: "bar", Status: "ok", Time: now.Add(-time.Minute)},
	}))
}

func TestExportSamplesCSV(t *testing.T) {
	svc, repo := setupExportService(t)
	now := time.Now().Truncate(time.Second)
	seedSamples(t, repo, now)

	path, err := svc.ExportSamples(context.Background(), FormatCSV, now.Add(-time.Hour))
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4, "header plus three samples")
	assert.Equal(t, sampleHeader, rows[0])
	assert.Equal(t, "Temperature", rows[1][1])
	assert.Equal(t, "21.5", rows[1][3])
}

func TestExportSamplesJSON(t *testing.T) {
	svc, repo := setupExportService(t)
	now := time.Now().Truncate(time.Second)
	seedSamples(t, repo, now)

	path, err := svc.ExportSamples(context.Background(), FormatJSON, now.Add(-time.Hour))
	require.NoError(t, err)

	payload, err := os.ReadFile(path)
	require.NoError(t, err)

	var samples []models.SignalSample
	require.NoError(t, json.Unmarshal(payload, &samples))
	require.Len(t, samples, 3)
	assert.Equal(t, "Temperature", samples[0].SignalName)
}

func TestExportSamplesXLSX(t *testing.T) {
	svc, repo := setupExportService(t)
	now := time.Now().Truncate(time.Second)
	seedSamples(t, repo, now)

	path, err := svc.ExportSamples(context.Background(), FormatXLSX, now.Add(-time.Hour))
	require.NoError(t, err)

	wb, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer wb.Close()

	name, err := wb.GetCellValue("Data", "B2")
	require.NoError(t, err)
	assert.Equal(t, "Temperature", name)

	rows, err := wb.GetRows("Data")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestExportAlertsCSV(t *testing.T) {
	svc, repo := setupExportService(t)
	now := time.Now().Truncate(time.Second)

	require.NoError(t, repo.InsertAlert(&models.AlertRecord{
		SignalName: "Temperature", AlertKind: "threshold_high",
		Message: "too hot", Severity: "warning", Value: 60, Time: now,
	}))

	path, err := svc.ExportAlerts(context.Background(), FormatCSV, now.Add(-time.Hour))
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, alertHeader, rows[0])
	assert.Equal(t, "threshold_high", rows[1][2])
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	svc, _ := setupExportService(t)

	_, err := svc.ExportSamples(context.Background(), "pdf", time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, utils.ErrBadRequest)
}

func TestExportWithNoDataReportsNotFound(t *testing.T) {
	svc, _ := setupExportService(t)

	_, err := svc.ExportSamples(context.Background(), FormatCSV, time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, utils.ErrNotFound)

	_, err = svc.ExportAlerts(context.Background(), FormatJSON, time.Now().Add(-time.Hour))
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

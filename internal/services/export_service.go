package services

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/modbus-monitor/backend/internal/db/models"
	"github.com/modbus-monitor/backend/internal/db/repository"
	"github.com/modbus-monitor/backend/internal/utils"
)

// ExportFormat names a supported export file format
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatXLSX ExportFormat = "xlsx"
	FormatJSON ExportFormat = "json"
)

// Valid reports whether the format is supported
func (f ExportFormat) Valid() bool {
	switch f {
	case FormatCSV, FormatXLSX, FormatJSON:
		return true
	}
	return false
}

// ExportService renders stored samples and alerts to downloadable
// files. Files are written to a configured directory with timestamped
// names so repeated exports never collide.
type ExportService struct {
	repo      repository.HistoryRepository
	logger    *utils.Logger
	directory string
}

// NewExportService creates the service and ensures the export
// directory exists
func NewExportService(repo repository.HistoryRepository, logger *utils.Logger, directory string) (*ExportService, error) {
	if directory == "" {
		directory = "exports"
	}
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory: %w", err)
	}
	return &ExportService{
		repo:      repo,
		logger:    logger.Named("export"),
		directory: directory,
	}, nil
}

// ExportSamples writes every sample recorded at or after since to a
// file in the requested format and returns its path
func (s *ExportService) ExportSamples(ctx context.Context, format ExportFormat, since time.Time) (string, error) {
	if !format.Valid() {
		return "", fmt.Errorf("%w: unsupported export format %q", utils.ErrBadRequest, format)
	}

	samples, err := s.repo.AllSamplesSince(since, 0)
	if err != nil {
		return "", err
	}
	if len(samples) == 0 {
		return "", fmt.Errorf("%w: no samples to export", utils.ErrNotFound)
	}

	path := s.filePath("modbus_data", format)
	switch format {
	case FormatCSV:
		err = s.writeSamplesCSV(path, samples)
	case FormatXLSX:
		err = s.writeSamplesXLSX(path, samples)
	case FormatJSON:
		err = writeJSON(path, samples)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("samples exported",
		utils.String("path", path),
		utils.Int("rows", len(samples)))
	return path, nil
}

// ExportAlerts writes every alert recorded at or after since to a file
// in the requested format and returns its path
func (s *ExportService) ExportAlerts(ctx context.Context, format ExportFormat, since time.Time) (string, error) {
	if !format.Valid() {
		return "", fmt.Errorf("%w: unsupported export format %q", utils.ErrBadRequest, format)
	}

	alerts, err := s.repo.AlertsSince(since, "", 0)
	if err != nil {
		return "", err
	}
	if len(alerts) == 0 {
		return "", fmt.Errorf("%w: no alerts to export", utils.ErrNotFound)
	}

	path := s.filePath("modbus_alerts", format)
	switch format {
	case FormatCSV:
		err = s.writeAlertsCSV(path, alerts)
	case FormatXLSX:
		err = s.writeAlertsXLSX(path, alerts)
	case FormatJSON:
		err = writeJSON(path, alerts)
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("alerts exported",
		utils.String("path", path),
		utils.Int("rows", len(alerts)))
	return path, nil
}

func (s *ExportService) filePath(prefix string, format ExportFormat) string {
	name := fmt.Sprintf("%s_%s.%s", prefix, time.Now().Format("20060102_150405"), format)
	return filepath.Join(s.directory, name)
}

var sampleHeader = []string{"id", "signal_name", "address", "value", "unit", "status", "time"}

func sampleRow(sm *models.SignalSample) []string {
	return []string{
		strconv.FormatUint(uint64(sm.ID), 10),
		sm.SignalName,
		strconv.FormatUint(uint64(sm.Address), 10),
		strconv.FormatFloat(sm.Value, 'g', -1, 64),
		sm.Unit,
		sm.Status,
		sm.Time.Format(time.RFC3339),
	}
}

var alertHeader = []string{"id", "signal_name", "alert_kind", "message", "severity", "value", "time", "acknowledged"}

func alertRow(a *models.AlertRecord) []string {
	return []string{
		strconv.FormatUint(uint64(a.ID), 10),
		a.SignalName,
		a.AlertKind,
		a.Message,
		a.Severity,
		strconv.FormatFloat(a.Value, 'g', -1, 64),
		a.Time.Format(time.RFC3339),
		strconv.FormatBool(a.Acknowledged),
	}
}

func (s *ExportService) writeSamplesCSV(path string, samples []models.SignalSample) error {
	return writeCSV(path, sampleHeader, len(samples), func(i int) []string {
		return sampleRow(&samples[i])
	})
}

func (s *ExportService) writeAlertsCSV(path string, alerts []models.AlertRecord) error {
	return writeCSV(path, alertHeader, len(alerts), func(i int) []string {
		return alertRow(&alerts[i])
	})
}

func writeCSV(path string, header []string, rows int, row func(int) []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for i := 0; i < rows; i++ {
		if err := w.Write(row(i)); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return f.Close()
}

func (s *ExportService) writeSamplesXLSX(path string, samples []models.SignalSample) error {
	return writeXLSX(path, "Data", sampleHeader, len(samples), func(i int) []interface{} {
		sm := &samples[i]
		return []interface{}{sm.ID, sm.SignalName, sm.Address, sm.Value, sm.Unit, sm.Status, sm.Time.Format(time.RFC3339)}
	})
}

func (s *ExportService) writeAlertsXLSX(path string, alerts []models.AlertRecord) error {
	return writeXLSX(path, "Alerts", alertHeader, len(alerts), func(i int) []interface{} {
		a := &alerts[i]
		return []interface{}{a.ID, a.SignalName, a.AlertKind, a.Message, a.Severity, a.Value, a.Time.Format(time.RFC3339), a.Acknowledged}
	})
}

func writeXLSX(path, sheet string, header []string, rows int, row func(int) []interface{}) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	for col, title := range header {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, title); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	for i := 0; i < rows; i++ {
		for col, value := range row(i) {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			if err := f.SetCellValue(sheet, cell, value); err != nil {
				return fmt.Errorf("writing row: %w", err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}

func writeJSON(path string, payload interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	return f.Close()
}

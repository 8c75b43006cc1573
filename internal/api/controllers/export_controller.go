package controllers

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modbus-monitor/backend/internal/services"
	"github.com/modbus-monitor/backend/internal/utils"
)

// ExportController renders stored data to downloadable files
type ExportController struct {
	exportService *services.ExportService
	logger        *utils.Logger
}

// NewExportController creates a new export controller
func NewExportController(exportService *services.ExportService, logger *utils.Logger) *ExportController {
	return &ExportController{
		exportService: exportService,
		logger:        logger.Named("export_controller"),
	}
}

// RegisterRoutes registers the export routes
func (c *ExportController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/:format", c.Export)
}

// Export writes samples or alerts in the requested format and serves
// the file as an attachment
func (c *ExportController) Export(ctx *gin.Context) {
	format := services.ExportFormat(ctx.Param("format"))
	target := ctx.DefaultQuery("target", "data")

	hours, err := strconv.Atoi(ctx.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
		return
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)

	var path string
	switch target {
	case "data":
		path, err = c.exportService.ExportSamples(ctx.Request.Context(), format, since)
	case "alerts":
		path, err = c.exportService.ExportAlerts(ctx.Request.Context(), format, since)
	default:
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "target must be data or alerts"})
		return
	}
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.FileAttachment(path, filepath.Base(path))
}

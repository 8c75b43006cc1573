package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modbus-monitor/backend/internal/services"
	"github.com/modbus-monitor/backend/internal/utils"
)

// HistoryController serves stored samples and lifecycle events
type HistoryController struct {
	historyService *services.HistoryService
	logger         *utils.Logger
}

// NewHistoryController creates a new history controller
func NewHistoryController(historyService *services.HistoryService, logger *utils.Logger) *HistoryController {
	return &HistoryController{
		historyService: historyService,
		logger:         logger.Named("history_controller"),
	}
}

// RegisterRoutes registers the history routes
func (c *HistoryController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/history/:signal", c.GetSignalHistory)
	router.GET("/history/:signal/latest", c.GetLatestSample)
	router.GET("/events", c.GetEvents)
}

// GetSignalHistory returns samples of one signal, oldest first
func (c *HistoryController) GetSignalHistory(ctx *gin.Context) {
	signal := ctx.Param("signal")

	minutes, err := strconv.Atoi(ctx.DefaultQuery("minutes", "60"))
	if err != nil || minutes <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid minutes parameter"})
		return
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "1000"))
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
		return
	}

	since := time.Now().Add(-time.Duration(minutes) * time.Minute)
	samples, err := c.historyService.SamplesSince(ctx.Request.Context(), signal, since, limit)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"samples": samples, "count": len(samples)})
}

// GetLatestSample returns the most recent sample of one signal
func (c *HistoryController) GetLatestSample(ctx *gin.Context) {
	sample, err := c.historyService.LatestSample(ctx.Request.Context(), ctx.Param("signal"))
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, sample)
}

// GetEvents returns connection lifecycle events, newest first
func (c *HistoryController) GetEvents(ctx *gin.Context) {
	hours, err := strconv.Atoi(ctx.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
		return
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	events, err := c.historyService.EventsSince(ctx.Request.Context(), since, 0)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

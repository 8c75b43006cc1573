package controllers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/modbus-monitor/backend/internal/monitor"
	"github.com/modbus-monitor/backend/internal/services"
	"github.com/modbus-monitor/backend/internal/utils"
)

// RuleRequest is the body of POST /alerts/rules
type RuleRequest struct {
	SignalName string   `json:"signal_name" binding:"required"`
	Kind       string   `json:"kind" binding:"required,oneof=threshold_high threshold_low connection_lost anomaly"`
	Threshold  *float64 `json:"threshold"`
	Severity   string   `json:"severity" binding:"required,oneof=info warning critical"`
	Enabled    *bool    `json:"enabled"`
}

// AcknowledgeRequest is the body of POST /alerts/:id/ack
type AcknowledgeRequest struct {
	AckBy string `json:"ack_by" binding:"required"`
}

// AlertController manages alert rules and serves alert history
type AlertController struct {
	engine         *monitor.Engine
	historyService *services.HistoryService
	logger         *utils.Logger
}

// NewAlertController creates a new alert controller
func NewAlertController(engine *monitor.Engine, historyService *services.HistoryService, logger *utils.Logger) *AlertController {
	return &AlertController{
		engine:         engine,
		historyService: historyService,
		logger:         logger.Named("alert_controller"),
	}
}

// RegisterRoutes registers the alert routes
func (c *AlertController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/rules", c.AddRule)
	router.GET("/rules", c.ListRules)
	router.DELETE("/rules/:signal/:kind", c.RemoveRule)
	router.GET("/active", c.ActiveAlerts)
	router.GET("", c.AlertHistory)
	router.POST("/:id/ack", c.Acknowledge)
}

// AddRule registers a rule; an existing rule with the same signal and
// kind is replaced
func (c *AlertController) AddRule(ctx *gin.Context) {
	var req RuleRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	rule := monitor.Rule{
		SignalName: req.SignalName,
		Kind:       monitor.AlertKind(req.Kind),
		Threshold:  req.Threshold,
		Severity:   monitor.Severity(req.Severity),
		Enabled:    enabled,
	}

	if err := c.engine.AddRule(rule); err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusCreated, rule)
}

// ListRules returns every registered rule
func (c *AlertController) ListRules(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"rules": c.engine.Rules()})
}

// RemoveRule deletes a rule by signal name and kind
func (c *AlertController) RemoveRule(ctx *gin.Context) {
	signal := ctx.Param("signal")
	kind := monitor.AlertKind(ctx.Param("kind"))

	if !c.engine.RemoveRule(signal, kind) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		return
	}
	ctx.Status(http.StatusNoContent)
}

// ActiveAlerts returns the currently firing alert events
func (c *AlertController) ActiveAlerts(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"alerts": c.engine.ActiveEvents()})
}

// AlertHistory returns stored alert records, newest first
func (c *AlertController) AlertHistory(ctx *gin.Context) {
	hours, err := strconv.Atoi(ctx.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours parameter"})
		return
	}
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "500"))
	if err != nil || limit < 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
		return
	}
	severity := ctx.Query("severity")

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	alerts, err := c.historyService.AlertsSince(ctx.Request.Context(), since, severity, limit)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// Acknowledge marks a stored alert as acknowledged
func (c *AlertController) Acknowledge(ctx *gin.Context) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert ID"})
		return
	}

	var req AcknowledgeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	if err := c.historyService.AcknowledgeAlert(ctx.Request.Context(), uint(id), req.AckBy); err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

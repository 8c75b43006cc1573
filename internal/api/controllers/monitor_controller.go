package controllers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.bug.st/serial"

	"github.com/modbus-monitor/backend/internal/config"
	"github.com/modbus-monitor/backend/internal/modbus"
	"github.com/modbus-monitor/backend/internal/monitor"
	"github.com/modbus-monitor/backend/internal/utils"
)

// SignalDefRequest declares one named signal within the polled range
type SignalDefRequest struct {
	Name   string `json:"name" binding:"required"`
	Offset uint16 `json:"offset"`
	Value  string `json:"value_kind"`
	Unit   string `json:"unit"`
}

// ConnectRequest is the body of POST /connect. Omitted fields fall
// back to the server configuration defaults.
type ConnectRequest struct {
	Protocol      string             `json:"protocol" binding:"required,oneof=tcp rtu"`
	Host          string             `json:"host"`
	Port          int                `json:"port"`
	SerialPort    string             `json:"serial_port"`
	BaudRate      int                `json:"baud_rate"`
	UnitID        uint8              `json:"unit_id"`
	RegisterKind  string             `json:"register_kind" binding:"required,oneof=holding input coil discrete"`
	StartAddress  uint16             `json:"start_address"`
	Count         uint16             `json:"count" binding:"required,min=1,max=125"`
	IntervalMs    int                `json:"interval_ms"`
	ReadTimeoutMs int                `json:"read_timeout_ms"`
	Signals       []SignalDefRequest `json:"signals"`
}

// WriteRequest is the body of POST /write
type WriteRequest struct {
	RegisterKind string `json:"register_kind" binding:"required,oneof=holding coil"`
	Address      uint16 `json:"address"`
	Value        uint16 `json:"value"`
}

// MonitorController drives the poll loop: connect, disconnect, status,
// single-point writes and serial port discovery
type MonitorController struct {
	poller *monitor.Poller
	config *config.Config
	logger *utils.Logger
}

// NewMonitorController creates a new monitor controller
func NewMonitorController(poller *monitor.Poller, cfg *config.Config, logger *utils.Logger) *MonitorController {
	return &MonitorController{
		poller: poller,
		config: cfg,
		logger: logger.Named("monitor_controller"),
	}
}

// RegisterRoutes registers the monitoring routes
func (c *MonitorController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/connect", c.Connect)
	router.POST("/disconnect", c.Disconnect)
	router.POST("/write", c.Write)
	router.GET("/status", c.Status)
	router.GET("/ports", c.ListPorts)
}

// Connect validates the request and hands it to the poll loop. The
// response acknowledges acceptance; the connection outcome arrives on
// the update stream.
func (c *MonitorController) Connect(ctx *gin.Context) {
	var req ConnectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	sessionCfg := c.buildSessionConfig(&req)
	if err := c.poller.Apply(sessionCfg); err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"status": "connecting"})
}

// buildSessionConfig merges the request with configured defaults
func (c *MonitorController) buildSessionConfig(req *ConnectRequest) monitor.SessionConfig {
	link := modbus.LinkConfig{
		Protocol:       req.Protocol,
		Host:           req.Host,
		Port:           req.Port,
		SerialPort:     req.SerialPort,
		BaudRate:       req.BaudRate,
		UnitID:         req.UnitID,
		ConnectTimeout: time.Duration(c.config.Modbus.ConnectTimeout) * time.Second,
	}
	if link.Port == 0 {
		link.Port = c.config.Modbus.Port
	}
	if link.BaudRate == 0 {
		link.BaudRate = c.config.Modbus.BaudRate
	}

	interval := c.config.Poll.Interval()
	if req.IntervalMs > 0 {
		interval = time.Duration(req.IntervalMs) * time.Millisecond
	}
	readTimeout := c.config.Poll.ReadTimeout()
	if req.ReadTimeoutMs > 0 {
		readTimeout = time.Duration(req.ReadTimeoutMs) * time.Millisecond
	}
	link.ReadTimeout = readTimeout

	signals := make([]monitor.SignalDef, 0, len(req.Signals))
	for _, def := range req.Signals {
		valueKind := modbus.ValueKind(def.Value)
		if def.Value == "" {
			valueKind = modbus.ValueU16
		}
		signals = append(signals, monitor.SignalDef{
			Name:   def.Name,
			Offset: def.Offset,
			Value:  valueKind,
			Unit:   def.Unit,
		})
	}

	return monitor.SessionConfig{
		Link:         link,
		RegisterKind: modbus.RegisterKind(req.RegisterKind),
		StartAddress: req.StartAddress,
		Count:        req.Count,
		Signals:      signals,
		Interval:     interval,
		ReadTimeout:  readTimeout,
	}
}

// Disconnect asks the poll loop to close the device link
func (c *MonitorController) Disconnect(ctx *gin.Context) {
	if err := c.poller.Disconnect(); err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// Write performs a single-point write to a holding register or coil
func (c *MonitorController) Write(ctx *gin.Context) {
	var req WriteRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	if err := c.poller.Write(modbus.RegisterKind(req.RegisterKind), req.Address, req.Value); err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "written"})
}

// Status returns the most recent snapshot without touching the poll loop
func (c *MonitorController) Status(ctx *gin.Context) {
	snap := c.poller.Snapshot()
	ctx.JSON(http.StatusOK, snap)
}

// ListPorts enumerates serial ports available for RTU connections
func (c *MonitorController) ListPorts(ctx *gin.Context) {
	ports, err := serial.GetPortsList()
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}
	if ports == nil {
		ports = []string{}
	}
	ctx.JSON(http.StatusOK, gin.H{"ports": ports})
}

package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modbus-monitor/backend/internal/api/controllers"
	"github.com/modbus-monitor/backend/internal/api/middleware"
	"github.com/modbus-monitor/backend/internal/config"
	"github.com/modbus-monitor/backend/internal/services"
	"github.com/modbus-monitor/backend/internal/utils"
)

// Router manages the API routes and controllers
type Router struct {
	engine          *gin.Engine
	logger          *utils.Logger
	config          *config.Config
	authMiddleware  *middleware.AuthMiddleware
	serviceProvider *services.ServiceProvider
	upgrader        websocket.Upgrader
}

// NewRouter creates a new Router instance
func NewRouter(
	cfg *config.Config,
	logger *utils.Logger,
	serviceProvider *services.ServiceProvider,
) *Router {
	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.LoggingMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Origin"}
	engine.Use(cors.New(corsConfig))

	return &Router{
		engine:          engine,
		logger:          logger.Named("router"),
		config:          cfg,
		authMiddleware:  middleware.NewAuthMiddleware(&cfg.Auth),
		serviceProvider: serviceProvider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from arbitrary dashboard origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetupRoutes configures all API routes
func (r *Router) SetupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.engine.GET("/ws", r.handleWebSocket)

	authController := controllers.NewAuthController(&r.config.Auth, r.logger)
	authController.RegisterRoutes(r.engine.Group("/auth"))

	monitorController := controllers.NewMonitorController(
		r.serviceProvider.GetPoller(), r.config, r.logger)
	alertController := controllers.NewAlertController(
		r.serviceProvider.GetEngine(), r.serviceProvider.GetHistoryService(), r.logger)
	historyController := controllers.NewHistoryController(
		r.serviceProvider.GetHistoryService(), r.logger)
	exportController := controllers.NewExportController(
		r.serviceProvider.GetExportService(), r.logger)

	apiV1 := r.engine.Group("/api/v1")
	apiV1.Use(r.authMiddleware.RequireAuth())

	monitorController.RegisterRoutes(apiV1)
	historyController.RegisterRoutes(apiV1)
	alertController.RegisterRoutes(apiV1.Group("/alerts"))
	exportController.RegisterRoutes(apiV1.Group("/export"))

	r.logger.Info("API routes setup completed")
}

// handleWebSocket upgrades the connection and attaches it to the
// notification hub. The live stream is read-only, so it skips bearer
// auth the same way /health does.
func (r *Router) handleWebSocket(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", utils.Error(err))
		return
	}
	r.serviceProvider.GetNotificationService().RegisterClient(conn)
}

// GetEngine returns the Gin engine
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/modbus-monitor/backend/internal/api/middleware"
	"github.com/modbus-monitor/backend/internal/config"
	"github.com/modbus-monitor/backend/internal/utils"
)

// TokenRequest is the login request body
type TokenRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse carries an issued JWT
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// AuthController issues JWT tokens for the configured admin account
type AuthController struct {
	authConfig *config.AuthConfig
	logger     *utils.Logger
}

// NewAuthController creates a new auth controller
func NewAuthController(authConfig *config.AuthConfig, logger *utils.Logger) *AuthController {
	return &AuthController{
		authConfig: authConfig,
		logger:     logger.Named("auth_controller"),
	}
}

// RegisterRoutes registers the auth routes
func (c *AuthController) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/token", c.IssueToken)
}

// IssueToken exchanges admin credentials for a bearer token
func (c *AuthController) IssueToken(ctx *gin.Context) {
	var req TokenRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		utils.HandleValidationErrors(ctx, err)
		return
	}

	if req.Username != c.authConfig.AdminUser ||
		bcrypt.CompareHashAndPassword([]byte(c.authConfig.AdminPasswordHash), []byte(req.Password)) != nil {
		c.logger.Warn("failed login attempt", utils.String("username", req.Username))
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresAt, err := middleware.IssueToken(req.Username, c.authConfig)
	if err != nil {
		utils.HandleError(ctx, err, c.logger)
		return
	}

	ctx.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

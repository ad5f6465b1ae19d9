package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"gasless-backend/internal/app"
	"gasless-backend/internal/config"
	"gasless-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware applies CORS policy.
// Priority: environment variable > YAML config > default (*).
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigins := []string{"*"}
		allowCredentials := true
		maxAge := 3600

		if envOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); envOrigins != "" {
			allowedOrigins = allowedOrigins[:0]
			for _, o := range strings.Split(envOrigins, ",") {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		} else if config.AppConfig != nil && len(config.AppConfig.CORS.AllowedOrigins) > 0 {
			allowedOrigins = config.AppConfig.CORS.AllowedOrigins
			allowCredentials = config.AppConfig.CORS.AllowCredentials
			if config.AppConfig.CORS.MaxAge > 0 {
				maxAge = config.AppConfig.CORS.MaxAge
			}
		}

		allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
		originAllowed := false
		if !allowAll && origin != "" {
			for _, allowed := range allowedOrigins {
				if strings.TrimSpace(allowed) == origin {
					originAllowed = true
					break
				}
			}
			if !originAllowed {
				logrus.WithFields(logrus.Fields{
					"request_origin": origin,
					"path":           c.Request.URL.Path,
					"method":         c.Request.Method,
					"remote_addr":    c.ClientIP(),
				}).Warn("CORS: request origin not in whitelist")
			}
		}

		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if originAllowed {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Cache-Control, Accept")
		if allowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Header("Access-Control-Expose-Headers", "Content-Length, Content-Type")
		c.Next()
	}
}

// SetupRouter wires all HTTP routes onto a gin engine.
func SetupRouter(container *app.ServiceContainer) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	logger := logrus.StandardLogger()

	var allowedIPs []string
	if config.AppConfig != nil && len(config.AppConfig.Admin.AllowedIPs) > 0 {
		allowedIPs = config.AppConfig.Admin.AllowedIPs
		logger.WithField("count", len(allowedIPs)).Info("Admin API IP whitelist configured")
	} else {
		logger.Info("No admin allowlist configured, admin API is localhost-only")
	}
	localhostOnly := middleware.NewLocalhostOnly(logger, allowedIPs)
	auth := middleware.NewAuthMiddleware(logger)
	adminAuth := middleware.NewAdminAuthMiddleware(logger)

	// ============ Health ============
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "gasless-backend",
		})
	})

	// ============ Prometheus Metrics ============
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// ============ WebSocket Push ============
	r.GET("/ws", container.WebSocketHandler().Handle)

	// ============ Wallet API ============
	wallet := container.WalletHandler()
	api := r.Group("/api")
	api.GET("/chains", wallet.ListChains)

	authed := api.Group("", auth.RequireAuth())
	{
		authed.GET("/wallet/address", wallet.GetAddress)
		authed.GET("/wallet/balance", wallet.GetBalance)
		authed.GET("/wallet/delegation", wallet.GetDelegationStatus)
		authed.GET("/wallet/allowance", wallet.GetAllowance)

		authed.POST("/transfer/native", wallet.SendNativeTransfer)
		authed.POST("/transfer/token", wallet.SendTokenTransfer)
		authed.POST("/transfer/approve-and-transfer", wallet.SendApproveAndTransfer)
		authed.POST("/transfer/batch", wallet.SendBatch)

		authed.GET("/operations/:hash", wallet.GetOperation)
		authed.GET("/operations/:hash/wait", wallet.WaitOperation)
	}

	// ============ Admin API (IP restricted) ============
	adminAPI := api.Group("/admin", localhostOnly.Restrict())
	adminAPI.POST("/login", container.AuthHandler().AdminLogin)

	adminAuthed := adminAPI.Group("", adminAuth.RequireAdminAuth())
	{
		admin := container.AdminHandler()
		adminAuthed.GET("/circuits", admin.GetCircuitStatus)
		adminAuthed.POST("/circuits/:chainId/reset", admin.ResetCircuit)
		adminAuthed.GET("/users/:userId/allowance", admin.GetUserAllowance)
		adminAuthed.GET("/users/:userId/operations", admin.GetUserOperations)
		adminAuthed.GET("/delegations", admin.ListDelegations)
	}

	// ============ NoRoute handler ============
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message":    "Endpoint not found",
			"path":       c.Request.URL.Path,
			"suggestion": "Check documentation for available /api endpoints",
		})
	})

	return r
}

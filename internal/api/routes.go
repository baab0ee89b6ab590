package api

import (
	"context"
	"log"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/LocalSM/internal/api/handlers"
	"github.com/TheGojiOG/LocalSM/internal/api/middleware"
	"github.com/TheGojiOG/LocalSM/internal/auth"
	"github.com/TheGojiOG/LocalSM/internal/backup"
	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/console"
	"github.com/TheGojiOG/LocalSM/internal/logging"
	"github.com/TheGojiOG/LocalSM/internal/metrics"
	"github.com/TheGojiOG/LocalSM/internal/server"
	"github.com/TheGojiOG/LocalSM/internal/websocket"
)

// Dependencies are the services exposed over HTTP. Scheduler and
// Transcripts are optional.
type Dependencies struct {
	Config      *config.Config
	Manager     *server.Manager
	Pipeline    *console.Pipeline
	Hub         *websocket.Hub
	Activity    *logging.ActivityLogger
	Backups     *backup.Manager
	Scheduler   *backup.Scheduler
	Collector   *metrics.Collector
	Transcripts *console.TranscriptWriter
}

// SetupRouter configures and returns the HTTP router. ctx bounds background
// work started by requests, such as artifact downloads.
func SetupRouter(ctx context.Context, deps Dependencies) (*gin.Engine, func()) {
	cfg := deps.Config

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Audit(deps.Activity))
	router.Use(middleware.CORS(cfg.Security.CORS))
	router.Use(middleware.RateLimit(cfg.Security.RateLimit))
	router.Use(middleware.SecurityHeaders(cfg.Server.TLS.Enabled))

	jwtManager := auth.NewJWTManager(
		cfg.Auth.JWTSecret,
		config.ParseDuration(cfg.Auth.AccessTokenDuration, 12*time.Hour),
	)
	operator := auth.Operator{
		Username:     cfg.Auth.OperatorUsername,
		PasswordHash: cfg.Auth.OperatorPasswordHash,
	}

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(jwtManager, operator)
	serverHandler := handlers.NewServerHandler(ctx, deps.Manager, deps.Pipeline, deps.Activity, deps.Transcripts)
	consoleHandler := handlers.NewConsoleHandler(cfg, deps.Manager, deps.Hub, deps.Activity)
	backupHandler := handlers.NewBackupHandler(deps.Manager, deps.Backups, deps.Scheduler, deps.Activity)
	metricsHandler := handlers.NewMetricsHandler(deps.Manager, deps.Collector, deps.Hub)

	// Public routes
	public := router.Group("/api/v1")
	{
		public.POST("/auth/login", authHandler.Login)
	}

	// Protected routes
	protected := router.Group("/api/v1")
	protected.Use(middleware.Auth(jwtManager))
	{
		protected.POST("/auth/logout", authHandler.Logout)
		protected.GET("/auth/me", authHandler.Me)

		servers := protected.Group("/servers")
		{
			servers.GET("", serverHandler.ListServers)
			servers.POST("", serverHandler.CreateServer)
			servers.POST("/discover", serverHandler.DiscoverServers)
			servers.GET("/:name", serverHandler.GetServer)
			servers.DELETE("/:name", serverHandler.DeleteServer)

			servers.POST("/:name/start", serverHandler.StartServer)
			servers.POST("/:name/stop", serverHandler.StopServer)
			servers.POST("/:name/restart", serverHandler.RestartServer)
			servers.POST("/:name/command", serverHandler.SendCommand)
			servers.POST("/:name/download", serverHandler.DownloadArtifact)

			servers.POST("/:name/tunnel/start", serverHandler.StartTunnel)
			servers.POST("/:name/tunnel/stop", serverHandler.StopTunnel)

			servers.GET("/:name/transcript", serverHandler.GetTranscript)
			servers.GET("/:name/transcript/export", serverHandler.ExportTranscript)
			servers.GET("/:name/properties", serverHandler.GetProperties)
			servers.PUT("/:name/properties", serverHandler.UpdateProperties)
			servers.GET("/:name/activity", serverHandler.GetServerActivity)
			servers.GET("/:name/metrics", metricsHandler.GetServerMetrics)

			servers.GET("/:name/backups", backupHandler.ListBackups)
			servers.POST("/:name/backups", backupHandler.CreateBackup)
		}

		protected.PUT("/tunnel/authtoken", serverHandler.SetTunnelAuthToken)

		backups := protected.Group("/backups")
		{
			backups.GET("/schedules", backupHandler.ListSchedules)
			backups.POST("/schedules/:schedule/run", backupHandler.RunSchedule)
			backups.POST("/:id/restore", backupHandler.RestoreBackup)
			backups.DELETE("/:id", backupHandler.DeleteBackup)
		}

		protected.GET("/system/metrics", metricsHandler.GetSystemMetrics)

		// WebSocket routes
		protected.GET("/ws/servers/:name/console", consoleHandler.HandleConsoleWebSocket)
		protected.GET("/ws/events", consoleHandler.HandleEventsWebSocket)
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	shutdown := func() {
		log.Println("[API] Waiting for background server operations to complete...")
		serverHandler.WaitForCompletion()
		log.Println("[API] Background operations completed")
	}

	return router, shutdown
}

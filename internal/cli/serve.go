package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TheGojiOG/LocalSM/internal/api"
	"github.com/TheGojiOG/LocalSM/internal/backup"
	"github.com/TheGojiOG/LocalSM/internal/config"
	"github.com/TheGojiOG/LocalSM/internal/console"
	"github.com/TheGojiOG/LocalSM/internal/database"
	"github.com/TheGojiOG/LocalSM/internal/download"
	"github.com/TheGojiOG/LocalSM/internal/logging"
	"github.com/TheGojiOG/LocalSM/internal/metrics"
	"github.com/TheGojiOG/LocalSM/internal/server"
	"github.com/TheGojiOG/LocalSM/internal/tlscert"
	"github.com/TheGojiOG/LocalSM/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager daemon and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Set up logging
	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logging.Close()

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	// Run migrations automatically
	log.Println("[Serve] Running database migrations...")
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Initialize activity logger
	logDir := filepath.Join(cfg.Storage.DataDir, "logs", "activity")
	activityLogger, err := logging.NewActivityLogger(db.DB, logDir)
	if err != nil {
		return fmt.Errorf("failed to initialize activity logger: %w", err)
	}
	defer activityLogger.Close()
	if days := cfg.Logging.ActivityRetentionDays; days > 0 {
		if _, err := activityLogger.Prune(time.Duration(days) * 24 * time.Hour); err != nil {
			log.Printf("[Serve] Warning: %v", err)
		}
	}

	pipeline := console.NewPipeline(cfg.Console.MaxLines)

	var transcripts *console.TranscriptWriter
	if cfg.Console.ExportEnabled {
		transcripts, err = console.NewTranscriptWriter(console.TranscriptWriterConfig{
			Dir:        cfg.Console.ExportDir,
			MaxSizeMB:  cfg.Console.ExportMaxSize,
			MaxBackups: cfg.Console.ExportBackups,
		})
		if err != nil {
			return err
		}
		defer transcripts.Close()
	}

	downloader := download.NewManager(
		download.WithBufferSize(cfg.Download.BufferSize),
		download.WithProgressInterval(config.ParseDuration(cfg.Download.ProgressInterval, 250*time.Millisecond)),
	)
	opts := []server.Option{server.WithDownloader(downloader)}
	if transcripts != nil {
		opts = append(opts, server.WithRemoveHook(func(id string) {
			if err := transcripts.Remove(id); err != nil {
				log.Printf("[Serve] Failed to remove transcript for %s: %v", id, err)
			}
		}))
	}
	manager, err := server.NewManager(server.SettingsFromConfig(cfg), pipeline, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize server manager: %w", err)
	}

	// Load, discover, save
	if err := manager.Load(); err != nil {
		return fmt.Errorf("failed to load %s: %w", manager.ManifestPath(), err)
	}
	if found := manager.DiscoverServers(); len(found) > 0 {
		log.Printf("[Serve] Discovered %d new server folder(s)", len(found))
	}
	if err := manager.Save(); err != nil {
		return fmt.Errorf("failed to save %s: %w", manager.ManifestPath(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe consumers
	if transcripts != nil {
		defer transcripts.Attach(pipeline)()
	}
	log.Println("[Serve] Initializing WebSocket hub...")
	hub := websocket.NewHub()
	go hub.Run(ctx)
	defer hub.AttachPipeline(pipeline)()

	// Start watcher
	if cfg.Watcher.Enabled {
		watcher, err := server.NewWatcher(manager, config.ParseDuration(cfg.Watcher.Debounce, time.Second))
		if err != nil {
			log.Printf("[Serve] Folder watcher disabled: %v", err)
		} else {
			watcher.SetDiscoverCallback(func(infos []server.InstanceInfo) {
				for _, info := range infos {
					_ = activityLogger.Record(info.ID, "system", logging.ActivityInstanceDiscover,
						fmt.Sprintf("Discovered server %s", info.Name), nil, nil)
				}
			})
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	// Start metrics collector
	collector := metrics.NewCollector(cfg.Metrics, db.DB, manager)
	if cfg.Metrics.Enabled {
		collector.Start(ctx)
		defer collector.Stop()
	}

	// Start backup schedules
	backups := backup.NewManager(db.DB, manager, cfg)
	var scheduler *backup.Scheduler
	if len(cfg.Backup.Schedules) > 0 {
		scheduler, err = backup.NewScheduler(backups, db.DB, cfg.Backup.Schedules)
		if err != nil {
			return err
		}
		scheduler.Start(ctx)
	}

	log.Println("[Serve] All components initialized successfully")

	// Set up HTTP server
	router, shutdownOps := api.SetupRouter(ctx, api.Dependencies{
		Config:      cfg,
		Manager:     manager,
		Pipeline:    pipeline,
		Hub:         hub,
		Activity:    activityLogger,
		Backups:     backups,
		Scheduler:   scheduler,
		Collector:   collector,
		Transcripts: transcripts,
	})

	httpServer := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// tunnel start polls for the public URL inside the request
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.Server.TLS.Enabled && cfg.Server.TLS.SelfSigned {
		if _, err := tlscert.EnsureSelfSigned(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.Host); err != nil {
			return fmt.Errorf("tls certificate: %w", err)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[Serve] Listening on %s", httpServer.Addr)
		var err error
		if cfg.Server.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}
	log.Println("[Serve] Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Serve] HTTP server forced to shutdown: %v", err)
	}

	// cancel downloads before waiting on them
	cancel()
	shutdownOps()

	manager.StopAll(shutdownCtx)
	log.Println("[Serve] Manager exited")
	return nil
}

func setupLogging(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Logging.File) == "" {
		cfg.Logging.File = filepath.Join(cfg.Storage.DataDir, "logs", "server.log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
		return err
	}
	_, err := logging.Init(cfg.Logging)
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/deltabridge/internal/app"
	"github.com/macjediwizard/deltabridge/internal/config"
	"github.com/macjediwizard/deltabridge/internal/deltasync"
	"github.com/macjediwizard/deltabridge/internal/lifecycle"
	"github.com/macjediwizard/deltabridge/internal/notify"
	"github.com/macjediwizard/deltabridge/internal/scheduler"
	"github.com/macjediwizard/deltabridge/internal/sink"
	"github.com/macjediwizard/deltabridge/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting deltabridge...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Server.ValidateOnStart {
		validateCtx, validateCancel := context.WithTimeout(ctx, startupTimeout)
		err := cfg.Validate(validateCtx)
		validateCancel()
		if err != nil {
			log.Fatalf("Invalid configuration: %v", err)
		}
	}

	// Build database, feeds, limiter, retry policy and engine
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()
	a.Start()

	// Initialize change sink
	changeSink, closeSink, err := buildSink(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize change sink: %v", err)
	}
	defer closeSink()

	// Initialize notifier for alerts
	notifyCfg := &notify.Config{
		WebhookURL:     cfg.Alerts.WebhookURL,
		CooldownPeriod: cfg.Alerts.Cooldown,
	}
	if notifyCfg.WebhookURL != "" {
		if err := notify.ValidateConfig(notifyCfg); err != nil {
			log.Fatalf("Invalid alert configuration: %v", err)
		}
	}
	notifier := notify.New(notifyCfg)
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (cooldown: %v)", cfg.Alerts.Cooldown)
	}

	// Initialize scheduler and lifecycle coordinator
	sched := scheduler.New(a.DB, a.Engine, scheduler.Options{
		Sink:        changeSink,
		Alerter:     notifier,
		Mode:        cfg.Sync.Mode,
		RenewBefore: cfg.Subscription.RenewBefore,
	})
	coordinator := lifecycle.New(a.DB, a.Renewer, sched, notifier, a.Executor)
	sched.SetSignalHandler(coordinator)

	// Initialize handlers
	handlers := web.NewHandlers(a.DB, sched, coordinator, a.Feeds.Supports, web.Limits{
		DefaultInterval: cfg.Sync.DefaultInterval,
		MinInterval:     cfg.Sync.MinInterval,
		MaxInterval:     cfg.Sync.MaxInterval,
	})

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(web.RequestLogger())
	router.Use(web.SecurityHeaders())

	web.SetupRoutes(router, handlers, web.RouteConfig{
		APIKey:   cfg.Server.APIKey,
		APIRPS:   cfg.RateLimiting.RPS,
		APIBurst: cfg.RateLimiting.Burst,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	// Start scheduler
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	if cfg.Server.ValidateOnStart && cfg.Subscription.NotificationURL != "" {
		go func() {
			probeCtx, probeCancel := context.WithTimeout(ctx, startupTimeout)
			defer probeCancel()
			if err := cfg.ProbeNotificationEndpoint(probeCtx); err != nil {
				log.Printf("Warning: notification endpoint check failed: %v", err)
				return
			}
			log.Println("Notification endpoint answered the validation handshake")
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop scheduler and wait for pending alerts
	sched.Stop()
	notifier.Wait()

	log.Println("Server stopped")
}

// buildSink selects the JetStream sink when NATS is configured and the log
// sink otherwise.
func buildSink(ctx context.Context, cfg *config.Config) (deltasync.Sink, func(), error) {
	if cfg.NATS.URL == "" {
		log.Println("NATS_URL not set, changes are logged only")
		return sink.LogSink{}, func() {}, nil
	}

	js, err := sink.NewJetStreamSink(cfg.NATS.URL, cfg.NATS.Stream)
	if err != nil {
		return nil, nil, err
	}
	if err := js.EnsureStream(ctx); err != nil {
		js.Close()
		return nil, nil, err
	}
	log.Printf("Publishing changes to JetStream stream %s", cfg.NATS.Stream)
	return js, js.Close, nil
}

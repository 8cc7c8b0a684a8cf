// Command regard watches tracked web pages for changes and correlates each
// change with business metrics over fixed horizons.
//
// Usage:
//
//	regard -config regard.yaml
//	regard -db regard.db -listen :8080
//
// The OpenAI API key is read from OPENAI_API_KEY.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/regard/assess"
	"github.com/hazyhaar/regard/capture"
	"github.com/hazyhaar/regard/dbopen"
	"github.com/hazyhaar/regard/metrics"
	"github.com/hazyhaar/regard/notify"
	"github.com/hazyhaar/regard/observability"
	"github.com/hazyhaar/regard/scan"
	"github.com/hazyhaar/regard/shield"
	"github.com/hazyhaar/regard/vision"
	"github.com/hazyhaar/regard/watch"
)

func main() {
	configPath := flag.String("config", "", "path to regard.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database (overrides config)")
	listen := flag.String("listen", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listen); err != nil {
		logger.Error("regard: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listen string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}
	cfg.Scan.Logger = logger
	cfg.Vision.Logger = logger

	// Databases.
	db, err := dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(shield.RateLimitSchema))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	if err := scan.Setup(ctx, db); err != nil {
		return err
	}

	obsDB, err := dbopen.Open(cfg.ObsDBPath, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open obs db: %w", err)
	}
	defer obsDB.Close()
	if err := observability.ApplySchema(obsDB); err != nil {
		return err
	}

	// Model clients.
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return errors.New("OPENAI_API_KEY not set")
	}
	client := openai.NewClient(apiKey)
	differ := vision.NewOpenAIDiffer(client, cfg.Vision)
	assessor := assess.NewOpenAIAssessor(client, assess.OpenAIConfig{
		Model:            cfg.Assess.Model,
		MaxSnapshotChars: cfg.Assess.MaxSnapshotChars,
		Logger:           logger,
	})

	// Capture backend.
	var capturer capture.Capturer
	switch cfg.Capture {
	case "http":
		capturer = capture.NewHTTPCapturer(cfg.CaptureHTTP)
	default:
		rodCap, err := capture.NewRodCapturer(capture.RodConfig{
			RemoteURL: cfg.ChromeURL,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("start capturer: %w", err)
		}
		defer rodCap.Close()
		capturer = rodCap
	}

	// Metric providers.
	providers := make([]metrics.Provider, 0, len(cfg.Analytics)+len(cfg.AppDBs))
	for _, pc := range cfg.Analytics {
		providers = append(providers, metrics.NewHTTPProvider(pc))
	}
	for _, ac := range cfg.AppDBs {
		appDB, err := dbopen.Open(ac.Path)
		if err != nil {
			return fmt.Errorf("open app db %q: %w", ac.Name, err)
		}
		defer appDB.Close()
		providers = append(providers, metrics.NewAppDBProvider(ac.Name, appDB, ac.Tables))
	}
	registry := metrics.NewRegistry(logger, providers...)

	// Notifications.
	var sender notify.Sender = notify.Nop{}
	if cfg.Notify.Endpoint != "" {
		sender = notify.NewRelay(cfg.Notify)
	}
	dispatcher := notify.NewDispatcher(sender, logger)

	svc := scan.New(db, capturer, differ, assessor, registry, cfg.Scan,
		scan.WithNotifier(dispatcher),
		scan.WithEventLogger(observability.NewEventLogger(obsDB)),
		scan.WithTierPolicy(cfg.tierPolicy()),
	)
	svc.Start(ctx)

	// Newly tracked pages get their first baseline without waiting for the
	// next sweep.
	pageWatch := watch.New(db, watch.Options{
		Interval: 5 * time.Second,
		Debounce: 2 * time.Second,
		Detector: watch.MaxColumnDetector("pages", "created_at"),
		Logger:   logger,
	})
	go pageWatch.OnChange(ctx, func() error {
		return svc.EstablishPending(context.Background())
	})

	// HTTP API. reloadDone stops the rate limiter's background refresh on
	// shutdown.
	reloadDone := make(chan struct{})
	defer close(reloadDone)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(svc, db, logger, reloadDone),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("regard: listening", "addr", cfg.Listen, "db", cfg.DBPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("regard: shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

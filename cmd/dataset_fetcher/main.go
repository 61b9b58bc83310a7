package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/nidata/dataset_fetcher/internal/cleanup"
	"github.com/nidata/dataset_fetcher/internal/config"
	"github.com/nidata/dataset_fetcher/internal/dataset"
	"github.com/nidata/dataset_fetcher/internal/downloader"
	"github.com/nidata/dataset_fetcher/internal/http/rest"
	"github.com/nidata/dataset_fetcher/internal/logctx"
	"github.com/nidata/dataset_fetcher/internal/manifest"
	"github.com/nidata/dataset_fetcher/internal/notifier"
	"github.com/nidata/dataset_fetcher/internal/storage"
	"github.com/nidata/dataset_fetcher/internal/storage/sqlite"
	"github.com/nidata/dataset_fetcher/internal/svc/batch"
	"github.com/nidata/dataset_fetcher/internal/telemetry"
	"github.com/nidata/dataset_fetcher/internal/transfer"
)

const version = "0.1.0"

const usage = `usage: dataset_fetcher <command> [flags]

commands:
  fetch <manifest.yaml>   fetch every file of a manifest into its dataset directory
  list <dataset>          list the files of a dataset
  serve                   run the batch API, metrics and sandbox cleanup
`

func main() {
	// A missing .env file is fine; the environment is the source of truth.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(logctx.WithLogger(ctx, logger), cfg, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}

		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return slog.New(logctx.NewTraceHandler(h))
}

func run(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)

		return flag.ErrHelp
	}

	switch args[0] {
	case "fetch":
		return runFetch(ctx, cfg, args[1:])
	case "list":
		return runList(ctx, cfg, args[1:])
	case "serve":
		return runServe(ctx, cfg)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)

		return nil
	}

	fmt.Fprint(os.Stderr, usage)

	return fmt.Errorf("unknown command %q", args[0])
}

func runFetch(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "override the dataset directory roots (colon separated)")
	noResume := fs.Bool("no-resume", false, "discard partial downloads instead of resuming them")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return errors.New("fetch needs exactly one manifest file")
	}

	m, err := manifest.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	if *dataDir != "" {
		m.DataDir = *dataDir
	}

	if *noResume {
		resume := false
		m.Resume = &resume
	}

	tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(ctx, tel)

	svc := batch.NewService(dataset.NewResolver(cfg), buildDownloader(cfg, tel), nil, buildNotifier(cfg))

	res, err := svc.Fetch(ctx, m)
	if err != nil {
		return err
	}

	for _, p := range res.Paths {
		fmt.Fprintln(os.Stdout, p)
	}

	return nil
}

func runList(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "override the dataset directory roots (colon separated)")
	pattern := fs.String("pattern", "", "only list files whose base name matches this glob")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return errors.New("list needs exactly one dataset name")
	}

	svc := batch.NewService(dataset.NewResolver(cfg), nil, nil, nil)

	dir, files, err := svc.List(fs.Arg(0), *dataDir, *pattern)
	if err != nil {
		return err
	}

	logctx.LoggerFromContext(ctx).Debug("listing dataset", "data_dir", dir, "files", len(files))

	for _, f := range files {
		fmt.Fprintln(os.Stdout, f)
	}

	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("dataset fetcher starting...", "version", version, "log_level", cfg.LogLevel)

	tel, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(ctx, tel)

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	repo := sqlite.NewInstrumentedBatchRepository(database, tel)

	released, err := repo.ReleaseStaleClaims(ctx, storage.InstanceID())
	if err != nil {
		return fmt.Errorf("failed to release stale batch claims: %w", err)
	}

	if released > 0 {
		logger.Warn("released batches abandoned by a previous instance", "count", released)
	}

	// =========================================================================
	// Start Batch Service
	svc := batch.NewService(dataset.NewResolver(cfg), buildDownloader(cfg, tel), repo, buildNotifier(cfg))

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, svc, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, repo, cfg)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	return tel, nil
}

func shutdownTelemetry(ctx context.Context, tel *telemetry.Telemetry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to shutdown telemetry", "err", err)
	}
}

func buildDownloader(cfg *config.Config, tel *telemetry.Telemetry) *downloader.Downloader {
	opts := []transfer.Option{
		transfer.WithChunkSize(cfg.ChunkSize),
		transfer.WithRateLimit(cfg.MaxBytesPerSec),
	}

	if cfg.BearerToken != "" {
		opts = append(opts, transfer.WithHooks(transfer.StaticBearerToken(cfg.BearerToken)))
	}

	client := transfer.NewClient(cfg.ResponseHeaderTimeout, opts...)

	return downloader.NewDownloader(transfer.NewInstrumentedClient(client, tel), cfg.MaxParallel, tel)
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	return &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, svc *batch.Service, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Handle("/metrics", tel.Handler())

	r.Mount("/", rest.NewBatchHandler(cfg.Web.Username, cfg.Web.Password, svc).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, repo storage.BatchRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				tracked, err := repo.GetBatches(ctx, 1000)
				if err != nil {
					logger.Error("failed to get tracked batches for cleanup", "err", err)

					continue
				}

				if _, err := cleanup.RemoveStaleSandboxes(ctx, tracked, cfg.KeepSandboxesFor); err != nil {
					logger.Error("failed to delete stale sandboxes", "err", err)
				}
			}
		}
	}()
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirguard/fhirguard/internal/config"
	"github.com/fhirguard/fhirguard/internal/pipeline"
	"github.com/fhirguard/fhirguard/internal/platform/fhir"
	"github.com/fhirguard/fhirguard/internal/platform/jobs"
	"github.com/fhirguard/fhirguard/internal/platform/middleware"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
	"github.com/fhirguard/fhirguard/internal/platform/telemetry"
	"github.com/fhirguard/fhirguard/internal/platform/websocket"
)

// multipartSlack is the allowance for multipart framing on top of
// MAX_UPLOAD_SIZE when limiting the raw request body.
const multipartSlack = 1 << 20

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "fhirguard",
		Short:        "Clinical resource validation and risk analysis",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(analyzeCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, WebSocket hub and in-process workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(!noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "do not run analysis workers in this process (requires REDIS_URL and separate workers)")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run analysis workers against the shared Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func analyzeCmd() *cobra.Command {
	var (
		pretty  bool
		offline bool
		format  string
	)
	cmd := &cobra.Command{
		Use:   "analyze <file>",
		Short: "Analyze one .json, .ndjson or .zip file and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if offline {
				cfg.ProfileValidatorURL = ""
				cfg.NarrativeURL = ""
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			return runAnalyze(cmd.Context(), cfg, logger, args[0], format, pretty, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&pretty, "pretty", false, "indent the JSON report")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the profile validator and narrative services")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json or ndjson")
	return cmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(out).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return nil, logger, err
	}
	return cfg, logger, nil
}

func runServer(embeddedWorkers bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if !embeddedWorkers && !cfg.UsesRedis() {
		return errors.New("--no-workers requires REDIS_URL so that separate workers can reach the queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	hub := websocket.NewHub(logger)
	hub.SetSnapshot(jobs.Snapshot(b.store))
	metrics := telemetry.New()
	local := jobs.Fanout(jobs.NewHubNotifier(hub), metrics)

	var background sync.WaitGroup
	notifier := local
	if cfg.UsesRedis() {
		// Every state change goes through Redis so that events from remote
		// workers and local ones reach the hub the same way.
		notifier = jobs.NewRedisNotifier(b.redis, cfg.RedisPrefix)
		relay := jobs.NewRelay(b.redis, cfg.RedisPrefix, local, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}

	if embeddedWorkers {
		p, err := newPipeline(cfg, logger)
		if err != nil {
			return err
		}
		rn, err := runnerNotifier(ctx, cfg, logger, notifier, &background)
		if err != nil {
			return err
		}
		runner := jobs.NewRunner(b.queue, b.store, p, rn, cfg.WorkerCount, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			runner.Run(ctx)
		}()
	}

	svc := jobs.NewService(b.queue, b.store, notifier, logger)
	e := newServer(cfg, logger, svc, hub, metrics)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("redis", cfg.UsesRedis()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	background.Wait()
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and every route.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *jobs.Service, hub *websocket.Hub, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/ws"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", metrics.Handler())

	maxUpload := cfg.MaxUploadBytes()
	root := e.Group("")
	jobs.NewHandler(svc, maxUpload).RegisterRoutes(root,
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.BodyLimit(maxUpload+multipartSlack),
	)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(root)
	return e
}

func runWorker() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.UsesRedis() {
		return errors.New("worker requires REDIS_URL; without it `serve` runs workers in process")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	var background sync.WaitGroup
	notifier, err := runnerNotifier(ctx, cfg, logger, jobs.NewRedisNotifier(b.redis, cfg.RedisPrefix), &background)
	if err != nil {
		return err
	}
	jobs.NewRunner(b.queue, b.store, p, notifier, cfg.WorkerCount, logger).Run(ctx)
	background.Wait()
	return nil
}

func runAnalyze(ctx context.Context, cfg *config.Config, logger zerolog.Logger, path, format string, pretty bool, out io.Writer) error {
	if format != "json" && format != "ndjson" {
		return fmt.Errorf("unknown format %q (want json or ndjson)", format)
	}
	if !fhir.HasAcceptedSuffix(path) {
		return fmt.Errorf("%s: unsupported file type, expected .json, .ndjson or .zip", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	report, err := p.Run(ctx, fhir.Upload{Content: content, Filename: filepath.Base(path)},
		pipeline.ProgressFunc(func(pr pipeline.Progress) {
			logger.Debug().Int("current", pr.Current).Msg(pr.Status)
		}))
	if err != nil {
		return err
	}
	if format == "ndjson" {
		return writeNDJSON(out, report)
	}

	enc := json.NewEncoder(out)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(report)
}

// writeNDJSON writes the summary followed by one line per resource group.
func writeNDJSON(out io.Writer, report *reporting.Report) error {
	w := fhir.NewNDJSONWriter(out)
	if err := w.Write(report.Summary); err != nil {
		return err
	}
	for _, g := range report.Issues {
		if err := w.Write(g); err != nil {
			return err
		}
	}
	return w.Flush()
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osvaldoandrade/codegrade/internal/archive"
	"github.com/osvaldoandrade/codegrade/internal/executor"
	"github.com/osvaldoandrade/codegrade/internal/metrics"
	"github.com/osvaldoandrade/codegrade/internal/middleware"
	"github.com/osvaldoandrade/codegrade/internal/providers"
	"github.com/osvaldoandrade/codegrade/internal/ratelimit"
	"github.com/osvaldoandrade/codegrade/internal/repository"
	"github.com/osvaldoandrade/codegrade/internal/services"
	"github.com/osvaldoandrade/codegrade/internal/tracing"
	"github.com/osvaldoandrade/codegrade/internal/worker"
	"github.com/osvaldoandrade/codegrade/internal/workspace"
	"github.com/osvaldoandrade/codegrade/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

type Application struct {
	Config      *config.Config
	Engine      *gin.Engine
	Logger      *slog.Logger
	Redis       *redis.Client
	RateLimiter ratelimit.Limiter

	Workspaces  workspace.Manager
	Locks       *workspace.LocalLocker
	Pool        *worker.Pool
	Evaluator   services.EvaluationService
	Submissions services.SubmissionService
	Sweeper     services.SweeperService

	TracingShutdown func(context.Context) error

	draining     atomic.Bool
	stopSweeper  context.CancelFunc
	shutdownOnce sync.Once
}

// ApplicationOption configures the Application
type ApplicationOption func(*Application) error

// WithLogger replaces the logger built from config.
func WithLogger(logger *slog.Logger) ApplicationOption {
	return func(app *Application) error {
		app.Logger = logger
		return nil
	}
}

// WithRedis uses an existing client instead of dialing cfg.RedisAddr.
func WithRedis(rdb *redis.Client) ApplicationOption {
	return func(app *Application) error {
		app.Redis = rdb
		return nil
	}
}

// NewLogger builds the process logger the way every codegrade binary logs.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "codegrade", "env", cfg.Env)
}

func NewApplication(cfg *config.Config, opts ...ApplicationOption) (*Application, error) {
	app := &Application{Config: cfg}
	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}
	if app.Logger == nil {
		app.Logger = NewLogger(cfg, os.Stdout)
		slog.SetDefault(app.Logger)
	}
	logger := app.Logger

	shutdownTracing, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.TracingShutdown = shutdownTracing

	if app.Redis == nil {
		app.Redis = providers.NewRedisProvider(cfg.RedisAddr, cfg.RedisPassword)
	}
	if err := providers.Ping(context.Background(), app.Redis); err != nil {
		logger.Warn("redis unreachable at startup; leases and rate limits fail open", "err", err)
	}

	ws, err := workspace.NewManager(cfg.WorkspaceRoot, logger)
	if err != nil {
		return nil, err
	}
	app.Workspaces = ws
	app.Locks = workspace.NewLocalLocker()

	var locker workspace.Locker = app.Locks
	if app.Redis != nil {
		lease := repository.NewWorkspaceLeaseRepository(app.Redis, time.Duration(cfg.WorkspaceLeaseSeconds)*time.Second, logger)
		locker = workspace.ChainLocker{app.Locks, lease}
		app.RateLimiter = ratelimit.NewTokenBucketLimiter(app.Redis)
	} else {
		app.RateLimiter = ratelimit.NewMemoryLimiter()
	}

	var execEnv []string
	if cfg.SecretDatasetPath != "" {
		execEnv = append(execEnv, "GRADER_DATASET_PATH="+cfg.SecretDatasetPath)
	}

	dispatcher := services.NewCallbackDispatcher(logger, services.CallbackOptions{
		Secret:        cfg.CallbackHmacSecret,
		Timeout:       cfg.CallbackTimeout(),
		MaxRetries:    cfg.CallbackMaxRetries,
		BackoffPolicy: cfg.CallbackBackoffPolicy,
		BackoffBase:   time.Duration(cfg.CallbackBackoffBaseSeconds) * time.Second,
		BackoffMax:    time.Duration(cfg.CallbackBackoffMaxSeconds) * time.Second,
	})
	app.Evaluator = services.NewEvaluationService(
		ws,
		archive.NewExtractor(archive.Options{MaxEntries: cfg.ArchiveMaxEntries, MaxBytes: cfg.ArchiveMaxBytes}),
		executor.New(executor.Options{Env: execEnv, Logger: logger}),
		dispatcher,
		logger,
		time.Now,
		services.EvaluationOptions{
			StatusUpdateURL: cfg.StatusUpdateURL,
			CompletionURL:   cfg.CompletionURL,
			Command:         cfg.GradingCommand,
			Timeout:         cfg.GradingTimeout(),
			DatasetPath:     cfg.SecretDatasetPath,
		},
	)

	app.Pool = worker.NewPool(cfg.MaxConcurrentJobs, cfg.JobQueueSize, logger, worker.WithFlushTimeout(cfg.ShutdownFlush()))
	app.Submissions, err = services.NewSubmissionService(cfg.UploadBaseDir, locker, app.Pool, app.Evaluator, logger, time.Now)
	if err != nil {
		return nil, err
	}
	app.Sweeper = services.NewSweeperService(ws, app.Locks.IsActive, logger, cfg.StaleWorkspaceSeconds, cfg.SweepIntervalSeconds, time.Now)

	metrics.RegisterWorkspaceCollector(workspaceStats{ws: ws, locks: app.Locks, pool: app.Pool}, logger)

	gin.SetMode(gin.ReleaseMode)
	if cfg.Env == "local" || cfg.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.LoggerMiddleware(logger), middleware.TracingMiddleware())
	app.Engine = engine

	return app, nil
}

// Start launches background maintenance. It returns immediately.
func (a *Application) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.stopSweeper = cancel
	go a.Sweeper.Start(ctx)
}

// Draining reports whether Shutdown has begun.
func (a *Application) Draining() bool { return a.draining.Load() }

// Shutdown stops intake and resolves in-flight jobs according to the
// configured shutdown mode, then flushes telemetry and closes redis.
func (a *Application) Shutdown(ctx context.Context) error {
	var err error
	a.shutdownOnce.Do(func() {
		a.draining.Store(true)
		abandon := a.Config.ShutdownMode == config.ShutdownAbandon
		a.Logger.Info("draining evaluation jobs", "mode", a.Config.ShutdownMode, "active", a.Pool.Active(), "queued", a.Pool.Queued())
		err = a.Pool.Shutdown(ctx, abandon)
		if a.stopSweeper != nil {
			a.stopSweeper()
		}
		if a.TracingShutdown != nil {
			if terr := a.TracingShutdown(ctx); terr != nil && !errors.Is(terr, context.DeadlineExceeded) {
				a.Logger.Warn("trace exporter flush failed", "err", terr)
			}
		}
		if a.Redis != nil {
			_ = a.Redis.Close()
		}
	})
	return err
}

type workspaceStats struct {
	ws    workspace.Manager
	locks *workspace.LocalLocker
	pool  *worker.Pool
}

func (s workspaceStats) OnDisk() (int, error) {
	entries, err := s.ws.List()
	return len(entries), err
}

func (s workspaceStats) Active() int { return len(s.locks.Active()) }
func (s workspaceStats) Queued() int { return s.pool.Queued() }

// Package app connects the stores and clients described by the config and
// builds the HTTP router. Both the server and the operator CLI start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ayush/open-deep-research/internal/auth"
	"github.com/ayush/open-deep-research/internal/benchmark"
	"github.com/ayush/open-deep-research/internal/config"
	"github.com/ayush/open-deep-research/internal/llm"
	"github.com/ayush/open-deep-research/internal/middleware"
	"github.com/ayush/open-deep-research/internal/observability"
	"github.com/ayush/open-deep-research/internal/research"
	"github.com/ayush/open-deep-research/internal/respond"
	"github.com/ayush/open-deep-research/internal/search"
	"github.com/ayush/open-deep-research/internal/store"
)

const (
	connectTimeout = 30 * time.Second
	closeTimeout   = 5 * time.Second
	sweepTimeout   = 30 * time.Second
	corsMaxAge     = 300

	// staleGrace is added to the pipeline timeout before a processing
	// record counts as abandoned.
	staleGrace = 5 * time.Minute
)

// App holds the connected dependencies.
type App struct {
	Config *config.Config
	Logger *zerolog.Logger

	Pool     *pgxpool.Pool
	Postgres *store.PostgresStore
	Redis    *redis.Client
	Mongo    *mongo.Client
	Files    *store.MinioStore
	Sessions *auth.SessionStore
	LLM      *llm.Client
	Runner   *research.Runner

	Research  *research.Service
	Benchmark *benchmark.Service
}

// NewLogger returns a console logger for local runs and a JSON logger otherwise.
func NewLogger(cfg *config.Config) *zerolog.Logger {
	var logger zerolog.Logger
	if cfg.IsLocal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "open-deep-research").Logger()
	}

	return &logger
}

// New connects every store, runs the migrations and assembles the services.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	if err := a.connect(ctx); err != nil {
		a.Close(0)
		return nil, err
	}

	runner, err := research.NewRunner(cfg.PipelineWorkers, cfg.PipelineTimeout, logger)
	if err != nil {
		a.Close(0)
		return nil, fmt.Errorf("create pipeline runner: %w", err)
	}
	a.Runner = runner

	if err := observability.RegisterPoolGauge(runner.Running); err != nil {
		logger.Warn().Err(err).Msg("register pipeline pool gauge")
	}

	a.LLM = llm.New(llm.Options{
		APIKey:  cfg.TogetherAPIKey,
		BaseURL: cfg.TogetherBaseURL,
		RPS:     cfg.LLMRateLimitRPS,
	}, logger)

	states := store.NewStateStore(a.Redis, cfg.StateTTL)
	a.Sessions = auth.NewSessionStore(a.Redis)

	a.Research = research.NewService(research.Deps{
		Store:  a.Postgres,
		States: states,
		Usage:  store.NewUsageStore(a.Redis),
		Files:  a.Files,
		Search: search.NewFirecrawl(cfg.FirecrawlAPIKey, cfg.FirecrawlBaseURL, cfg.SearchTimeout, logger),
		Runner: a.Runner,
		LLMFor: func(apiKey string) research.LLM { return a.LLM.WithAPIKey(apiKey) },
	}, research.Options{
		Models:     Models(cfg),
		MaxQueries: cfg.MaxQueries,
		DailyLimit: cfg.DailyResearchLimit,
	}, logger)

	a.Benchmark = benchmark.NewService(
		a.Postgres,
		states,
		store.NewMongoStore(a.Mongo.Database(cfg.MongoDB)),
		a.LLM,
		search.NewFetcher(cfg.WebFetchRPS, cfg.WebFetchTimeout),
		benchmark.Options{
			DefaultModels: cfg.BenchmarkModels,
			OutputDir:     cfg.BenchmarkOutputDir,
			SummaryModel:  cfg.SummaryModel,
			SpeedModel:    cfg.SpeedCompareModel,
		},
		logger,
	)

	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	cfg := a.Config

	pool, err := store.Connect(ctx, cfg.PostgresDSN, a.Logger)
	if err != nil {
		return err
	}
	a.Pool = pool
	a.Postgres = store.NewPostgresStore(pool, a.Logger)

	if err := a.Postgres.Migrate(ctx); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}

	if a.Redis, err = store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword); err != nil {
		return err
	}

	if a.Mongo, err = store.NewMongoClient(ctx, cfg.MongoURI); err != nil {
		return err
	}

	a.Files, err = store.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		return fmt.Errorf("minio connect: %w", err)
	}

	return nil
}

// SweepStale fails research left processing by a pipeline that no longer
// runs, once at startup and then every pipeline timeout until ctx is done.
func (a *App) SweepStale(ctx context.Context) {
	maxAge := a.Config.PipelineTimeout + staleGrace

	sweep := func() {
		sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()

		if _, err := a.Research.FailStale(sctx, maxAge); err != nil && ctx.Err() == nil {
			a.Logger.Error().Err(err).Msg("sweep stale research")
		}
	}

	sweep()

	interval := a.Config.PipelineTimeout
	if interval <= 0 {
		interval = staleGrace
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

// Models maps the configured model ids onto the pipeline roles.
func Models(cfg *config.Config) llm.Models {
	return llm.Models{
		Planning:  cfg.PlanningModel,
		JSON:      cfg.JSONModel,
		Summary:   cfg.SummaryModel,
		Answer:    cfg.AnswerModel,
		Image:     cfg.ImageModel,
		Available: cfg.AvailableModels,
	}
}

// Router builds the HTTP routes.
func (a *App) Router() http.Handler {
	requireAuth := middleware.RequireAuth(a.Sessions)
	requireAdmin := middleware.RequireAdmin(a.Postgres, a.Config.AdminEmails)

	authHandler := auth.NewHandler(a.Postgres, a.Sessions, a.Logger)
	researchHandler := research.NewHandler(a.Research, a.Logger)
	benchmarkHandler := benchmark.NewHandler(a.Benchmark, a.Logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(a.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           corsMaxAge,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/healthz", observability.Liveness)
	redisPing := observability.PingFunc(func(ctx context.Context) error {
		return a.Redis.Ping(ctx).Err()
	})
	mongoPing := observability.PingFunc(func(ctx context.Context) error {
		return a.Mongo.Ping(ctx, readpref.Primary())
	})
	r.Get("/readyz", observability.Readiness(map[string]observability.Pinger{
		"postgres": a.Postgres,
		"redis":    redisPing,
		"mongo":    mongoPing,
		"minio":    a.Files,
	}))
	r.Handle("/metrics", observability.MetricsHandler())

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.With(requireAuth).Get("/me", authHandler.Me)
	})

	r.Route("/api/research", func(r chi.Router) {
		r.Use(requireAuth)
		researchHandler.Routes(r)
	})

	r.With(requireAuth).Get("/api/usage", researchHandler.Usage)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth, requireAdmin)
		benchmarkHandler.Routes(r)
	})

	return r
}

// Close stops the pipeline pool, waiting up to timeout for running jobs, and
// then closes the connections.
func (a *App) Close(timeout time.Duration) {
	if a.Runner != nil {
		_ = a.Runner.Release(timeout)
	}

	if a.Mongo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.Mongo.Disconnect(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("mongo disconnect")
		}
		cancel()
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.Logger.Warn().Err(err).Msg("redis close")
		}
	}

	if a.Pool != nil {
		a.Pool.Close()
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"

	"github.com/aigoflow/taopulse/internal/cache"
	"github.com/aigoflow/taopulse/internal/config"
	"github.com/aigoflow/taopulse/internal/handlers"
	"github.com/aigoflow/taopulse/internal/persist"
	"github.com/aigoflow/taopulse/internal/repository"
	"github.com/aigoflow/taopulse/internal/services"
	"github.com/aigoflow/taopulse/internal/store"
	"github.com/aigoflow/taopulse/pkg/server"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := cli.App{
		Name:  "taopulse",
		Usage: "tao dividends API with a sentiment driven staking pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Usage:   "optional .env file to load",
				EnvVars: []string{"TAOPULSE_ENV_FILE"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "log at debug level",
				EnvVars: []string{"TAOPULSE_DEBUG"},
			},
		},
		Before: func(cctx *cli.Context) error {
			if cctx.Bool("debug") {
				slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				})))
			}
			return nil
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API, the pipeline and the persistor",
			Action: runServe,
		},
		{
			Name:      "records",
			Usage:     "print every stored record of one request",
			ArgsUsage: "<request_id>",
			Action:    runRecords,
		},
		{
			Name:   "events",
			Usage:  "print recent lifecycle events",
			Action: runEvents,
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "limit", Value: 50},
			},
		},
	}
	app.DefaultCommand = "serve"

	if err := app.Run(os.Args); err != nil {
		slog.Error("taopulse failed", "error", err)
		os.Exit(1)
	}
}

func runServe(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String("env"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	repo := repository.NewGormRepository(db)
	events := repo.Event()

	logEvent(ctx, events, "info", "startup", "Server starting", map[string]interface{}{
		"http_addr": cfg.HTTPAddr,
		"cache_ttl": cfg.CacheTTL.String(),
		"nats_url":  cfg.NatsURL,
	})

	persistor := persist.New(repo.Records(), &persist.Options{
		SaveInterval: cfg.SaveInterval,
		MaxQueueSize: cfg.MaxQueueSize,
	})

	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = services.ConnectNATS(cfg.NatsURL)
		if err != nil {
			logEvent(ctx, events, "error", "nats.failed", "NATS connection failed", map[string]interface{}{
				"nats_url": cfg.NatsURL,
				"error":    err.Error(),
			})
			return err
		}
		defer nc.Close()

		publisher := services.NewRecordPublisher(nc, cfg.RecordsSubjectPrefix)
		if err := publisher.EnsureStream(); err != nil {
			slog.Warn("JetStream unavailable, publishing records on core NATS", "error", err)
		}
		persistor.SetNotifier(publisher)
	}

	if err := persistor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start persistor: %w", err)
	}

	cacheOpts := &cache.Options{LocalSize: cfg.CacheLocalSize, TTL: cfg.CacheTTL}
	var answers *cache.Cache
	if cfg.RedisURL != "" {
		answers, err = cache.NewRedisCache(ctx, cfg.RedisURL, cacheOpts)
		if err != nil {
			return err
		}
	} else {
		answers = cache.NewLocalCache(cacheOpts)
	}
	defer answers.Close()

	snapshot, err := services.LoadSnapshot(cfg.DividendsFile)
	if err != nil {
		return err
	}

	var signals services.SignalSource = services.MockSignalSource{Count: cfg.TwitterCount}
	if !cfg.MockedTwitter {
		signals = services.NewTweetSearch(services.TweetSearchConfig{
			URL:     cfg.TwitterURL,
			Token:   cfg.TwitterToken,
			Count:   cfg.TwitterCount,
			RPS:     cfg.TwitterRPS,
			Timeout: cfg.StageTimeout,
		})
	}

	var scorer services.Scorer = services.StaticScorer{Verdict: cfg.MockedVerdict}
	if !cfg.MockedSentiment {
		scorer = services.NewLLMScorer(services.LLMScorerConfig{
			Token:   cfg.ChutesToken,
			BaseURL: cfg.ChutesURL,
			Model:   cfg.LLMModel,
			Timeout: cfg.StageTimeout,
		})
	}

	var executor services.Executor = services.DryRunExecutor{}
	if cfg.SignerURL != "" {
		executor = services.NewSignerExecutor(cfg.SignerURL, cfg.WalletHotkey, cfg.StageTimeout)
	}

	pipeline := services.NewPipeline(services.PipelineConfig{
		Signals:    signals,
		Scorer:     scorer,
		Executor:   executor,
		Recorder:   persistor,
		TradeScale: cfg.TradeScale,
	})

	dividends := services.NewDividendService(services.DividendServiceConfig{
		Source:        services.NewChainDividendSource(snapshot, cfg.StageTimeout),
		Cache:         answers,
		Pipeline:      pipeline,
		Recorder:      persistor,
		Records:       repo.Records(),
		CacheTTL:      cfg.CacheTTL,
		DefaultNetuid: cfg.DefaultNetuid,
		DefaultHotkey: cfg.DefaultHotkey,
	})

	monitoring := services.NewMonitoringService(nc, cfg.MonitoringSubject, cfg.BackpressureThreshold, persistor, pipeline)
	monitoring.Start(ctx)

	health := services.NewHealthService(services.HealthConfig{
		DB:               repo,
		Cache:            answers,
		Monitoring:       monitoring,
		NATS:             nc,
		HTTPAddr:         cfg.HTTPAddr,
		HeartbeatSubject: cfg.HeartbeatSubject,
		HealthSubject:    cfg.HealthSubject,
	})
	if err := health.Start(ctx); err != nil {
		slog.Warn("Health publisher not started", "error", err)
	}

	httpServer := server.NewServer(cfg.HTTPAddr,
		handlers.NewDividendsHandler(dividends),
		handlers.NewHealthHandler(health, events))

	logEvent(ctx, events, "info", "server.ready", "Server ready to accept requests", map[string]interface{}{
		"http_addr":     cfg.HTTPAddr,
		"cache_backend": answers.Backend(),
		"nats":          nc != nil,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Start()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		slog.Info("Shutting down server", "signal", s.String())
	case err := <-serveErr:
		if err != nil {
			logEvent(ctx, events, "error", "http.failed", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("HTTP server failed", "error", err)
		}
	}

	return shutdown(cfg.ShutdownGrace, httpServer, pipeline, persistor, events)
}

// shutdown stops intake, waits up to grace for detached pipeline runs and
// then drains the persistor.
func shutdown(grace time.Duration, httpServer *server.Server, pipeline *services.Pipeline, persistor *persist.Persistor, events repository.EventRepositoryInterface) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}

	if err := pipeline.Wait(ctx); err != nil {
		slog.Warn("Abandoning pipeline runs", "inflight", pipeline.Inflight(), "error", err)
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), grace)
	defer flushCancel()
	err := persistor.Stop(flushCtx)
	if err != nil {
		slog.Error("Final flush failed", "error", err)
	}

	logEvent(context.Background(), events, "info", "shutdown", "Server stopped", map[string]interface{}{
		"flush_ok": err == nil,
	})
	return err
}

func logEvent(ctx context.Context, events repository.EventRepositoryInterface, level, code, msg string, meta map[string]interface{}) {
	if err := events.LogEvent(ctx, level, code, msg, meta); err != nil {
		slog.Warn("Failed to record event", "code", code, "error", err)
	}
}

func runRecords(cctx *cli.Context) error {
	requestID := cctx.Args().First()
	if requestID == "" {
		return fmt.Errorf("need to provide a request id as an argument")
	}

	db, err := openDB(cctx)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := repository.NewGormRepository(db).Records().GetByRequestID(cctx.Context, requestID)
	if err != nil {
		return err
	}
	return printJSON(records)
}

func runEvents(cctx *cli.Context) error {
	db, err := openDB(cctx)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := repository.NewGormRepository(db).Event().RecentEvents(cctx.Context, cctx.Int("limit"))
	if err != nil {
		return err
	}
	return printJSON(events)
}

func openDB(cctx *cli.Context) (*store.DB, error) {
	cfg, err := config.Load(cctx.String("env"))
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(cctx.Context); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

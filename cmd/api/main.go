package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/audit"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/auth"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/calls"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/config"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/dids"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/httpapi"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/idempotency"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/inbound"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/metrics"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/reporting"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/routing"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/sentry"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/logger"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	out, logCloser := logger.Output(cfg.App.LogFile)
	log := logger.New(cfg.App.Env, out)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	publisher, amqpCloser, err := broadcaster(cfg.Events, rdb, log)
	if err != nil {
		log.Error("event broker init failed", "err", err)
		os.Exit(1)
	}
	defer amqpCloser.Close()

	m := metrics.New()
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	callRepo := calls.NewPostgresRepo(db)
	destinations := routing.NewPostgresStore(db)
	urls := routing.CallbackURLs{BaseURL: cfg.Twilio.WebhookBaseURL}
	sentryStore := sentry.NewPostgresStore(db)

	chain := sentry.NewInboundChain(sentryStore, sentry.NewRedisCounter(rdb), log,
		sentry.WithAuditor(auditSvc), sentry.WithRecorder(m))
	resolverOpts := []routing.ResolverOption{routing.WithAuditor(auditSvc), routing.WithRecorder(m)}
	if cfg.Pipeline.FallbackMessage != "" {
		resolverOpts = append(resolverOpts, routing.WithFallbackMessage(cfg.Pipeline.FallbackMessage))
	}
	resolver := routing.NewResolver(log, routing.DefaultStrategies(destinations, urls), resolverOpts...)

	pipeline := inbound.New(inbound.Deps{
		DIDs:          dids.NewCachedRepo(dids.NewPostgresRepo(db), cfg.Pipeline.DIDCacheSize, cfg.Pipeline.DIDCacheTTL),
		Gate:          idempotency.NewRedisGate(rdb, cfg.Pipeline.IdempotencyTTL),
		Sentry:        chain,
		Calls:         calls.NewMachine(callRepo, publisher, log, calls.WithRecorder(m)),
		Resolver:      resolver,
		Destinations:  destinations,
		URLs:          urls,
		Recorder:      m,
		Logger:        log,
		Budget:        cfg.Pipeline.Budget,
		DefaultRegion: cfg.Pipeline.DefaultRegion,
	})

	// Events whose immediate publish failed are retried from the outbox.
	go events.NewRelay(callRepo, publisher, log, events.WithGrace(cfg.Events.RelayGrace)).Run(rootCtx, cfg.Events.RelayInterval)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:      cfg,
		db:       db,
		metrics:  m,
		pipeline: pipeline,
		authMW:   auth.RequireAccessToken(authManager),
		api: httpapi.Handlers{
			Calls:   callRepo,
			Reports: reporting.NewService(reporting.CallLogSource{Calls: callRepo}),
			Audit:   auditSvc,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, logCloser, 2*time.Second)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// broadcaster publishes on Redis pub/sub, and also on the AMQP topic
// exchange when a broker is configured.
func broadcaster(cfg config.EventsConfig, rdb redis.Cmdable, log *slog.Logger) (events.Broadcaster, io.Closer, error) {
	redisPub := events.NewRedisBroadcaster(rdb)
	if cfg.AMQPURL == "" {
		return redisPub, nopCloser{}, nil
	}
	amqpPub, closer, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		return nil, nil, err
	}
	log.Info("amqp broadcaster enabled", "exchange", cfg.AMQPExchange)
	return events.Multi{redisPub, amqpPub}, closer, nil
}

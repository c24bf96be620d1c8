package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/berserk3142-max/trust-guard/audit"
	"github.com/berserk3142-max/trust-guard/config"
	"github.com/berserk3142-max/trust-guard/database"
	"github.com/berserk3142-max/trust-guard/guard"
	"github.com/berserk3142-max/trust-guard/handlers"
	"github.com/berserk3142-max/trust-guard/kafka"
	"github.com/berserk3142-max/trust-guard/logger"
	"github.com/berserk3142-max/trust-guard/metrics"
	"github.com/berserk3142-max/trust-guard/middleware"
	"github.com/berserk3142-max/trust-guard/moderation"
	"github.com/berserk3142-max/trust-guard/proxy"
	"github.com/berserk3142-max/trust-guard/ratelimiter"
	"github.com/berserk3142-max/trust-guard/repository"
	"github.com/berserk3142-max/trust-guard/spam"
	"github.com/berserk3142-max/trust-guard/store"
	"github.com/berserk3142-max/trust-guard/threat"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	counters := newCounterStore(ctx, cfg, log)
	defer counters.Close()

	healthChecks := map[string]handlers.Check{"counter_store": counters.Ping}

	var (
		sinks      audit.Fanout
		accounts   middleware.AccountLookup
		events     handlers.SecurityEventReader
		keys       handlers.KeyIssuer
		queue      moderation.QueueRepository = moderation.NewMemoryQueue()
		archive    threat.ReputationArchive
		auditStore *repository.AuditRepository
	)

	db, err := database.New(cfg.Postgres.DSN)
	if err != nil {
		log.WithError(err).Warn("postgres unavailable, running with in-memory queue and audit trail")
	} else {
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			log.WithError(err).Error("schema initialization failed")
		}

		auditStore = repository.NewAuditRepository(db.Conn())
		accountRepo := repository.NewAccountRepository(db.Conn())

		accounts = accountRepo
		events = auditStore
		keys = accountRepo
		queue = repository.NewModerationQueueRepository(db.Conn())
		archive = repository.NewIPReputationRepository(db.Conn())
		healthChecks["postgres"] = db.Ping

		log.Info("connected to postgres")
	}

	// With a consumer running, Postgres is fed from the topic instead of
	// being written twice.
	consuming := cfg.Kafka.Enabled && cfg.Kafka.Consume && auditStore != nil
	if auditStore != nil && !consuming {
		sinks = append(sinks, auditStore)
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, log)
		defer producer.Close()
		sinks = append(sinks, producer)

		if consuming {
			consumer := kafka.NewConsumer(cfg.Kafka, auditStore, log)
			defer consumer.Close()
			go func() {
				if err := consumer.Run(ctx); err != nil {
					log.WithError(err).Error("audit consumer stopped")
				}
			}()
		}
	}

	var sink audit.Sink = sinks
	if len(sinks) == 0 {
		log.Warn("no audit sink configured, security events are only logged")
		sink = audit.Nop{}
	}

	limiter := ratelimiter.New(counters, sink, cfg, log)

	analyzerOpts := []threat.Option{threat.WithAnomalyDetector(limiter)}
	if archive != nil {
		analyzerOpts = append(analyzerOpts, threat.WithArchive(archive))
	}
	analyzer, err := threat.New(counters, sink, cfg.Threat, log, analyzerOpts...)
	if err != nil {
		log.WithError(err).Fatal("failed to build threat analyzer")
	}

	scorer := spam.New(counters, sink, cfg.Spam, log)
	pipeline := moderation.New(scorer, queue, counters, cfg, log, moderation.WithReputation(analyzer))
	g := guard.New(limiter, analyzer, pipeline, log)

	requestLogs := middleware.NewRequestLogStore(1000)
	loggingMiddleware := middleware.NewLoggingMiddleware(log, requestLogs)
	authMiddleware := middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, accounts, log)
	guardMiddleware := middleware.NewGuardMiddleware(g, cfg.Server.MaxBodyBytes, log)

	healthHandler := handlers.NewHealthHandler(healthChecks)
	contentHandler := handlers.NewContentHandler(g, scorer, cfg.Server.MaxBodyBytes, log)
	adminHandler := handlers.NewAdminHandler(pipeline, analyzer, scorer, events, keys, requestLogs, log)

	adminMux := http.NewServeMux()
	adminHandler.Routes(adminMux)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.HealthCheck)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/admin/", authMiddleware.Authenticate(authMiddleware.RequireRole(middleware.RoleAdmin, adminMux)))

	contentHandler.Routes(mux, guardMiddleware.Protect(config.LimitAPI))

	reverseProxy, err := proxy.NewReverseProxy(cfg.Server.BackendURL, log)
	if err != nil {
		log.WithError(err).Fatal("failed to create reverse proxy")
	}
	mux.Handle("/api/auth/login", guardMiddleware.Protect(config.LimitLogin)(reverseProxy))
	mux.Handle("/api/search", guardMiddleware.Protect(config.LimitSearch)(reverseProxy))
	mux.Handle("/api/", guardMiddleware.Protect(config.LimitAPI)(reverseProxy))

	clientIPs, err := middleware.NewClientIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		log.WithError(err).Fatal("invalid trusted proxy list")
	}

	var handler http.Handler = mux
	handler = middleware.Fingerprint(handler)
	handler = authMiddleware.OptionalAuth(handler)
	handler = loggingMiddleware.Log(handler)
	handler = clientIPs.Middleware(handler)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("starting trust guard")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	log.Info("server exited")
}

// newCounterStore connects to Redis, or runs the in-process store with its
// janitor when the backend is "memory".
func newCounterStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) store.CounterStore {
	if cfg.Store.Backend == "memory" {
		s := store.NewMemoryStore()
		s.StartJanitor(ctx, cfg.Store.JanitorInterval)
		log.Info("using in-memory counter store")
		return s
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	s := store.NewRedisStore(client, store.RedisOptions{
		Timeout:         cfg.Store.Timeout,
		BreakerFailures: cfg.Store.BreakerFailures,
		BreakerTimeout:  cfg.Store.BreakerTimeout,
		UpdateRetries:   cfg.Store.UpdateRetries,
		Logger:          log,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis unreachable, rate limiting fails open until it recovers")
	}
	return s
}

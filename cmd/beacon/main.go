package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/noorsoft/beacon/internal/api"
	"github.com/noorsoft/beacon/internal/circuitbreaker"
	"github.com/noorsoft/beacon/internal/config"
	"github.com/noorsoft/beacon/internal/conn"
	"github.com/noorsoft/beacon/internal/dispatch"
	"github.com/noorsoft/beacon/internal/engine"
	"github.com/noorsoft/beacon/internal/ingest"
	"github.com/noorsoft/beacon/internal/metrics"
	"github.com/noorsoft/beacon/internal/observ"
	"github.com/noorsoft/beacon/internal/prefs"
	"github.com/noorsoft/beacon/internal/queue"
	"github.com/noorsoft/beacon/internal/redis"
	"github.com/noorsoft/beacon/internal/schedule"
	"github.com/noorsoft/beacon/internal/subs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon engine",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("version", "v1.0.0"),
	)

	ctx := context.Background()

	// Redis backs the change-stream transport, the durable event store and
	// producer rate limiting, so it is required at startup. The queue keeps
	// working in-memory if the store later degrades.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	rateLimiter := redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
		Limit:  cfg.RateLimit,
		Window: cfg.RateLimitWindow,
	})

	store := queue.NewRedisStoreFromClient(redisClient.RDB(), logger)
	q := queue.New(store, queue.Config{
		MaxRetries: cfg.MaxRetries,
		MaxAge:     cfg.MaxEventAge,
	}, logger)

	// Delivery preferences live in the profile service's postgres. Fall back
	// to defaults-only preferences when the database is unreachable.
	var provider prefs.Provider
	pgProvider, err := prefs.NewPGProvider(ctx, prefs.DBConfig{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, cfg.PrefsCacheTTL, logger)
	if err != nil {
		logger.Warn("preferences database unavailable, using defaults for all recipients",
			zap.Error(err),
			zap.String("host", cfg.DBHost),
		)
		provider = prefs.NewStaticProvider()
	} else {
		provider = pgProvider
		defer pgProvider.Close()
	}

	transport := conn.NewRedisTransport(redisClient.RDB(), logger)
	manager := conn.NewManager(transport, conn.Config{
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BaseDelay:         cfg.ReconnectBaseDelay,
		MaxDelay:          cfg.ReconnectMaxDelay,
		MaxAttempts:       cfg.ReconnectMaxAttempts,
	}, logger)

	registry := subs.NewRegistry(manager, q, logger)

	// Delivery sinks, each behind its own circuit breaker.
	var sinks []dispatch.Sink

	snsSink, err := dispatch.NewSNSSink(ctx, dispatch.SNSConfig{
		Region: cfg.SNSRegion,
	}, provider, logger)
	if err != nil {
		logger.Warn("SNS sink unavailable, push delivery disabled", zap.Error(err))
	} else {
		sinks = append(sinks, circuitbreaker.NewProtectedSink(
			snsSink, circuitbreaker.New(circuitbreaker.DefaultConfig("sns"), logger), logger))
	}

	sesSink, err := dispatch.NewSESSink(ctx, dispatch.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, provider, logger)
	if err != nil {
		logger.Warn("SES sink unavailable, email delivery disabled", zap.Error(err))
	} else {
		sinks = append(sinks, circuitbreaker.NewProtectedSink(
			sesSink, circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger), logger))
	}

	webhookSink := dispatch.NewWebhookSink(dispatch.WebhookConfig{
		Timeout: cfg.WebhookTimeout,
	}, provider, logger)
	sinks = append(sinks, circuitbreaker.NewProtectedSink(
		webhookSink, circuitbreaker.New(circuitbreaker.DefaultConfig("webhook"), logger), logger))

	if cfg.Env == "development" {
		// Catch-all so local runs deliver every channel without AWS creds.
		sinks = append(sinks, dispatch.NewLogSink(logger))
	}

	multiSink := dispatch.NewMultiSink(logger, sinks...)

	logger.Info("initialized delivery channels",
		zap.Bool("push_enabled", snsSink != nil),
		zap.Bool("email_enabled", sesSink != nil),
		zap.Bool("webhook_enabled", true),
	)

	dispatcher := dispatch.New(multiSink, q, dispatch.Config{
		Concurrency:     cfg.DispatchConcurrency,
		DeliveryTimeout: cfg.DispatchTimeout,
	}, logger)

	scheduler := schedule.New(q, provider, dispatcher, schedule.Config{
		TickInterval: cfg.TickInterval,
		BatchWindow:  cfg.BatchWindow,
	}, logger)

	// Optional SQS ingest for events produced outside the change-stream.
	var runners []engine.Runner
	if cfg.SQSQueueURL != "" {
		consumer, err := ingest.NewConsumer(ctx, ingest.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
		}, q, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable, external ingest disabled", zap.Error(err))
		} else {
			runners = append(runners, consumer)
		}
	}

	eng := engine.New(engine.Options{
		Manager:    manager,
		Registry:   registry,
		Queue:      q,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Runners:    runners,
	}, logger)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, eng)
	r.Route("/v1", func(r chi.Router) {
		// Rate limit producers, not end-user reads
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.ProducerKeyFunc))

		r.Post("/events", handler.CreateEvent)
		r.Get("/recipients/{id}/pending", handler.ListPending)
		r.Get("/connection", handler.GetConnection)
		r.Get("/metrics", handler.GetMetrics)

		r.Post("/subscriptions", handler.CreateSubscription)
		r.Delete("/subscriptions/{id}", handler.DeleteSubscription)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(httpCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Drain the engine: stop the scheduler, wait for in-flight
		// deliveries, persist the queue.
		engCtx, engCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer engCancel()
		eng.Shutdown(engCtx)

		logger.Info("server stopped gracefully")
	}

	return nil
}

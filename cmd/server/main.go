package main

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/jogardn/commission-desk/internal/api"
	"github.com/jogardn/commission-desk/internal/catalog"
	"github.com/jogardn/commission-desk/internal/circuitbreaker"
	"github.com/jogardn/commission-desk/internal/config"
	"github.com/jogardn/commission-desk/internal/conversations"
	"github.com/jogardn/commission-desk/internal/database"
	"github.com/jogardn/commission-desk/internal/events"
	"github.com/jogardn/commission-desk/internal/identity"
	"github.com/jogardn/commission-desk/internal/metrics"
	"github.com/jogardn/commission-desk/internal/orders"
	"github.com/jogardn/commission-desk/internal/ratelimit"
	"github.com/jogardn/commission-desk/internal/store/memory"
	"github.com/jogardn/commission-desk/internal/store/postgres"
	"github.com/jogardn/commission-desk/internal/websocket"
)

const messageStoreBreaker = "message-store"

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("log_level", cfg.LogLevel).Warn("Unknown log level, using info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []io.Closer

	// Storage
	var (
		orderRepo  orders.Repository
		threadRepo conversations.Repository
		db         *sql.DB
	)
	if cfg.Database.URL != "" {
		db, err = database.NewConnection(database.Config{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		closers = append(closers, db)
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(ctx, db, "up"); err != nil {
				logger.WithError(err).Fatal("Failed to apply migrations")
			}
		}
		orderRepo = postgres.NewOrderStore(db)
		threadRepo = postgres.NewConversationStore(db)
		logger.Info("Using Postgres store")
	} else {
		orderRepo = memory.NewOrderStore()
		threadRepo = memory.NewConversationStore()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	var itemCatalog orders.Catalog
	if cfg.Catalog.URL != "" {
		itemCatalog = catalog.NewClient(cfg.Catalog.URL, logger)
	} else {
		itemCatalog = catalog.NewMemory(catalog.DemoItems()...)
		logger.Warn("CATALOG_URL not set, using demo catalog")
	}

	// Services
	orderService, err := orders.NewService(orderRepo, itemCatalog, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create order service")
	}
	threads, err := conversations.NewService(threadRepo, orderService, orderService, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create conversation service")
	}
	orderService.SetThreadOpener(threads)

	auth, err := identity.NewJWTAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create authenticator")
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.New(registry)

	// Realtime gateway
	breakers := circuitbreaker.NewManager(logger)
	storeBreaker := breakers.GetOrCreate(messageStoreBreaker, circuitbreaker.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		MaxRequests: 1,
		IsFailure:   websocket.StoreFailure,
	})

	gateway, err := websocket.NewGateway(websocket.Config{
		PersistTimeout: cfg.Gateway.PersistTimeout,
		SendBuffer:     cfg.Gateway.SendBuffer,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, websocket.NewRegistry(), auth, threads, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create realtime gateway")
	}
	gateway.SetBreaker(storeBreaker)
	gateway.SetMetrics(appMetrics)

	var limiter *ratelimit.Limiter
	if cfg.Redis.URL != "" {
		limiter, err = ratelimit.New(ctx, ratelimit.Config{
			URL:    cfg.Redis.URL,
			Limit:  cfg.Redis.MessageRateLimit,
			Window: cfg.Redis.MessageWindow,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		closers = append(closers, limiter)
		gateway.SetRateLimiter(limiter)
	}

	// Domain events
	relay := events.NewStatusRelay(gateway, logger)
	var consumer *events.StatusChangeConsumer
	if cfg.Kafka.Enabled() {
		producer, err := events.NewKafkaProducer(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		closers = append(closers, producer)
		orderService.SetEventPublisher(producer)
		threads.SetEventPublisher(producer)

		consumer, err = events.NewStatusChangeConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, relay, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		closers = append(closers, consumer)
	} else {
		local := events.NewLocalPublisher(relay, logger)
		orderService.SetEventPublisher(local)
		threads.SetEventPublisher(local)
		logger.Warn("KAFKA_BROKERS not set, relaying events in process")
	}

	// HTTP
	handler := api.NewHandler(orderService, threads, auth, logger)
	handler.SetRoomBroadcaster(gateway)
	handler.SetBreakers(breakers)
	if db != nil {
		handler.AddHealthCheck("database", func(r *http.Request) error {
			return db.PingContext(r.Context())
		})
	}
	if limiter != nil {
		handler.AddHealthCheck("redis", func(r *http.Request) error {
			return limiter.Ping(r.Context())
		})
	}

	srv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: handler.Router(api.RouterConfig{
			Gateway:        gateway,
			Metrics:        appMetrics,
			Gatherer:       registry,
			AllowedOrigins: cfg.Gateway.AllowedOrigins,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if consumer != nil {
		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.WithError(err).Error("Status change consumer stopped")
			}
		}()
	}

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Starting commission desk")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	shutdownErr = multierr.Append(shutdownErr, srv.Shutdown(shutdownCtx))
	gateway.Close()
	for i := len(closers) - 1; i >= 0; i-- {
		shutdownErr = multierr.Append(shutdownErr, closers[i].Close())
	}
	if shutdownErr != nil {
		logger.WithError(shutdownErr).Error("Shutdown completed with errors")
		return
	}

	logger.Info("Server gracefully stopped")
}

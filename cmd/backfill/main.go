package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/backfill"
	"github.com/jogardn/commission-desk/internal/catalog"
	"github.com/jogardn/commission-desk/internal/config"
	"github.com/jogardn/commission-desk/internal/conversations"
	"github.com/jogardn/commission-desk/internal/database"
	"github.com/jogardn/commission-desk/internal/orders"
	"github.com/jogardn/commission-desk/internal/store/postgres"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	defaults := backfill.DefaultConfig()
	batchSize := flag.Int("batch-size", defaults.BatchSize, "orders per batch")
	concurrency := flag.Int("concurrency", defaults.Concurrency, "batches processed in parallel")
	delay := flag.Duration("delay", defaults.DelayBetween, "pause after each batch")
	dryRun := flag.Bool("dry-run", false, "report missing conversations without opening them")
	flag.Parse()

	cfg, err := config.LoadDatabase()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load database configuration")
	}

	db, err := database.NewConnection(database.Config{
		URL:             cfg.URL,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	orderStore := postgres.NewOrderStore(db)
	// backfill never prices orders, so an empty catalog is enough
	orderService, err := orders.NewService(orderStore, catalog.NewMemory(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create order service")
	}
	threads, err := conversations.NewService(postgres.NewConversationStore(db), orderService, orderService, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create conversation service")
	}

	backfiller := backfill.NewThreadBackfiller(orderStore, threads, logger)
	backfiller.SetConfig(backfill.Config{
		BatchSize:    *batchSize,
		Concurrency:  *concurrency,
		DelayBetween: *delay,
		DryRun:       *dryRun,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	result, err := backfiller.Run(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Thread backfill failed")
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	encoder.Encode(result)

	if result.Failed > 0 {
		db.Close()
		os.Exit(1)
	}
}

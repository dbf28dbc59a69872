// Package backfill opens the quote conversation for orders that predate
// automatic thread creation or whose thread failed to open.
package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/orders"
	"github.com/jogardn/commission-desk/pkg/models"
)

type OrderLister interface {
	List(ctx context.Context, filter orders.ListFilter) ([]models.Order, error)
}

type Threads interface {
	Get(ctx context.Context, orderID string) (*models.Conversation, error)
	GetOrCreate(ctx context.Context, orderID, customerName, customerEmail string) (*models.Conversation, error)
}

type Config struct {
	BatchSize    int
	Concurrency  int
	DelayBetween time.Duration
	DryRun       bool
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		Concurrency:  5,
		DelayBetween: 100 * time.Millisecond,
	}
}

type Result struct {
	TotalOrders    int           `json:"total_orders"`
	Opened         int           `json:"opened"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	ProcessingTime time.Duration `json:"processing_time"`
	Errors         []OrderError  `json:"errors"`
	DryRun         bool          `json:"dry_run"`
	Timestamp      time.Time     `json:"timestamp"`
}

type OrderError struct {
	OrderID   string    `json:"order_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type ThreadBackfiller struct {
	orders  OrderLister
	threads Threads
	config  Config
	logger  *logrus.Logger
}

func NewThreadBackfiller(orderLister OrderLister, threads Threads, logger *logrus.Logger) *ThreadBackfiller {
	return &ThreadBackfiller{
		orders:  orderLister,
		threads: threads,
		config:  DefaultConfig(),
		logger:  logger,
	}
}

func (b *ThreadBackfiller) SetConfig(config Config) {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	b.config = config
	b.logger.WithFields(logrus.Fields{
		"batch_size":  config.BatchSize,
		"concurrency": config.Concurrency,
		"dry_run":     config.DryRun,
	}).Info("Backfill configuration updated")
}

// Run opens a thread for every order that requires a quote and has none.
func (b *ThreadBackfiller) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	result := &Result{
		Errors:    []OrderError{},
		DryRun:    b.config.DryRun,
		Timestamp: start,
	}

	missing, err := b.findMissing(ctx)
	if err != nil {
		return nil, err
	}
	result.TotalOrders = len(missing)

	if len(missing) == 0 {
		b.logger.Info("Every quote order already has a conversation")
		result.ProcessingTime = time.Since(start)
		return result, nil
	}

	b.logger.WithField("count", len(missing)).Info("Orders identified for thread backfill")

	if b.config.DryRun {
		b.logger.Info("DRY RUN: would open conversations")
		result.Skipped = len(missing)
		result.ProcessingTime = time.Since(start)
		return result, nil
	}

	batches := b.createBatches(missing)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, b.config.Concurrency)
	resultChan := make(chan *Result, len(batches))

	for _, batch := range batches {
		wg.Add(1)
		go func(orderBatch []models.Order) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			resultChan <- b.processBatch(ctx, orderBatch)

			select {
			case <-time.After(b.config.DelayBetween):
			case <-ctx.Done():
			}
		}(batch)
	}

	wg.Wait()
	close(resultChan)

	for batchResult := range resultChan {
		mergeResults(result, batchResult)
	}
	result.Skipped += result.TotalOrders - result.Opened - result.Failed
	result.ProcessingTime = time.Since(start)

	b.logger.WithFields(logrus.Fields{
		"opened":   result.Opened,
		"failed":   result.Failed,
		"skipped":  result.Skipped,
		"duration": result.ProcessingTime,
	}).Info("Thread backfill completed")

	return result, nil
}

// Missing lists quote orders without a conversation.
func (b *ThreadBackfiller) Missing(ctx context.Context) ([]string, error) {
	missing, err := b.findMissing(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(missing))
	for _, order := range missing {
		ids = append(ids, order.ID)
	}
	return ids, nil
}

func (b *ThreadBackfiller) findMissing(ctx context.Context) ([]models.Order, error) {
	all, err := b.orders.List(ctx, orders.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	var missing []models.Order
	for _, order := range all {
		if !order.RequiresQuote() {
			continue
		}
		_, err := b.threads.Get(ctx, order.ID)
		switch {
		case err == nil:
		case apperrors.HasCode(err, apperrors.CodeThreadNotFound):
			missing = append(missing, order)
		default:
			return nil, fmt.Errorf("failed to check conversation for order %s: %w", order.ID, err)
		}
	}
	return missing, nil
}

func (b *ThreadBackfiller) createBatches(list []models.Order) [][]models.Order {
	var batches [][]models.Order
	for i := 0; i < len(list); i += b.config.BatchSize {
		end := i + b.config.BatchSize
		if end > len(list) {
			end = len(list)
		}
		batches = append(batches, list[i:end])
	}
	return batches
}

func (b *ThreadBackfiller) processBatch(ctx context.Context, batch []models.Order) *Result {
	result := &Result{Errors: []OrderError{}}

	for _, order := range batch {
		select {
		case <-ctx.Done():
			return result
		default:
		}

		_, err := b.threads.GetOrCreate(ctx, order.ID, order.Customer.Name, order.Customer.Email)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, OrderError{
				OrderID:   order.ID,
				Error:     err.Error(),
				Timestamp: time.Now(),
			})
			b.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to open conversation")
			continue
		}
		result.Opened++
		b.logger.WithField("order_id", order.ID).Debug("Opened conversation")
	}
	return result
}

func mergeResults(target, source *Result) {
	target.Opened += source.Opened
	target.Failed += source.Failed
	target.Skipped += source.Skipped
	target.Errors = append(target.Errors, source.Errors...)
}

package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/commission-desk/internal/store/memory"
	"github.com/jogardn/commission-desk/pkg/models"
)

type storeThreads struct {
	store *memory.ConversationStore

	mu      sync.Mutex
	failFor map[string]bool
	opened  []string
}

func (s *storeThreads) Get(ctx context.Context, orderID string) (*models.Conversation, error) {
	return s.store.Get(ctx, orderID)
}

func (s *storeThreads) GetOrCreate(ctx context.Context, orderID, name, email string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[orderID] {
		return nil, errors.New("store unavailable")
	}
	s.opened = append(s.opened, orderID)
	now := time.Now()
	return s.store.Create(ctx, &models.Conversation{OrderID: orderID, CustomerName: name, CustomerEmail: email, IsActive: true, CreatedAt: now, UpdatedAt: now})
}

func seedOrders(t *testing.T, store *memory.OrderStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	seed := []models.Order{
		{ID: "custom-1", HasCustomItems: true, Status: models.OrderStatusQuoteNeeded},
		{ID: "custom-2", HasCustomItems: true, Status: models.OrderStatusQuoted},
		{ID: "custom-3", HasCustomItems: true, Status: models.OrderStatusQuoteNeeded},
		{ID: "fixed-1", Status: models.OrderStatusPending},
	}
	for i := range seed {
		seed[i].Customer = models.Customer{Name: "Ada", Email: "ada@example.com"}
		seed[i].CreatedAt = now.Add(time.Duration(i) * time.Second)
		seed[i].UpdatedAt = seed[i].CreatedAt
		require.NoError(t, store.Create(ctx, &seed[i]))
	}
}

func newTestBackfiller(t *testing.T) (*ThreadBackfiller, *storeThreads) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	orderStore := memory.NewOrderStore()
	seedOrders(t, orderStore)

	threads := &storeThreads{store: memory.NewConversationStore(), failFor: map[string]bool{}}
	_, err := threads.GetOrCreate(context.Background(), "custom-2", "Ada", "ada@example.com")
	require.NoError(t, err)
	threads.opened = nil

	b := NewThreadBackfiller(orderStore, threads, logger)
	b.SetConfig(Config{BatchSize: 1, Concurrency: 2})
	return b, threads
}

func TestRunOpensMissingThreads(t *testing.T) {
	b, threads := newTestBackfiller(t)

	result, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalOrders)
	assert.Equal(t, 2, result.Opened)
	assert.Equal(t, 0, result.Failed)
	assert.ElementsMatch(t, []string{"custom-1", "custom-3"}, threads.opened)

	missing, err := b.Missing(context.Background())
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRunDryRunChangesNothing(t *testing.T) {
	b, threads := newTestBackfiller(t)
	b.SetConfig(Config{BatchSize: 10, Concurrency: 1, DryRun: true})

	result, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, 2, result.Skipped)
	assert.Empty(t, threads.opened)
}

func TestRunRecordsFailures(t *testing.T) {
	b, threads := newTestBackfiller(t)
	threads.failFor["custom-3"] = true

	result, err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Opened)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "custom-3", result.Errors[0].OrderID)

	missing, err := b.Missing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"custom-3"}, missing)
}

func TestCreateBatches(t *testing.T) {
	b := &ThreadBackfiller{config: Config{BatchSize: 2}}
	batches := b.createBatches(make([]models.Order, 5))

	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 1)
}

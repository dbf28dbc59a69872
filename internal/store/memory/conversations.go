package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/pkg/models"
)

type ConversationStore struct {
	threads map[string]*models.Conversation
	mutex   sync.RWMutex
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{
		threads: make(map[string]*models.Conversation),
	}
}

func (s *ConversationStore) Create(_ context.Context, thread *models.Conversation) (*models.Conversation, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, ok := s.threads[thread.OrderID]; ok {
		return cloneThread(existing), nil
	}
	stored := cloneThread(thread)
	if stored.Messages == nil {
		stored.Messages = []models.Message{}
	}
	s.threads[thread.OrderID] = stored
	return cloneThread(stored), nil
}

func (s *ConversationStore) Get(_ context.Context, orderID string) (*models.Conversation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	thread, ok := s.threads[orderID]
	if !ok {
		return nil, threadNotFound(orderID)
	}
	return cloneThread(thread), nil
}

func (s *ConversationStore) AppendMessage(_ context.Context, orderID string, msg models.Message) (*models.Message, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	thread, ok := s.threads[orderID]
	if !ok {
		return nil, threadNotFound(orderID)
	}
	if thread.LastMessageAt != nil && msg.Timestamp.Before(*thread.LastMessageAt) {
		msg.Timestamp = *thread.LastMessageAt
	}
	thread.Messages = append(thread.Messages, msg)
	at := msg.Timestamp
	thread.LastMessageAt = &at
	thread.UpdatedAt = at
	return &msg, nil
}

func (s *ConversationStore) MarkRead(_ context.Context, orderID string, reader models.Party) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	thread, ok := s.threads[orderID]
	if !ok {
		return 0, threadNotFound(orderID)
	}
	return thread.MarkReadBy(reader), nil
}

func (s *ConversationStore) SetActive(_ context.Context, orderID string, active bool) (*models.Conversation, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	thread, ok := s.threads[orderID]
	if !ok {
		return nil, threadNotFound(orderID)
	}
	thread.IsActive = active
	return cloneThread(thread), nil
}

func (s *ConversationStore) List(_ context.Context, activeOnly bool) ([]models.ConversationSummary, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	threads := make([]*models.Conversation, 0, len(s.threads))
	for _, thread := range s.threads {
		if activeOnly && !thread.IsActive {
			continue
		}
		threads = append(threads, thread)
	}
	sort.Slice(threads, func(i, j int) bool {
		return lastActivity(threads[i]).After(lastActivity(threads[j]))
	})

	out := make([]models.ConversationSummary, 0, len(threads))
	for _, thread := range threads {
		summary := thread.Summary()
		if summary.LastMessageAt != nil {
			at := *summary.LastMessageAt
			summary.LastMessageAt = &at
		}
		out = append(out, summary)
	}
	return out, nil
}

func lastActivity(thread *models.Conversation) time.Time {
	if thread.LastMessageAt != nil {
		return *thread.LastMessageAt
	}
	return thread.CreatedAt
}

func threadNotFound(orderID string) error {
	return apperrors.Newf(apperrors.CodeThreadNotFound, "conversation for order %s not found", orderID)
}

func cloneThread(thread *models.Conversation) *models.Conversation {
	out := *thread
	out.Messages = append([]models.Message(nil), thread.Messages...)
	if out.Messages == nil {
		out.Messages = []models.Message{}
	}
	return &out
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/database"
	"github.com/jogardn/commission-desk/pkg/models"
)

const threadColumns = `order_id, customer_name, customer_email, last_message_at, is_active, created_at, updated_at`

const messageColumns = `order_id, id, sender, content, sent_at, is_quote, quote_amount, is_read`

type ConversationStore struct {
	db   *sql.DB
	opts database.TxOptions
}

func NewConversationStore(db *sql.DB) *ConversationStore {
	return &ConversationStore{db: db, opts: database.DefaultTxOptions()}
}

// Create inserts the thread unless one exists for the order and returns
// whichever thread is stored.
func (s *ConversationStore) Create(ctx context.Context, thread *models.Conversation) (*models.Conversation, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+threadColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (order_id) DO NOTHING`,
		thread.OrderID,
		thread.CustomerName,
		thread.CustomerEmail,
		thread.LastMessageAt,
		thread.IsActive,
		thread.CreatedAt,
		thread.UpdatedAt,
	)
	if err != nil {
		if database.ClassifyError(err) == database.ErrorClassForeignKeyViolation {
			return nil, apperrors.Newf(apperrors.CodeOrderNotFound, "order %s not found", thread.OrderID)
		}
		return nil, storeError("create conversation", err)
	}
	return s.Get(ctx, thread.OrderID)
}

func (s *ConversationStore) Get(ctx context.Context, orderID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM conversations WHERE order_id = $1`, orderID)
	thread, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, threadNotFound(orderID)
		}
		return nil, storeError("get conversation", err)
	}

	byOrder, err := s.loadMessages(ctx, []string{orderID})
	if err != nil {
		return nil, err
	}
	thread.Messages = byOrder[orderID]
	if thread.Messages == nil {
		thread.Messages = []models.Message{}
	}
	return thread, nil
}

// AppendMessage locks the thread so concurrent appends see each other's
// timestamps; a message is never stamped earlier than the one before it.
func (s *ConversationStore) AppendMessage(ctx context.Context, orderID string, msg models.Message) (*models.Message, error) {
	// timestamptz keeps microseconds
	msg.Timestamp = msg.Timestamp.UTC().Truncate(time.Microsecond)

	err := database.WithRetry(ctx, s.db, s.opts, func(tx *sql.Tx) error {
		var last sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT last_message_at FROM conversations WHERE order_id = $1 FOR UPDATE`,
			orderID).Scan(&last)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return threadNotFound(orderID)
			}
			return fmt.Errorf("lock conversation %s: %w", orderID, err)
		}

		if last.Valid && msg.Timestamp.Before(last.Time) {
			msg.Timestamp = last.Time
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			orderID,
			msg.ID,
			msg.Sender,
			msg.Content,
			msg.Timestamp,
			msg.IsQuote,
			nullDecimal(msg.QuoteAmount),
			msg.IsRead,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_at = $2, updated_at = $2 WHERE order_id = $1`,
			orderID, msg.Timestamp)
		if err != nil {
			return fmt.Errorf("touch conversation %s: %w", orderID, err)
		}
		return nil
	})
	if err != nil {
		return nil, storeError("append message", err)
	}
	return &msg, nil
}

// MarkRead flags every unread message sent by the party opposite reader.
func (s *ConversationStore) MarkRead(ctx context.Context, orderID string, reader models.Party) (int, error) {
	var marked int64

	err := database.WithRetry(ctx, s.db, s.opts, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM conversations WHERE order_id = $1)`,
			orderID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check conversation %s: %w", orderID, err)
		}
		if !exists {
			return threadNotFound(orderID)
		}

		result, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_read = TRUE
			 WHERE order_id = $1 AND sender = $2 AND NOT is_read`,
			orderID, reader.Opposite())
		if err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		marked, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, storeError("mark read", err)
	}
	return int(marked), nil
}

func (s *ConversationStore) SetActive(ctx context.Context, orderID string, active bool) (*models.Conversation, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active = $2, updated_at = $3 WHERE order_id = $1`,
		orderID, active, time.Now().UTC())
	if err != nil {
		return nil, storeError("set conversation active", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, storeError("set conversation active", err)
	}
	if n == 0 {
		return nil, threadNotFound(orderID)
	}
	return s.Get(ctx, orderID)
}

// List returns thread summaries by most recent activity. Counts are
// aggregated in SQL so the inbox never loads message bodies.
func (s *ConversationStore) List(ctx context.Context, activeOnly bool) ([]models.ConversationSummary, error) {
	query := `SELECT c.order_id, c.customer_name, c.customer_email, c.last_message_at, c.is_active,
			COUNT(m.seq),
			COUNT(m.seq) FILTER (WHERE m.sender = $1 AND NOT m.is_read)
		FROM conversations c
		LEFT JOIN messages m ON m.order_id = c.order_id`
	if activeOnly {
		query += ` WHERE c.is_active`
	}
	query += ` GROUP BY c.order_id ORDER BY COALESCE(c.last_message_at, c.created_at) DESC`

	// admins read what customers send
	rows, err := s.db.QueryContext(ctx, query, models.PartyAdmin.Opposite())
	if err != nil {
		return nil, storeError("list conversations", err)
	}
	defer rows.Close()

	summaries := []models.ConversationSummary{}
	for rows.Next() {
		var (
			summary models.ConversationSummary
			last    sql.NullTime
		)
		err := rows.Scan(
			&summary.OrderID,
			&summary.CustomerName,
			&summary.CustomerEmail,
			&last,
			&summary.IsActive,
			&summary.MessageCount,
			&summary.UnreadByAdmin,
		)
		if err != nil {
			return nil, storeError("scan conversation summary", err)
		}
		if last.Valid {
			at := last.Time.UTC()
			summary.LastMessageAt = &at
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list conversations", err)
	}
	return summaries, nil
}

func (s *ConversationStore) loadMessages(ctx context.Context, orderIDs []string) (map[string][]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE order_id = ANY($1) ORDER BY seq`,
		pq.Array(orderIDs))
	if err != nil {
		return nil, storeError("load messages", err)
	}
	defer rows.Close()

	out := make(map[string][]models.Message, len(orderIDs))
	for rows.Next() {
		var (
			orderID string
			msg     models.Message
			amount  decimal.NullDecimal
		)
		err := rows.Scan(
			&orderID,
			&msg.ID,
			&msg.Sender,
			&msg.Content,
			&msg.Timestamp,
			&msg.IsQuote,
			&amount,
			&msg.IsRead,
		)
		if err != nil {
			return nil, storeError("scan message", err)
		}
		if amount.Valid {
			msg.QuoteAmount = &amount.Decimal
		}
		out[orderID] = append(out[orderID], msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("load messages", err)
	}
	return out, nil
}

func scanThread(row scanner) (*models.Conversation, error) {
	var (
		thread models.Conversation
		last   sql.NullTime
	)
	err := row.Scan(
		&thread.OrderID,
		&thread.CustomerName,
		&thread.CustomerEmail,
		&last,
		&thread.IsActive,
		&thread.CreatedAt,
		&thread.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		at := last.Time
		thread.LastMessageAt = &at
	}
	return &thread, nil
}

func threadNotFound(orderID string) error {
	return apperrors.Newf(apperrors.CodeThreadNotFound, "conversation for order %s not found", orderID)
}

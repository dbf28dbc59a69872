package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Conversation is the durable message thread attached to a single order.
type Conversation struct {
	OrderID       string     `json:"order_id"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	Messages      []Message  `json:"messages"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	IsActive      bool       `json:"is_active"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Message struct {
	ID          string           `json:"id"`
	Sender      Party            `json:"sender"`
	Content     string           `json:"content"`
	Timestamp   time.Time        `json:"timestamp"`
	IsQuote     bool             `json:"is_quote"`
	QuoteAmount *decimal.Decimal `json:"quote_amount,omitempty"`
	IsRead      bool             `json:"is_read"`
}

// UnreadCount returns the number of messages the given party has not read,
// that is, unread messages sent by the other party.
func (c *Conversation) UnreadCount(forParty Party) int {
	other := forParty.Opposite()
	count := 0
	for _, m := range c.Messages {
		if m.Sender == other && !m.IsRead {
			count++
		}
	}
	return count
}

// MarkReadBy flags every unread message from the reader's counterpart as
// read and returns how many changed.
func (c *Conversation) MarkReadBy(reader Party) int {
	other := reader.Opposite()
	marked := 0
	for i := range c.Messages {
		if c.Messages[i].Sender == other && !c.Messages[i].IsRead {
			c.Messages[i].IsRead = true
			marked++
		}
	}
	return marked
}

// ConversationSummary is the admin attention view of a thread.
type ConversationSummary struct {
	OrderID       string     `json:"order_id"`
	CustomerName  string     `json:"customer_name"`
	CustomerEmail string     `json:"customer_email"`
	MessageCount  int        `json:"message_count"`
	UnreadByAdmin int        `json:"unread_by_admin"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	IsActive      bool       `json:"is_active"`
}

func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		OrderID:       c.OrderID,
		CustomerName:  c.CustomerName,
		CustomerEmail: c.CustomerEmail,
		MessageCount:  len(c.Messages),
		UnreadByAdmin: c.UnreadCount(PartyAdmin),
		LastMessageAt: c.LastMessageAt,
		IsActive:      c.IsActive,
	}
}

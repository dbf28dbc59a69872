package websocket

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jogardn/commission-desk/pkg/models"
)

// Inbound event types.
const (
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventSendMessage  = "send_message"
	EventMessageRead  = "message_read"
	EventStatusUpdate = "status_update"
)

// Outbound event types.
const (
	EventConnected          = "connected"
	EventRoomJoined         = "room_joined"
	EventRoomLeft           = "room_left"
	EventUserJoinedRoom     = "user_joined_room"
	EventUserLeftRoom       = "user_left_room"
	EventUserTyping         = "user_typing"
	EventUserStoppedTyping  = "user_stopped_typing"
	EventNewMessage         = "new_message"
	EventMessageSent        = "message_sent"
	EventMessageError       = "message_error"
	EventUserStatusUpdate   = "user_status_update"
	EventOrderStatusChanged = "order_status_changed"
	EventError              = "error"
)

const (
	leaveReasonLeft         = "left"
	leaveReasonDisconnected = "disconnected"
)

// Message is the outbound envelope written to clients.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

func newMessage(eventType string, data interface{}) Message {
	return Message{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type roomPayload struct {
	OrderID string `json:"order_id"`
}

type sendMessagePayload struct {
	OrderID     string           `json:"order_id"`
	Content     string           `json:"content"`
	IsQuote     bool             `json:"is_quote"`
	QuoteAmount *decimal.Decimal `json:"quote_amount,omitempty"`
	ClientRef   string           `json:"client_ref,omitempty"`
}

type messageReadPayload struct {
	OrderID   string `json:"order_id"`
	MessageID string `json:"message_id"`
}

type statusUpdatePayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Participant identifies the user behind a connection in outbound events.
type Participant struct {
	UserID   string       `json:"user_id"`
	Username string       `json:"username"`
	UserType models.Party `json:"user_type"`
}

type roomEvent struct {
	OrderID string `json:"order_id"`
	Participant
	Reason string `json:"reason,omitempty"`
}

type roomAck struct {
	OrderID string `json:"order_id"`
	Room    string `json:"room"`
}

type newMessageEvent struct {
	OrderID string          `json:"order_id"`
	Message *models.Message `json:"message"`
}

type messageSentEvent struct {
	OrderID   string `json:"order_id"`
	MessageID string `json:"message_id"`
	ClientRef string `json:"client_ref,omitempty"`
}

type messageErrorEvent struct {
	OrderID   string `json:"order_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	ClientRef string `json:"client_ref,omitempty"`
}

type messageReadEvent struct {
	OrderID   string `json:"order_id"`
	MessageID string `json:"message_id"`
	Participant
}

type presenceEvent struct {
	OrderID string                `json:"order_id"`
	Status  models.PresenceStatus `json:"status"`
	Participant
}

// StatusChange is relayed into an order room when the order moves.
type StatusChange struct {
	OrderID        string             `json:"order_id"`
	PreviousStatus models.OrderStatus `json:"previous_status"`
	Status         models.OrderStatus `json:"status"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

type errorEvent struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

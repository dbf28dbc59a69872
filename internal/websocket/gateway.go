// Package websocket is the realtime gateway: authenticated connections, order
// rooms, typing and presence signals, and chat messages that are stored before
// they are broadcast.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/circuitbreaker"
	"github.com/jogardn/commission-desk/internal/conversations"
	"github.com/jogardn/commission-desk/internal/identity"
	"github.com/jogardn/commission-desk/internal/metrics"
	"github.com/jogardn/commission-desk/pkg/models"
)

const (
	defaultPersistTimeout = 5 * time.Second
	defaultSendBuffer     = 256
)

// MessageStore is the durable side of chat. conversations.Service satisfies it.
type MessageStore interface {
	AppendMessage(ctx context.Context, orderID string, sender models.Party, content string, opts conversations.QuoteOptions) (*models.Message, error)
	MarkRead(ctx context.Context, orderID string, reader models.Party) (int, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
}

type Config struct {
	PersistTimeout time.Duration
	SendBuffer     int
	// AllowedOrigins restricts browser origins; empty or "*" allows all.
	AllowedOrigins []string
}

type Gateway struct {
	config   Config
	registry *Registry
	auth     identity.Authenticator
	store    MessageStore
	breaker  *circuitbreaker.CircuitBreaker
	limiter  RateLimiter
	metrics  *metrics.Metrics
	handlers map[string]func(*Client, json.RawMessage)
	upgrader websocket.Upgrader
	logger   *logrus.Logger
}

func NewGateway(config Config, registry *Registry, auth identity.Authenticator, store MessageStore, logger *logrus.Logger) (*Gateway, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if auth == nil {
		return nil, errors.New("authenticator is required")
	}
	if store == nil {
		return nil, errors.New("message store is required")
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaultPersistTimeout
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}

	g := &Gateway{
		config:   config,
		registry: registry,
		auth:     auth,
		store:    store,
		logger:   logger,
	}
	g.handlers = map[string]func(*Client, json.RawMessage){
		EventJoinRoom:     g.handleJoin,
		EventLeaveRoom:    g.handleLeave,
		EventTypingStart:  func(c *Client, raw json.RawMessage) { g.handleTyping(c, raw, EventUserTyping) },
		EventTypingStop:   func(c *Client, raw json.RawMessage) { g.handleTyping(c, raw, EventUserStoppedTyping) },
		EventSendMessage:  g.handleSendMessage,
		EventMessageRead:  g.handleMessageRead,
		EventStatusUpdate: g.handleStatusUpdate,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

// SetBreaker guards store calls with cb.
func (g *Gateway) SetBreaker(cb *circuitbreaker.CircuitBreaker) {
	g.breaker = cb
}

func (g *Gateway) SetRateLimiter(limiter RateLimiter) {
	g.limiter = limiter
}

func (g *Gateway) SetMetrics(m *metrics.Metrics) {
	g.metrics = m
}

func (g *Gateway) Registry() *Registry {
	return g.registry
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeWS authenticates the request and only then upgrades it.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	id, err := g.auth.Authenticate(r.Context(), identity.Credential(r))
	if err != nil {
		g.logger.WithError(err).WithField("remote_addr", r.RemoteAddr).Warn("Rejected WebSocket connection")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error": map[string]string{
				"code":    string(apperrors.CodeUnauthorized),
				"message": "authentication required",
			},
		})
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	c := newClient(g, conn, id)
	g.connect(c)

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) connect(c *Client) {
	count := g.registry.Register(c)
	g.metrics.SetConnections(count)
	c.logger.WithField("client_count", count).Info("Client connected")

	c.enqueue(newMessage(EventConnected, struct {
		ConnectionID string `json:"connection_id"`
		Participant
	}{ConnectionID: c.id, Participant: c.participant()}))
}

func (g *Gateway) disconnect(c *Client) {
	rooms, ok := g.registry.Unregister(c)
	if !ok {
		return
	}
	for _, room := range rooms {
		g.broadcast(room, newMessage(EventUserLeftRoom, roomEvent{
			OrderID:     strings.TrimPrefix(room, roomPrefix),
			Participant: c.participant(),
			Reason:      leaveReasonDisconnected,
		}), c)
	}
	g.metrics.SetConnections(g.registry.ConnectionCount())
	g.metrics.SetRooms(g.registry.RoomCount())
	c.logger.WithFields(logrus.Fields{
		"rooms_left":   len(rooms),
		"client_count": g.registry.ConnectionCount(),
	}).Info("Client disconnected")
}

// Close disconnects every client.
func (g *Gateway) Close() {
	for _, c := range g.registry.Clients() {
		c.close()
	}
}

// dispatch handles one inbound event to completion. Failures are reported to
// c only and never close the connection.
func (g *Gateway) dispatch(c *Client, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		g.fail(c, "", apperrors.Validation("malformed event"))
		return
	}
	handler, ok := g.handlers[in.Type]
	if !ok {
		g.metrics.IncEvent("unknown")
		g.fail(c, "", apperrors.Newf(apperrors.CodeValidation, "unknown event type %q", in.Type))
		return
	}
	g.metrics.IncEvent(in.Type)
	handler(c, in.Data)
}

func (g *Gateway) handleJoin(c *Client, raw json.RawMessage) {
	var p roomPayload
	orderID, err := decodeOrderID(raw, &p, &p.OrderID)
	if err != nil {
		g.fail(c, EventJoinRoom, err)
		return
	}

	room := RoomName(orderID)
	g.registry.Join(room, c)
	g.metrics.SetRooms(g.registry.RoomCount())

	g.broadcast(room, newMessage(EventUserJoinedRoom, roomEvent{OrderID: orderID, Participant: c.participant()}), c)
	c.enqueue(newMessage(EventRoomJoined, roomAck{OrderID: orderID, Room: room}))
	c.logger.WithField("room", room).Debug("Joined room")
}

func (g *Gateway) handleLeave(c *Client, raw json.RawMessage) {
	var p roomPayload
	orderID, err := decodeOrderID(raw, &p, &p.OrderID)
	if err != nil {
		g.fail(c, EventLeaveRoom, err)
		return
	}

	room := RoomName(orderID)
	if g.registry.Leave(room, c) {
		g.metrics.SetRooms(g.registry.RoomCount())
		g.broadcast(room, newMessage(EventUserLeftRoom, roomEvent{
			OrderID:     orderID,
			Participant: c.participant(),
			Reason:      leaveReasonLeft,
		}), c)
	}
	c.enqueue(newMessage(EventRoomLeft, roomAck{OrderID: orderID, Room: room}))
}

func (g *Gateway) handleTyping(c *Client, raw json.RawMessage, outbound string) {
	var p roomPayload
	orderID, err := decodeOrderID(raw, &p, &p.OrderID)
	if err != nil {
		return
	}
	g.broadcast(RoomName(orderID), newMessage(outbound, roomEvent{OrderID: orderID, Participant: c.participant()}), c)
}

func (g *Gateway) handleSendMessage(c *Client, raw json.RawMessage) {
	var p sendMessagePayload
	orderID, err := decodeOrderID(raw, &p, &p.OrderID)
	if err != nil {
		g.messageError(c, orderID, p.ClientRef, err)
		return
	}

	if err := g.checkRate(c); err != nil {
		g.messageError(c, orderID, p.ClientRef, err)
		return
	}

	opts := conversations.QuoteOptions{IsQuote: p.IsQuote, QuoteAmount: p.QuoteAmount}
	var stored *models.Message
	start := time.Now()
	err = g.persist(func(ctx context.Context) error {
		msg, err := g.store.AppendMessage(ctx, orderID, c.identity.UserType, p.Content, opts)
		if err != nil {
			return err
		}
		stored = msg
		return nil
	})
	g.metrics.ObservePersist(time.Since(start))
	if err != nil {
		g.messageError(c, orderID, p.ClientRef, err)
		return
	}

	g.broadcast(RoomName(orderID), newMessage(EventNewMessage, newMessageEvent{OrderID: orderID, Message: stored}), nil)
	c.enqueue(newMessage(EventMessageSent, messageSentEvent{
		OrderID:   orderID,
		MessageID: stored.ID,
		ClientRef: p.ClientRef,
	}))
}

func (g *Gateway) checkRate(c *Client) error {
	if g.limiter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.config.PersistTimeout)
	defer cancel()

	allowed, err := g.limiter.Allow(ctx, EventSendMessage+":"+c.identity.UserID)
	if err != nil {
		c.logger.WithError(err).Warn("Rate limiter unavailable, allowing message")
		return nil
	}
	if !allowed {
		return apperrors.New(apperrors.CodeRateLimited, "too many messages, slow down")
	}
	return nil
}

func (g *Gateway) handleMessageRead(c *Client, raw json.RawMessage) {
	var p messageReadPayload
	orderID, err := decodeOrderID(raw, &p, &p.OrderID)
	if err == nil && strings.TrimSpace(p.MessageID) == "" {
		err = apperrors.Validation("message_id is required")
	}
	if err != nil {
		g.fail(c, EventMessageRead, err)
		return
	}

	g.broadcast(RoomName(orderID), newMessage(EventMessageRead, messageReadEvent{
		OrderID:     orderID,
		MessageID:   p.MessageID,
		Participant: c.participant(),
	}), c)

	err = g.persist(func(ctx context.Context) error {
		_, err := g.store.MarkRead(ctx, orderID, c.identity.UserType)
		return err
	})
	if err != nil {
		g.fail(c, EventMessageRead, err)
	}
}

func (g *Gateway) handleStatusUpdate(c *Client, raw json.RawMessage) {
	var p statusUpdatePayload
	orderID, err := decodeOrderID(raw, &p, &p.OrderID)
	if err != nil {
		g.fail(c, EventStatusUpdate, err)
		return
	}
	status, err := models.ParsePresenceStatus(p.Status)
	if err != nil {
		g.fail(c, EventStatusUpdate, apperrors.Wrap(apperrors.CodeValidation, err, "status must be online, away or offline"))
		return
	}

	g.broadcast(RoomName(orderID), newMessage(EventUserStatusUpdate, presenceEvent{
		OrderID:     orderID,
		Status:      status,
		Participant: c.participant(),
	}), c)
}

// StoreFailure reports whether err means the message store itself is
// unhealthy. Rejected input and other permanent errors from one client do
// not count, so they cannot open a breaker shared by every room.
func StoreFailure(err error) bool {
	if apperrors.As(err) == nil {
		return true
	}
	return apperrors.KindOf(err) == apperrors.KindTransient
}

// persist runs fn against the store under the persist timeout and, when
// configured, the circuit breaker. Errors come back typed.
func (g *Gateway) persist(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.PersistTimeout)
	defer cancel()

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(ctx, fn)
	} else {
		err = fn(ctx)
	}
	if err == nil {
		return nil
	}
	if apperrors.As(err) != nil {
		return err
	}
	return apperrors.Transient(err, "message store unavailable")
}

// BroadcastToRoom sends an event to every member of the order's room and
// returns how many connections accepted it.
func (g *Gateway) BroadcastToRoom(orderID, eventType string, data interface{}) int {
	return g.broadcast(RoomName(orderID), newMessage(eventType, data), nil)
}

// NotifyStatusChanged relays an order status change into the order's room.
func (g *Gateway) NotifyStatusChanged(change StatusChange) int {
	return g.BroadcastToRoom(change.OrderID, EventOrderStatusChanged, change)
}

func (g *Gateway) broadcast(room string, msg Message, except *Client) int {
	delivered := 0
	for _, member := range g.registry.Members(room) {
		if member == except {
			continue
		}
		if member.enqueue(msg) {
			delivered++
		}
	}
	return delivered
}

func (g *Gateway) messageError(c *Client, orderID, clientRef string, err error) {
	typed := apperrors.As(err)
	g.metrics.IncEventError(EventSendMessage, typed.Kind().String())
	c.logger.WithError(err).WithField("order_id", orderID).Warn("Message not delivered")

	c.enqueue(newMessage(EventMessageError, messageErrorEvent{
		OrderID:   orderID,
		Code:      string(typed.Code()),
		Message:   publicMessage(typed),
		ClientRef: clientRef,
	}))
}

func (g *Gateway) fail(c *Client, event string, err error) {
	typed := apperrors.As(err)
	if typed == nil {
		typed = apperrors.Wrap(apperrors.CodeInternal, err, "event failed")
	}
	g.metrics.IncEventError(event, typed.Kind().String())
	c.logger.WithError(err).WithField("event", event).Debug("Event rejected")

	c.enqueue(newMessage(EventError, errorEvent{
		Event:   event,
		Code:    string(typed.Code()),
		Message: publicMessage(typed),
	}))
}

// publicMessage hides internal causes from clients.
func publicMessage(err *apperrors.Error) string {
	meta := apperrors.MetadataFor(err.Code())
	if meta.Kind == apperrors.KindInternal || meta.Kind == apperrors.KindTransient {
		return meta.PublicMessage
	}
	return err.Message()
}

// decodeOrderID unmarshals raw into dest and returns the trimmed order id
// that dest exposes through orderID.
func decodeOrderID(raw json.RawMessage, dest interface{}, orderID *string) (string, error) {
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, dest); err != nil {
			return "", apperrors.Wrap(apperrors.CodeValidation, err, "malformed event data")
		}
	}
	id := strings.TrimSpace(*orderID)
	if id == "" {
		return "", apperrors.Validation("order_id is required")
	}
	return id, nil
}

package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/circuitbreaker"
	"github.com/jogardn/commission-desk/internal/conversations"
	"github.com/jogardn/commission-desk/internal/identity"
	"github.com/jogardn/commission-desk/pkg/models"
)

type markReadCall struct {
	orderID string
	reader  models.Party
}

type fakeStore struct {
	mu        sync.Mutex
	appendErr error
	// errByContent fails only the messages with a matching content.
	errByContent map[string]error
	appended     []string
	markReads    []markReadCall
}

func (s *fakeStore) AppendMessage(_ context.Context, orderID string, sender models.Party, content string, opts conversations.QuoteOptions) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, orderID)
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	if err, ok := s.errByContent[content]; ok {
		return nil, err
	}
	return &models.Message{
		ID:          "m-1",
		Sender:      sender,
		Content:     content,
		Timestamp:   time.Now(),
		IsQuote:     opts.IsQuote,
		QuoteAmount: opts.QuoteAmount,
	}, nil
}

func (s *fakeStore) MarkRead(_ context.Context, orderID string, reader models.Party) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markReads = append(s.markReads, markReadCall{orderID: orderID, reader: reader})
	return 1, nil
}

func (s *fakeStore) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, credential string) (identity.Identity, error) {
	if credential != "good" {
		return identity.Identity{}, apperrors.New(apperrors.CodeUnauthorized, "bad token")
	}
	return identity.Identity{UserID: "u-admin", Username: "staff", UserType: models.PartyAdmin}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestGateway(t *testing.T, store *fakeStore) *Gateway {
	t.Helper()
	g, err := NewGateway(Config{PersistTimeout: time.Second, SendBuffer: 16}, NewRegistry(), fakeAuth{}, store, quietLogger())
	require.NoError(t, err)
	return g
}

func newTestClient(g *Gateway, userID string, party models.Party) *Client {
	c := &Client{
		id:       userID + "-conn",
		identity: identity.Identity{UserID: userID, Username: userID, UserType: party},
		send:     make(chan Message, g.config.SendBuffer),
		done:     make(chan struct{}),
		gateway:  g,
		logger:   g.logger.WithField("connection_id", userID),
	}
	g.registry.Register(c)
	return c
}

func send(t *testing.T, g *Gateway, c *Client, eventType string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	envelope, err := json.Marshal(inbound{Type: eventType, Data: raw})
	require.NoError(t, err)
	g.dispatch(c, envelope)
}

func drain(c *Client) []Message {
	var out []Message
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func types(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

// joinedPair puts an admin and a customer in order O1's room with empty queues.
func joinedPair(t *testing.T, g *Gateway) (*Client, *Client) {
	admin := newTestClient(g, "admin", models.PartyAdmin)
	customer := newTestClient(g, "customer", models.PartyCustomer)
	send(t, g, admin, EventJoinRoom, roomPayload{OrderID: "O1"})
	send(t, g, customer, EventJoinRoom, roomPayload{OrderID: "O1"})
	drain(admin)
	drain(customer)
	return admin, customer
}

func TestJoinRoomNotifiesOthersOnly(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	a := newTestClient(g, "a", models.PartyAdmin)
	b := newTestClient(g, "b", models.PartyCustomer)

	send(t, g, a, EventJoinRoom, roomPayload{OrderID: "O1"})
	assert.Equal(t, []string{EventRoomJoined}, types(drain(a)))

	send(t, g, b, EventJoinRoom, roomPayload{OrderID: "O1"})
	aMsgs := drain(a)
	require.Equal(t, []string{EventUserJoinedRoom}, types(aMsgs))
	joined := aMsgs[0].Data.(roomEvent)
	assert.Equal(t, "O1", joined.OrderID)
	assert.Equal(t, "b", joined.UserID)

	assert.Equal(t, []string{EventRoomJoined}, types(drain(b)))
	assert.True(t, g.registry.IsMember("order_O1", b))
}

func TestJoinRoomWithoutOrderIDFailsSoft(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	a := newTestClient(g, "a", models.PartyAdmin)

	send(t, g, a, EventJoinRoom, roomPayload{})

	msgs := drain(a)
	require.Equal(t, []string{EventError}, types(msgs))
	assert.Equal(t, string(apperrors.CodeValidation), msgs[0].Data.(errorEvent).Code)
	assert.Equal(t, 1, g.registry.ConnectionCount())
	select {
	case <-a.done:
		t.Fatal("connection should stay open")
	default:
	}
}

func TestLeaveRoomNotifiesRemainingMembers(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	admin, customer := joinedPair(t, g)

	send(t, g, customer, EventLeaveRoom, roomPayload{OrderID: "O1"})

	assert.Equal(t, []string{EventRoomLeft}, types(drain(customer)))
	adminMsgs := drain(admin)
	require.Equal(t, []string{EventUserLeftRoom}, types(adminMsgs))
	assert.Equal(t, leaveReasonLeft, adminMsgs[0].Data.(roomEvent).Reason)
	assert.False(t, g.registry.IsMember("order_O1", customer))
}

func TestTypingWithoutOrderIDIsIgnored(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	admin, customer := joinedPair(t, g)

	send(t, g, customer, EventTypingStart, roomPayload{})
	assert.Empty(t, drain(customer))
	assert.Empty(t, drain(admin))

	send(t, g, customer, EventTypingStart, roomPayload{OrderID: "O1"})
	assert.Empty(t, drain(customer))
	assert.Equal(t, []string{EventUserTyping}, types(drain(admin)))

	send(t, g, customer, EventTypingStop, roomPayload{OrderID: "O1"})
	assert.Equal(t, []string{EventUserStoppedTyping}, types(drain(admin)))
}

func TestSendMessageBroadcastsAfterStoring(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store)
	admin, customer := joinedPair(t, g)

	send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: "hi", ClientRef: "tmp-1"})

	customerMsgs := drain(customer)
	require.Equal(t, []string{EventNewMessage, EventMessageSent}, types(customerMsgs))
	ack := customerMsgs[1].Data.(messageSentEvent)
	assert.Equal(t, "m-1", ack.MessageID)
	assert.Equal(t, "tmp-1", ack.ClientRef)

	adminMsgs := drain(admin)
	require.Equal(t, []string{EventNewMessage}, types(adminMsgs))
	delivered := adminMsgs[0].Data.(newMessageEvent)
	assert.Equal(t, models.PartyCustomer, delivered.Message.Sender)
	assert.Equal(t, "hi", delivered.Message.Content)
	assert.Equal(t, 1, store.appendCount())
}

func TestSendMessagePersistFailureBroadcastsNothing(t *testing.T) {
	store := &fakeStore{appendErr: apperrors.Transient(errors.New("connection refused"), "append failed")}
	g := newTestGateway(t, store)
	admin, customer := joinedPair(t, g)

	send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: "hi"})

	customerMsgs := drain(customer)
	require.Equal(t, []string{EventMessageError}, types(customerMsgs))
	failure := customerMsgs[0].Data.(messageErrorEvent)
	assert.Equal(t, "O1", failure.OrderID)
	assert.Equal(t, string(apperrors.CodeStoreUnavailable), failure.Code)
	assert.NotContains(t, failure.Message, "connection refused")

	assert.Empty(t, drain(admin))
	assert.True(t, g.registry.IsMember("order_O1", customer))
}

func TestSendMessageValidationError(t *testing.T) {
	store := &fakeStore{appendErr: apperrors.Validation("content must be between 1 and 2000 characters")}
	g := newTestGateway(t, store)
	admin, customer := joinedPair(t, g)

	send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: ""})

	msgs := drain(customer)
	require.Equal(t, []string{EventMessageError}, types(msgs))
	assert.Equal(t, "content must be between 1 and 2000 characters", msgs[0].Data.(messageErrorEvent).Message)
	assert.Empty(t, drain(admin))
}

func TestSendMessageWithOpenBreaker(t *testing.T) {
	store := &fakeStore{appendErr: apperrors.Transient(errors.New("timeout"), "append failed")}
	g := newTestGateway(t, store)
	g.SetBreaker(circuitbreaker.New(circuitbreaker.Config{
		Name:        "conversation-store",
		MaxFailures: 1,
		Timeout:     time.Minute,
	}, quietLogger()))
	admin, customer := joinedPair(t, g)

	send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: "one"})
	send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: "two"})

	msgs := drain(customer)
	require.Equal(t, []string{EventMessageError, EventMessageError}, types(msgs))
	assert.Equal(t, string(apperrors.CodeStoreUnavailable), msgs[1].Data.(messageErrorEvent).Code)
	assert.Equal(t, 1, store.appendCount(), "open breaker should not reach the store")
	assert.Empty(t, drain(admin))
}

func TestRejectedContentDoesNotOpenSharedBreaker(t *testing.T) {
	store := &fakeStore{errByContent: map[string]error{
		"a\x00b":   apperrors.Wrap(apperrors.CodeValidation, errors.New("pq: invalid byte sequence"), "value rejected by store"),
		"internal": apperrors.Wrap(apperrors.CodeInternal, errors.New("pq: syntax error"), "append message"),
	}}
	g := newTestGateway(t, store)
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "message-store",
		MaxFailures: 2,
		Timeout:     time.Minute,
		IsFailure:   StoreFailure,
	}, quietLogger())
	g.SetBreaker(breaker)
	_, customer := joinedPair(t, g)

	for i := 0; i < 5; i++ {
		send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: "a\x00b"})
		send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: "internal"})
	}
	for _, msg := range drain(customer) {
		require.Equal(t, EventMessageError, msg.Type)
		assert.NotEqual(t, string(apperrors.CodeStoreUnavailable), msg.Data.(messageErrorEvent).Code)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	other := newTestClient(g, "other-admin", models.PartyAdmin)
	send(t, g, other, EventJoinRoom, roomPayload{OrderID: "O2"})
	drain(other)
	send(t, g, other, EventSendMessage, sendMessagePayload{OrderID: "O2", Content: "still working"})

	assert.Equal(t, []string{EventNewMessage, EventMessageSent}, types(drain(other)))
}

func TestStoreFailure(t *testing.T) {
	assert.True(t, StoreFailure(context.DeadlineExceeded))
	assert.True(t, StoreFailure(apperrors.Transient(errors.New("connection refused"), "append message")))
	assert.False(t, StoreFailure(apperrors.Validation("bad content")))
	assert.False(t, StoreFailure(apperrors.New(apperrors.CodeInternal, "append message")))
	assert.False(t, StoreFailure(apperrors.New(apperrors.CodeOrderNotFound, "order not found")))
}

func TestSendMessageRateLimited(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store)
	g.SetRateLimiter(denyAll{})
	_, customer := joinedPair(t, g)

	send(t, g, customer, EventSendMessage, sendMessagePayload{OrderID: "O1", Content: "hi"})

	msgs := drain(customer)
	require.Equal(t, []string{EventMessageError}, types(msgs))
	assert.Equal(t, string(apperrors.CodeRateLimited), msgs[0].Data.(messageErrorEvent).Code)
	assert.Equal(t, 0, store.appendCount())
}

func TestMessageReadBroadcastsAndMarksRead(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store)
	admin, customer := joinedPair(t, g)

	send(t, g, admin, EventMessageRead, messageReadPayload{OrderID: "O1", MessageID: "m-1"})

	assert.Empty(t, drain(admin))
	customerMsgs := drain(customer)
	require.Equal(t, []string{EventMessageRead}, types(customerMsgs))
	assert.Equal(t, "m-1", customerMsgs[0].Data.(messageReadEvent).MessageID)
	assert.Equal(t, []markReadCall{{orderID: "O1", reader: models.PartyAdmin}}, store.markReads)
}

func TestMessageReadRequiresMessageID(t *testing.T) {
	store := &fakeStore{}
	g := newTestGateway(t, store)
	admin, customer := joinedPair(t, g)

	send(t, g, admin, EventMessageRead, messageReadPayload{OrderID: "O1"})

	assert.Equal(t, []string{EventError}, types(drain(admin)))
	assert.Empty(t, drain(customer))
	assert.Empty(t, store.markReads)
}

func TestStatusUpdate(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	admin, customer := joinedPair(t, g)

	send(t, g, customer, EventStatusUpdate, statusUpdatePayload{OrderID: "O1", Status: "away"})
	adminMsgs := drain(admin)
	require.Equal(t, []string{EventUserStatusUpdate}, types(adminMsgs))
	assert.Equal(t, models.PresenceAway, adminMsgs[0].Data.(presenceEvent).Status)

	send(t, g, customer, EventStatusUpdate, statusUpdatePayload{OrderID: "O1", Status: "busy"})
	assert.Equal(t, []string{EventError}, types(drain(customer)))
	assert.Empty(t, drain(admin))
}

func TestUnknownAndMalformedEvents(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	c := newTestClient(g, "a", models.PartyAdmin)

	g.dispatch(c, []byte(`{"type":"shout","data":{}}`))
	g.dispatch(c, []byte(`not json`))
	g.dispatch(c, []byte(`{"type":"join_room","data":"O1"}`))

	assert.Equal(t, []string{EventError, EventError, EventError}, types(drain(c)))
	assert.Equal(t, 1, g.registry.ConnectionCount())
}

func TestDisconnectLeavesAllRooms(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	admin, customer := joinedPair(t, g)
	send(t, g, customer, EventJoinRoom, roomPayload{OrderID: "O2"})
	drain(customer)

	g.disconnect(customer)

	adminMsgs := drain(admin)
	require.Equal(t, []string{EventUserLeftRoom}, types(adminMsgs))
	assert.Equal(t, leaveReasonDisconnected, adminMsgs[0].Data.(roomEvent).Reason)
	assert.False(t, g.registry.IsMember("order_O1", customer))
	assert.False(t, g.registry.HasRoom("order_O2"))
	assert.Equal(t, 1, g.registry.ConnectionCount())

	g.disconnect(customer)
	assert.Empty(t, drain(admin))
}

func TestNotifyStatusChanged(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	admin, customer := joinedPair(t, g)

	n := g.NotifyStatusChanged(StatusChange{
		OrderID:        "O1",
		PreviousStatus: models.OrderStatusConfirmed,
		Status:         models.OrderStatusProcessing,
		UpdatedAt:      time.Now(),
	})

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{EventOrderStatusChanged}, types(drain(admin)))
	assert.Equal(t, []string{EventOrderStatusChanged}, types(drain(customer)))
	assert.Equal(t, 0, g.NotifyStatusChanged(StatusChange{OrderID: "O9"}))
}

func TestFullSendBufferClosesClient(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	slow := newTestClient(g, "slow", models.PartyCustomer)
	slow.send = make(chan Message, 1)
	g.registry.Join(RoomName("O1"), slow)

	assert.Equal(t, 1, g.BroadcastToRoom("O1", EventOrderStatusChanged, nil))
	assert.Equal(t, 0, g.BroadcastToRoom("O1", EventOrderStatusChanged, nil))

	select {
	case <-slow.done:
	default:
		t.Fatal("expected slow client to be closed")
	}
	assert.False(t, slow.enqueue(newMessage(EventError, nil)))
}

func TestServeWS(t *testing.T) {
	g := newTestGateway(t, &fakeStore{})
	server := httptest.NewServer(http.HandlerFunc(g.ServeWS))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("rejects missing credential", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, 0, g.registry.ConnectionCount())
	})

	t.Run("authenticated session", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=good", nil)
		require.NoError(t, err)

		var welcome struct {
			Type string `json:"type"`
			Data struct {
				UserID   string `json:"user_id"`
				UserType string `json:"user_type"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&welcome))
		assert.Equal(t, EventConnected, welcome.Type)
		assert.Equal(t, "u-admin", welcome.Data.UserID)
		assert.Equal(t, "admin", welcome.Data.UserType)

		require.NoError(t, conn.WriteJSON(map[string]interface{}{
			"type": EventJoinRoom,
			"data": map[string]string{"order_id": "O1"},
		}))
		var ack struct {
			Type string  `json:"type"`
			Data roomAck `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&ack))
		assert.Equal(t, EventRoomJoined, ack.Type)
		assert.Equal(t, "order_O1", ack.Data.Room)

		conn.Close()
		require.Eventually(t, func() bool {
			return g.registry.ConnectionCount() == 0 && !g.registry.HasRoom("order_O1")
		}, 2*time.Second, 10*time.Millisecond)
	})
}

// Package api exposes orders and conversations over HTTP and mounts the
// realtime gateway and metrics endpoints on the same router.
package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/jogardn/commission-desk/internal/apperrors"
	"github.com/jogardn/commission-desk/internal/circuitbreaker"
	"github.com/jogardn/commission-desk/internal/conversations"
	"github.com/jogardn/commission-desk/internal/identity"
	"github.com/jogardn/commission-desk/internal/metrics"
	"github.com/jogardn/commission-desk/internal/orders"
	"github.com/jogardn/commission-desk/internal/validation"
	"github.com/jogardn/commission-desk/internal/websocket"
	"github.com/jogardn/commission-desk/pkg/models"
)

const maxListLimit = 200

// RoomBroadcaster pushes events into an order's realtime room.
type RoomBroadcaster interface {
	BroadcastToRoom(orderID, eventType string, data interface{}) int
}

// HealthCheck reports an unhealthy dependency.
type HealthCheck func(r *http.Request) error

type Handler struct {
	orders   *orders.Service
	threads  *conversations.Service
	auth     identity.Authenticator
	rooms    RoomBroadcaster
	breakers *circuitbreaker.Manager
	checks   map[string]HealthCheck
	logger   *logrus.Logger
}

func NewHandler(orderService *orders.Service, threads *conversations.Service, auth identity.Authenticator, logger *logrus.Logger) *Handler {
	return &Handler{
		orders:  orderService,
		threads: threads,
		auth:    auth,
		checks:  make(map[string]HealthCheck),
		logger:  logger,
	}
}

func (h *Handler) SetRoomBroadcaster(rooms RoomBroadcaster) {
	h.rooms = rooms
}

func (h *Handler) SetBreakers(breakers *circuitbreaker.Manager) {
	h.breakers = breakers
}

func (h *Handler) AddHealthCheck(name string, check HealthCheck) {
	h.checks[name] = check
}

type RouterConfig struct {
	Gateway        *websocket.Gateway
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

func (h *Handler) Router(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(loggingMiddleware(h.logger, cfg.Metrics))
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	// preflight requests match no method-specific route
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if cfg.Gateway != nil {
		router.HandleFunc("/ws", cfg.Gateway.ServeWS).Methods(http.MethodGet)
	}

	secured := router.NewRoute().Subrouter()
	secured.Use(identity.Middleware(h.auth, h.logger))

	secured.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	secured.HandleFunc("/orders", h.ListOrders).Methods(http.MethodGet)
	secured.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	secured.HandleFunc("/orders/{id}/status", h.UpdateStatus).Methods(http.MethodPatch)
	secured.HandleFunc("/orders/{id}/quote", h.SetQuote).Methods(http.MethodPost)
	secured.HandleFunc("/orders/{id}/conversation", h.GetConversation).Methods(http.MethodGet)
	secured.HandleFunc("/orders/{id}/conversation", h.EnsureConversation).Methods(http.MethodPost)
	secured.HandleFunc("/orders/{id}/messages", h.SendMessage).Methods(http.MethodPost)
	secured.HandleFunc("/orders/{id}/conversation/read", h.MarkRead).Methods(http.MethodPost)
	secured.HandleFunc("/orders/{id}/conversation/archive", h.ArchiveConversation).Methods(http.MethodPost)
	secured.HandleFunc("/orders/{id}/conversation/reactivate", h.ReactivateConversation).Methods(http.MethodPost)
	secured.HandleFunc("/conversations", h.ListConversations).Methods(http.MethodGet)

	return router
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var input orders.CreateOrderInput
	if err := validation.DecodeJSONBody(r, &input); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	order, err := h.orders.Create(r.Context(), input)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"order":   order,
	})
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	filter := orders.ListFilter{Limit: maxListLimit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseOrderStatus(raw)
		if err != nil {
			h.respondWithError(w, r, apperrors.Wrap(apperrors.CodeValidation, err, "invalid status filter").
				WithDetails(map[string]any{"allowed_values": models.OrderStatuses()}))
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			h.respondWithError(w, r, apperrors.Newf(apperrors.CodeValidation, "limit must be between 1 and %d", maxListLimit))
			return
		}
		filter.Limit = limit
	}

	list, err := h.orders.List(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"orders":  list,
		"count":   len(list),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"order":   order,
	})
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req statusRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	order, err := h.orders.Transition(r.Context(), mux.Vars(r)["id"], models.OrderStatus(strings.TrimSpace(req.Status)))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"order":   order,
	})
}

type quoteRequest struct {
	TotalAmount decimal.Decimal `json:"total_amount"`
	Notes       *string         `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

func (h *Handler) SetQuote(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req quoteRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	order, err := h.orders.SetQuote(r.Context(), mux.Vars(r)["id"], req.TotalAmount, req.Notes)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"order":   order,
	})
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())

	thread, err := h.threads.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"conversation": thread,
		"unread_count": conversations.UnreadCount(thread, caller.UserType),
	})
}

// EnsureConversation opens the order's thread from its customer details.
func (h *Handler) EnsureConversation(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	thread, err := h.threads.GetOrCreate(r.Context(), order.ID, order.Customer.Name, order.Customer.Email)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"conversation": thread,
	})
}

type messageRequest struct {
	Content     string           `json:"content"`
	IsQuote     bool             `json:"is_quote,omitempty"`
	QuoteAmount *decimal.Decimal `json:"quote_amount,omitempty"`
}

type newMessageEvent struct {
	OrderID string          `json:"order_id"`
	Message *models.Message `json:"message"`
}

// SendMessage stores a message from the caller's side of the conversation
// and forwards it to the order's room.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())
	orderID := mux.Vars(r)["id"]

	var req messageRequest
	if err := validation.DecodeJSONBody(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	msg, err := h.threads.AppendMessage(r.Context(), orderID, caller.UserType, req.Content, conversations.QuoteOptions{
		IsQuote:     req.IsQuote,
		QuoteAmount: req.QuoteAmount,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	if h.rooms != nil {
		h.rooms.BroadcastToRoom(orderID, websocket.EventNewMessage, newMessageEvent{OrderID: orderID, Message: msg})
	}

	respondWithJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"message": msg,
	})
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller, _ := identity.FromContext(r.Context())

	marked, err := h.threads.MarkRead(r.Context(), mux.Vars(r)["id"], caller.UserType)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"marked":  marked,
	})
}

func (h *Handler) ArchiveConversation(w http.ResponseWriter, r *http.Request) {
	h.setConversationActive(w, r, false)
}

func (h *Handler) ReactivateConversation(w http.ResponseWriter, r *http.Request) {
	h.setConversationActive(w, r, true)
}

func (h *Handler) setConversationActive(w http.ResponseWriter, r *http.Request, active bool) {
	if !h.requireAdmin(w, r) {
		return
	}

	orderID := mux.Vars(r)["id"]
	var (
		thread *models.Conversation
		err    error
	)
	if active {
		thread, err = h.threads.Reactivate(r.Context(), orderID)
	} else {
		thread, err = h.threads.Archive(r.Context(), orderID)
	}
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"conversation": thread,
	})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	activeOnly := true
	if raw := r.URL.Query().Get("active_only"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondWithError(w, r, apperrors.Validation("active_only must be a boolean"))
			return
		}
		activeOnly = parsed
	}

	summaries, err := h.threads.ListThreads(r.Context(), activeOnly)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"conversations": summaries,
		"count":         len(summaries),
	})
}

// HealthCheck runs the registered dependency checks and reports breaker
// state. Any failing check or open breaker makes the service unhealthy.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	dependencies := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(r); err != nil {
			h.logger.WithError(err).WithField("dependency", name).Warn("Health check failed")
			dependencies[name] = "unhealthy"
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		dependencies[name] = "healthy"
	}

	response := map[string]interface{}{
		"status":       status,
		"service":      "commission-desk",
		"dependencies": dependencies,
	}
	if h.breakers != nil {
		response["circuit_breakers"] = h.breakers.Snapshots()
		if h.breakers.AnyOpen() && code == http.StatusOK {
			response["status"] = "degraded"
		}
	}

	respondWithJSON(w, code, response)
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := identity.FromContext(r.Context())
	if !ok || caller.UserType != models.PartyAdmin {
		h.respondWithError(w, r, apperrors.New(apperrors.CodeForbidden, "admin access required"))
		return false
	}
	return true
}

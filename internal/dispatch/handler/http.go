package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/auth"
	"github.com/example/geodispatch/internal/dispatch/coordinator"
	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/repository"
)

// Dispatcher is the inbound API served over HTTP.
type Dispatcher interface {
	SubmitOrder(ctx context.Context, principal domain.Principal, req coordinator.SubmitOrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error)
	StartOrder(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error)
	CompleteOrder(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error)
	GetOrder(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error)
	RegisterAgent(ctx context.Context, principal domain.Principal, req coordinator.RegisterAgentRequest) (domain.Agent, error)
	SetAgentOffline(ctx context.Context, principal domain.Principal, agentID string) (domain.Agent, error)
	UpdateAgentPosition(ctx context.Context, agentID string, point domain.GeoPoint, reportedAt time.Time) error
	ListActiveOrders() []domain.Order
	ListAgents() []domain.Agent
	ListOrdersByRequester(principal domain.Principal, limit int) ([]domain.Order, error)
	OrderStats(principal domain.Principal) (domain.OrderStats, error)
}

// HTTP exposes the dispatch endpoints.
type HTTP struct {
	svc    Dispatcher
	idem   repository.IdempotencyRepository
	eta    http.Handler
	logger *zap.Logger
}

// NewHTTP constructs a handler. idem and eta are optional.
func NewHTTP(svc Dispatcher, idem repository.IdempotencyRepository, eta http.Handler, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, idem: idem, eta: eta, logger: logger.Named("http")}
}

// Router builds the chi router. authn verifies the caller and stores the
// claims in the request context.
func (h *HTTP) Router(authn func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(authn)
		r.Post("/v1/orders", h.submitOrder)
		r.Get("/v1/orders/mine", h.myOrders)
		r.Get("/v1/orders/{id}", h.getOrder)
		r.Post("/v1/orders/{id}/cancel", h.cancelOrder)
		r.Post("/v1/orders/{id}/start", h.startOrder)
		r.Post("/v1/orders/{id}/complete", h.completeOrder)
		r.Post("/v1/agents", h.registerAgent)
		r.Post("/v1/agents/{id}/position", h.updatePosition)
		r.Post("/v1/agents/{id}/offline", h.setOffline)
		if h.eta != nil {
			r.Get("/v1/eta", h.eta.ServeHTTP)
		}
	})
	r.Group(func(r chi.Router) {
		r.Use(authn, requireAdmin)
		r.Get("/v1/orders", h.listOrders)
		r.Get("/v1/orders/stats", h.orderStats)
		r.Get("/v1/agents", h.listAgents)
	})
	return r
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok || !principal.IsAdmin() {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTP) submitOrder(w http.ResponseWriter, r *http.Request) {
	principal := principalOf(r)
	var payload coordinator.SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var key string
	if raw := r.Header.Get("Idempotency-Key"); raw != "" && h.idem != nil {
		key = principal.Subject + ":" + raw
		if h.replay(w, r, key) {
			return
		}
		reserved, err := h.idem.Reserve(r.Context(), key)
		switch {
		case err != nil:
			h.logger.Warn("idempotency reserve failed", zap.Error(err))
		case !reserved:
			if !h.replay(w, r, key) {
				http.Error(w, errInFlight, http.StatusConflict)
			}
			return
		}
	}

	order, err := h.svc.SubmitOrder(r.Context(), principal, payload)
	if err != nil {
		if key != "" {
			if relErr := h.idem.Release(r.Context(), key); relErr != nil {
				h.logger.Warn("idempotency release failed", zap.Error(relErr))
			}
		}
		h.writeError(w, err)
		return
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(order); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if key != "" {
		if err := h.idem.PutResponse(r.Context(), key, body.Bytes()); err != nil {
			h.logger.Warn("idempotency store failed", zap.Error(err))
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body.Bytes())
}

const errInFlight = "request with this Idempotency-Key is in progress"

// replay answers from the idempotency cache and reports whether it wrote a
// response.
func (h *HTTP) replay(w http.ResponseWriter, r *http.Request, key string) bool {
	cached, ok, err := h.idem.GetResponse(r.Context(), key)
	switch {
	case errors.Is(err, repository.ErrInFlight):
		http.Error(w, errInFlight, http.StatusConflict)
		return true
	case err != nil:
		h.logger.Warn("idempotency lookup failed", zap.Error(err))
		return false
	case !ok:
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(cached)
	return true
}

func (h *HTTP) getOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.svc.GetOrder)
}

func (h *HTTP) cancelOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.svc.CancelOrder)
}

func (h *HTTP) startOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.svc.StartOrder)
}

func (h *HTTP) completeOrder(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.svc.CompleteOrder)
}

type orderFunc func(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error)

func (h *HTTP) orderAction(w http.ResponseWriter, r *http.Request, fn orderFunc) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	order, err := fn(r.Context(), principalOf(r), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *HTTP) listOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListActiveOrders())
}

func (h *HTTP) myOrders(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	orders, err := h.svc.ListOrdersByRequester(principalOf(r), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTP) orderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.OrderStats(principalOf(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *HTTP) registerAgent(w http.ResponseWriter, r *http.Request) {
	var payload coordinator.RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	agent, err := h.svc.RegisterAgent(r.Context(), principalOf(r), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type positionRequest struct {
	Position   domain.GeoPoint `json:"position"`
	ReportedAt time.Time       `json:"reported_at"`
}

func (h *HTTP) updatePosition(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	principal := principalOf(r)
	if !principal.IsAdmin() && principal.Subject != agentID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var payload positionRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if payload.ReportedAt.IsZero() {
		payload.ReportedAt = time.Now().UTC()
	}
	if err := h.svc.UpdateAgentPosition(r.Context(), agentID, payload.Position, payload.ReportedAt); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTP) setOffline(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.SetAgentOffline(r.Context(), principalOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *HTTP) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListAgents())
}

func principalOf(r *http.Request) domain.Principal {
	principal, _ := auth.PrincipalFromContext(r.Context())
	return principal
}

func (h *HTTP) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrAgentMismatch):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

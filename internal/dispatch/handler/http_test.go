package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/geodispatch/internal/auth"
	"github.com/example/geodispatch/internal/dispatch/coordinator"
	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/handler"
	"github.com/example/geodispatch/internal/dispatch/matching"
	"github.com/example/geodispatch/internal/dispatch/repository"
	"github.com/example/geodispatch/internal/dispatch/spatial"
	"github.com/example/geodispatch/internal/dispatch/store"
)

const secret = "handler-secret"

type client struct {
	t      *testing.T
	router http.Handler
}

func (c client) do(method, path, subject string, role domain.Role, body any, headers ...string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		token, err := auth.Issue(secret, subject, role, time.Minute)
		require.NoError(c.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func newClient(t *testing.T) client {
	t.Helper()
	return newClientWith(t, func(d handler.Dispatcher) handler.Dispatcher { return d })
}

func newClientWith(t *testing.T, wrap func(handler.Dispatcher) handler.Dispatcher) client {
	t.Helper()
	st := store.New()
	index := spatial.NewGridIndex(spatial.GridConfig{})
	matcher := matching.New(st, index, nil, nil, nil, matching.Config{})
	svc := coordinator.New(st, index, matcher, nil, nil, nil, coordinator.Config{})
	h := handler.NewHTTP(wrap(svc), repository.NewMemoryIdempotencyRepo(), nil, nil)
	return client{t: t, router: h.Router(auth.Middleware(secret))}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestOrderEndpoints(t *testing.T) {
	c := newClient(t)

	rec := c.do(http.MethodPost, "/v1/orders", "", "", map[string]any{})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	payload := map[string]any{"pickup": map[string]float64{"lat": 35.7, "lng": 51.4}, "tags": []string{"car"}}
	rec = c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester, payload, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	order := decode[domain.Order](t, rec)
	require.Equal(t, domain.OrderCreated, order.State)
	require.Equal(t, "rider-1", order.RequesterID)

	rec = c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester, payload, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, order.ID, decode[domain.Order](t, rec).ID)

	rec = c.do(http.MethodGet, "/v1/orders/"+order.ID.String(), "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/v1/orders/"+order.ID.String(), "rider-2", domain.RoleRequester, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = c.do(http.MethodGet, "/v1/orders/not-a-uuid", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodGet, "/v1/orders/"+uuid.NewString(), "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = c.do(http.MethodGet, "/v1/orders", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = c.do(http.MethodGet, "/v1/orders", "ops", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]domain.Order](t, rec), 1)

	rec = c.do(http.MethodPost, "/v1/orders/"+order.ID.String()+"/start", "agent-1", domain.RoleAgent, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = c.do(http.MethodPost, "/v1/orders/"+order.ID.String()+"/cancel", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[domain.Order](t, rec)
	require.Equal(t, domain.OrderCancelled, cancelled.State)
	require.Equal(t, domain.CancelByRequester, cancelled.CancelReason)

	rec = c.do(http.MethodPost, "/v1/orders/"+order.ID.String()+"/cancel", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester, map[string]any{"pickup": map[string]float64{"lat": 120}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgentEndpoints(t *testing.T) {
	c := newClient(t)

	rec := c.do(http.MethodPost, "/v1/agents", "agent-1", domain.RoleAgent, map[string]any{
		"position": map[string]float64{"lat": 1, "lng": 1},
		"tags":     []string{"van"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	agent := decode[domain.Agent](t, rec)
	require.Equal(t, "agent-1", agent.ID)
	require.Equal(t, domain.AgentAvailable, agent.Status)
	require.True(t, agent.Tags.Contains(domain.NewTagSet("van")))

	rec = c.do(http.MethodPost, "/v1/agents", "rider-1", domain.RoleRequester, map[string]any{})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = c.do(http.MethodPost, "/v1/agents/agent-1/position", "agent-2", domain.RoleAgent, map[string]any{
		"position": map[string]float64{"lat": 2, "lng": 2},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = c.do(http.MethodPost, "/v1/agents/agent-1/position", "agent-1", domain.RoleAgent, map[string]any{
		"position":    map[string]float64{"lat": 2, "lng": 2},
		"reported_at": time.Now().Add(time.Minute).UTC(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = c.do(http.MethodPost, "/v1/agents/agent-1/offline", "agent-1", domain.RoleAgent, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.AgentOffline, decode[domain.Agent](t, rec).Status)

	rec = c.do(http.MethodGet, "/v1/agents", "ops", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode[[]domain.Agent](t, rec)
	require.Len(t, agents, 1)
	require.Equal(t, domain.GeoPoint{Lat: 2, Lng: 2}, agents[0].Position)
}

// gatedDispatcher holds SubmitOrder until release is closed.
type gatedDispatcher struct {
	handler.Dispatcher
	entered chan struct{}
	release chan struct{}
}

func (g gatedDispatcher) SubmitOrder(ctx context.Context, principal domain.Principal, req coordinator.SubmitOrderRequest) (domain.Order, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Dispatcher.SubmitOrder(ctx, principal, req)
}

func TestSubmitOrderRejectsRetryWhileFirstInFlight(t *testing.T) {
	gate := gatedDispatcher{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := newClientWith(t, func(d handler.Dispatcher) handler.Dispatcher {
		gate.Dispatcher = d
		return gate
	})
	payload := map[string]any{"pickup": map[string]float64{"lat": 35.7, "lng": 51.4}}

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester, payload, "Idempotency-Key", "k-1")
	}()
	<-gate.entered

	rec := c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester, payload, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusConflict, rec.Code)

	close(gate.release)
	created := <-first
	require.Equal(t, http.StatusCreated, created.Code)
	order := decode[domain.Order](t, created)

	rec = c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester, payload, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, order.ID, decode[domain.Order](t, rec).ID)

	rec = c.do(http.MethodGet, "/v1/orders", "ops", domain.RoleAdmin, nil)
	require.Len(t, decode[[]domain.Order](t, rec), 1)
}

func TestSubmitOrderConcurrentRetriesCreateOneOrder(t *testing.T) {
	c := newClient(t)
	body, err := json.Marshal(map[string]any{"pickup": map[string]float64{"lat": 35.7, "lng": 51.4}})
	require.NoError(t, err)
	token, err := auth.Issue(secret, "rider-1", domain.RoleRequester, time.Minute)
	require.NoError(t, err)

	const attempts = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = make(map[int]int)
		ids   = make(map[uuid.UUID]struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/v1/orders", bytes.NewReader(body))
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Idempotency-Key", "same-key")
			rec := httptest.NewRecorder()
			c.router.ServeHTTP(rec, req)

			mu.Lock()
			defer mu.Unlock()
			codes[rec.Code]++
			if rec.Code == http.StatusCreated {
				var order domain.Order
				if json.NewDecoder(rec.Body).Decode(&order) == nil {
					ids[order.ID] = struct{}{}
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, attempts, codes[http.StatusCreated]+codes[http.StatusConflict], "codes: %v", codes)
	require.GreaterOrEqual(t, codes[http.StatusCreated], 1)
	require.Len(t, ids, 1)

	rec := c.do(http.MethodGet, "/v1/orders", "ops", domain.RoleAdmin, nil)
	require.Len(t, decode[[]domain.Order](t, rec), 1)
}

func TestSubmitOrderFailureReleasesIdempotencyKey(t *testing.T) {
	c := newClient(t)

	rec := c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester,
		map[string]any{"pickup": map[string]float64{"lat": 120}}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester,
		map[string]any{"pickup": map[string]float64{"lat": 35.7, "lng": 51.4}}, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestMyOrdersAndStats(t *testing.T) {
	c := newClient(t)
	pickup := map[string]any{"pickup": map[string]float64{"lat": 35.7, "lng": 51.4}}

	var first uuid.UUID
	for i := 0; i < 3; i++ {
		rec := c.do(http.MethodPost, "/v1/orders", "rider-1", domain.RoleRequester, pickup)
		require.Equal(t, http.StatusCreated, rec.Code)
		if i == 0 {
			first = decode[domain.Order](t, rec).ID
		}
	}
	rec := c.do(http.MethodPost, "/v1/orders", "rider-2", domain.RoleRequester, pickup)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = c.do(http.MethodPost, "/v1/orders/"+first.String()+"/cancel", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = c.do(http.MethodGet, "/v1/orders/mine", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[[]domain.Order](t, rec)
	require.Len(t, mine, 3)
	for _, order := range mine {
		require.Equal(t, "rider-1", order.RequesterID)
	}

	rec = c.do(http.MethodGet, "/v1/orders/mine?limit=1", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]domain.Order](t, rec), 1)

	rec = c.do(http.MethodGet, "/v1/orders/mine?limit=-1", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = c.do(http.MethodGet, "/v1/orders/mine", "rider-3", domain.RoleRequester, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())

	rec = c.do(http.MethodGet, "/v1/orders/stats", "rider-1", domain.RoleRequester, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = c.do(http.MethodGet, "/v1/orders/stats", "ops", domain.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.OrderStats](t, rec)
	require.Equal(t, 4, stats.Total)
	require.Equal(t, 3, stats.ByState[domain.OrderCreated])
	require.Equal(t, 1, stats.ByState[domain.OrderCancelled])
	require.Zero(t, stats.ByState[domain.OrderCompleted])
}

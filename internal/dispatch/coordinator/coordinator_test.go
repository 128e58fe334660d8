package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/matching"
	"github.com/example/geodispatch/internal/dispatch/spatial"
	"github.com/example/geodispatch/internal/dispatch/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, event domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *recorder) last() domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

var (
	requester = domain.Principal{Subject: "requester-1", Role: domain.RoleRequester}
	admin     = domain.Principal{Subject: "ops", Role: domain.RoleAdmin}
)

func agentPrincipal(id string) domain.Principal {
	return domain.Principal{Subject: id, Role: domain.RoleAgent}
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, *testClock, *recorder) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.New()
	index := spatial.NewGridIndex(spatial.GridConfig{})
	matcher := matching.New(st, index, nil, clock, nil, matching.Config{
		CandidateLimit:      3,
		InitialRadiusMeters: 1000,
		MaxRadiusMeters:     4000,
		MaxExpansions:       2,
	})
	events := &recorder{}
	return New(st, index, matcher, events, clock, nil, cfg), clock, events
}

func register(t *testing.T, c *Coordinator, id string, lat, lng float64, tags ...string) domain.Agent {
	t.Helper()
	agent, err := c.RegisterAgent(context.Background(), agentPrincipal(id), RegisterAgentRequest{
		Position: domain.GeoPoint{Lat: lat, Lng: lng},
		Tags:     tags,
	})
	require.NoError(t, err)
	return agent
}

// step processes the next queued item synchronously.
func step(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, ok := c.queue.pop(ctx)
	require.True(t, ok, "queue empty")
	c.process(ctx, item)
}

func TestSubmitOrderIsMatchedByWorkers(t *testing.T) {
	c, _, events := newTestCoordinator(t, Config{Workers: 2})
	register(t, c, "agent-1", 0, 0.001)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{Pickup: domain.GeoPoint{Lat: 0, Lng: 0}})
	require.NoError(t, err)
	require.Equal(t, domain.OrderCreated, order.State)
	require.Equal(t, requester.Subject, order.RequesterID)

	require.Eventually(t, func() bool {
		got, err := c.GetOrder(ctx, requester, order.ID)
		return err == nil && got.State == domain.OrderMatched
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	evt := events.last()
	require.Equal(t, domain.EventMatched, evt.Type)
	require.Equal(t, "agent-1", evt.AgentID)
	require.Equal(t, order.ID, evt.OrderID)
	require.EqualValues(t, 2, evt.Version)
}

func TestSubmitOrderValidation(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	_, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{Pickup: domain.GeoPoint{Lat: 91}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = c.SubmitOrder(ctx, agentPrincipal("agent-1"), SubmitOrderRequest{})
	require.ErrorIs(t, err, domain.ErrForbidden)

	require.Zero(t, c.Pending())
}

func TestPastDeadlineIsCancelledAsExhausted(t *testing.T) {
	c, clock, events := newTestCoordinator(t, Config{})
	register(t, c, "agent-1", 0, 0.001)
	deadline := clock.Now().Add(-time.Minute)

	order, err := c.SubmitOrder(context.Background(), requester, SubmitOrderRequest{Deadline: &deadline})
	require.NoError(t, err)
	step(t, c)

	got, err := c.GetOrder(context.Background(), requester, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCancelled, got.State)
	require.Equal(t, domain.CancelExhausted, got.CancelReason)
	require.Equal(t, domain.EventCancelled, events.last().Type)
	require.Equal(t, domain.CancelExhausted, events.last().Reason)
}

func TestNoCandidateRetriesThenCancels(t *testing.T) {
	c, _, events := newTestCoordinator(t, Config{
		Workers:        1,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	register(t, c, "far-away", 10, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := c.GetOrder(ctx, requester, order.ID)
		return err == nil && got.State == domain.OrderCancelled
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := c.GetOrder(context.Background(), requester, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CancelUnfulfilled, got.CancelReason)
	require.Equal(t, []domain.EventType{domain.EventCancelled}, events.types())
}

func TestSweepRequeuesExpiredMatch(t *testing.T) {
	c, clock, events := newTestCoordinator(t, Config{MatchGrace: time.Minute})
	register(t, c, "agent-1", 0, 0.001)
	ctx := context.Background()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{})
	require.NoError(t, err)
	step(t, c)

	require.Zero(t, c.Sweep(ctx))

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, c.Sweep(ctx))

	got, err := c.GetOrder(ctx, requester, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCreated, got.State)
	require.Nil(t, got.AgentID)
	require.Nil(t, got.MatchedAt)

	agents := c.ListAgents()
	require.Len(t, agents, 1)
	require.Equal(t, domain.AgentAvailable, agents[0].Status)
	require.Equal(t, domain.EventRequeued, events.last().Type)
	require.Equal(t, 1, c.Pending())

	// The requeued order is matched again.
	step(t, c)
	got, err = c.GetOrder(ctx, requester, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderMatched, got.State)
}

func TestOrderLifecycle(t *testing.T) {
	c, _, events := newTestCoordinator(t, Config{})
	register(t, c, "agent-1", 0, 0.001)
	register(t, c, "agent-2", 0, 0.003)
	ctx := context.Background()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{})
	require.NoError(t, err)
	step(t, c)

	_, err = c.StartOrder(ctx, agentPrincipal("agent-2"), order.ID)
	require.ErrorIs(t, err, domain.ErrAgentMismatch)
	_, err = c.CompleteOrder(ctx, agentPrincipal("agent-1"), order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	started, err := c.StartOrder(ctx, agentPrincipal("agent-1"), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderInProgress, started.State)
	require.NotNil(t, started.StartedAt)

	completed, err := c.CompleteOrder(ctx, agentPrincipal("agent-1"), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCompleted, completed.State)
	require.Equal(t, "agent-1", completed.FulfilledBy)
	require.Nil(t, completed.AgentID)

	// Nothing moves backwards from a terminal state.
	_, err = c.CancelOrder(ctx, requester, order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	got, err := c.GetOrder(ctx, agentPrincipal("agent-1"), order.ID)
	require.NoError(t, err)
	require.Equal(t, completed.Version, got.Version)

	for _, agent := range c.ListAgents() {
		require.Equal(t, domain.AgentAvailable, agent.Status)
	}
	require.Equal(t, []domain.EventType{
		domain.EventMatched, domain.EventInProgress, domain.EventCompleted,
	}, events.types())
	require.Empty(t, c.ListActiveOrders())
}

func TestCancelOrder(t *testing.T) {
	c, _, events := newTestCoordinator(t, Config{})
	register(t, c, "agent-1", 0, 0.001)
	ctx := context.Background()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{})
	require.NoError(t, err)
	step(t, c)

	stranger := domain.Principal{Subject: "requester-2", Role: domain.RoleRequester}
	_, err = c.CancelOrder(ctx, stranger, order.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = c.GetOrder(ctx, stranger, order.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	cancelled, err := c.CancelOrder(ctx, requester, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCancelled, cancelled.State)
	require.Equal(t, domain.CancelByRequester, cancelled.CancelReason)
	require.Nil(t, cancelled.AgentID)
	require.Equal(t, domain.EventCancelled, events.last().Type)

	agents := c.ListAgents()
	require.Equal(t, domain.AgentAvailable, agents[0].Status)

	_, err = c.CancelOrder(ctx, admin, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdminCancelsInProgressOrder(t *testing.T) {
	c, _, events := newTestCoordinator(t, Config{})
	register(t, c, "agent-1", 0, 0.001)
	ctx := context.Background()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{})
	require.NoError(t, err)
	step(t, c)
	_, err = c.StartOrder(ctx, agentPrincipal("agent-1"), order.ID)
	require.NoError(t, err)

	cancelled, err := c.CancelOrder(ctx, admin, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CancelByAdmin, cancelled.CancelReason)
	require.Equal(t, domain.CancelByAdmin, events.last().Reason)
	require.Equal(t, domain.AgentAvailable, c.ListAgents()[0].Status)
}

func TestUpdateAgentPositionDropsStaleReports(t *testing.T) {
	c, clock, _ := newTestCoordinator(t, Config{})
	register(t, c, "agent-1", 0, 0.001)
	ctx := context.Background()

	now := clock.Now()
	require.NoError(t, c.UpdateAgentPosition(ctx, "agent-1", domain.GeoPoint{Lat: 1, Lng: 1}, now.Add(time.Second)))
	require.NoError(t, c.UpdateAgentPosition(ctx, "agent-1", domain.GeoPoint{Lat: 2, Lng: 2}, now))

	agent := c.ListAgents()[0]
	require.Equal(t, domain.GeoPoint{Lat: 1, Lng: 1}, agent.Position)

	err := c.UpdateAgentPosition(ctx, "ghost", domain.GeoPoint{}, now)
	require.ErrorIs(t, err, domain.ErrNotFound)
	err = c.UpdateAgentPosition(ctx, "agent-1", domain.GeoPoint{Lat: 100}, now.Add(time.Hour))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSetAgentOfflineRequeuesReservedOrder(t *testing.T) {
	c, _, events := newTestCoordinator(t, Config{})
	register(t, c, "agent-1", 0, 0.001)
	ctx := context.Background()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{})
	require.NoError(t, err)
	step(t, c)

	_, err = c.SetAgentOffline(ctx, agentPrincipal("agent-2"), "agent-1")
	require.ErrorIs(t, err, domain.ErrForbidden)

	agent, err := c.SetAgentOffline(ctx, agentPrincipal("agent-1"), "agent-1")
	require.NoError(t, err)
	require.Equal(t, domain.AgentOffline, agent.Status)
	require.Equal(t, domain.EventRequeued, events.last().Type)

	got, err := c.GetOrder(ctx, requester, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCreated, got.State)

	// No one else is around, so the retry finds nothing.
	step(t, c)
	got, err = c.GetOrder(ctx, requester, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderCreated, got.State)
	require.Equal(t, domain.AgentOffline, c.ListAgents()[0].Status)

	// Coming back online makes the agent matchable again.
	back := register(t, c, "agent-1", 0, 0.001)
	require.Equal(t, domain.AgentAvailable, back.Status)
}

func TestBackoff(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{RetryBaseDelay: 100 * time.Millisecond, RetryMaxDelay: time.Second})
	require.Equal(t, 100*time.Millisecond, c.backoff(0))
	require.Equal(t, 200*time.Millisecond, c.backoff(1))
	require.Equal(t, 800*time.Millisecond, c.backoff(3))
	require.Equal(t, time.Second, c.backoff(4))
	require.Equal(t, time.Second, c.backoff(63))
}

func TestListOrdersByRequester(t *testing.T) {
	c, clock, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < defaultOrderPage+5; i++ {
		order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{Pickup: domain.GeoPoint{Lat: 1, Lng: 1}})
		require.NoError(t, err)
		ids = append(ids, order.ID)
		clock.Advance(time.Second)
	}
	other := domain.Principal{Subject: "requester-2", Role: domain.RoleRequester}
	_, err := c.SubmitOrder(ctx, other, SubmitOrderRequest{Pickup: domain.GeoPoint{Lat: 1, Lng: 1}})
	require.NoError(t, err)

	page, err := c.ListOrdersByRequester(requester, 0)
	require.NoError(t, err)
	require.Len(t, page, defaultOrderPage)
	require.Equal(t, ids[len(ids)-1], page[0].ID)

	page, err = c.ListOrdersByRequester(requester, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)

	page, err = c.ListOrdersByRequester(requester, maxOrderPage+1)
	require.NoError(t, err)
	require.Len(t, page, len(ids))

	page, err = c.ListOrdersByRequester(other, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)

	_, err = c.ListOrdersByRequester(domain.Principal{}, 0)
	require.ErrorIs(t, err, domain.ErrForbidden)
}

func TestOrderStats(t *testing.T) {
	c, _, _ := newTestCoordinator(t, Config{})
	ctx := context.Background()

	order, err := c.SubmitOrder(ctx, requester, SubmitOrderRequest{Pickup: domain.GeoPoint{Lat: 1, Lng: 1}})
	require.NoError(t, err)
	_, err = c.SubmitOrder(ctx, requester, SubmitOrderRequest{Pickup: domain.GeoPoint{Lat: 1, Lng: 1}})
	require.NoError(t, err)
	_, err = c.CancelOrder(ctx, requester, order.ID)
	require.NoError(t, err)

	_, err = c.OrderStats(requester)
	require.ErrorIs(t, err, domain.ErrForbidden)

	stats, err := c.OrderStats(admin)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.ByState[domain.OrderCreated])
	require.Equal(t, 1, stats.ByState[domain.OrderCancelled])
	require.Zero(t, stats.ByState[domain.OrderInProgress])
}

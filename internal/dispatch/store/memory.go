package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

const shardCount = 32

// Store holds the canonical agent and order records. Records are only changed
// through the compare-and-swap transition methods; readers always get copies.
type Store struct {
	orders [shardCount]orderShard
	agents [shardCount]agentShard
}

type orderShard struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*domain.Order
}

type agentShard struct {
	mu      sync.RWMutex
	records map[string]*domain.Agent
}

// New constructs an empty store.
func New() *Store {
	s := &Store{}
	for i := range s.orders {
		s.orders[i].records = make(map[uuid.UUID]*domain.Order)
		s.agents[i].records = make(map[string]*domain.Agent)
	}
	return s
}

func (s *Store) orderShard(id uuid.UUID) *orderShard {
	return &s.orders[xxhash.Sum64(id[:])%shardCount]
}

func (s *Store) agentShard(id string) *agentShard {
	return &s.agents[xxhash.Sum64String(id)%shardCount]
}

// CreateOrder stores a new order in the created state with version 1.
func (s *Store) CreateOrder(order domain.Order) (domain.Order, error) {
	if order.ID == uuid.Nil {
		return domain.Order{}, fmt.Errorf("%w: order id required", domain.ErrInvalidArgument)
	}
	sh := s.orderShard(order.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.records[order.ID]; exists {
		return domain.Order{}, fmt.Errorf("%w: order %s already exists", domain.ErrInvalidArgument, order.ID)
	}
	created := order.Clone()
	created.State = domain.OrderCreated
	created.AgentID = nil
	created.Version = 1
	sh.records[order.ID] = &created
	return created.Clone(), nil
}

// GetOrder returns a copy of the order.
func (s *Store) GetOrder(id uuid.UUID) (domain.Order, error) {
	sh := s.orderShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	order, ok := sh.records[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return order.Clone(), nil
}

// TransitionOrder applies event to the order when expectedVersion matches the
// stored version. mutate may fill in fields that belong to the new state; it
// runs on a copy and never sees the stored record.
func (s *Store) TransitionOrder(id uuid.UUID, expectedVersion int64, event domain.OrderEvent, mutate func(*domain.Order)) (domain.Order, error) {
	sh := s.orderShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.records[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	if current.Version != expectedVersion {
		return current.Clone(), fmt.Errorf("%w: order %s at version %d, caller had %d", domain.ErrVersionConflict, id, current.Version, expectedVersion)
	}
	next, err := domain.NextOrderState(current.State, event)
	if err != nil {
		return current.Clone(), err
	}

	updated := current.Clone()
	updated.State = next
	if mutate != nil {
		mutate(&updated)
	}
	switch next {
	case domain.OrderMatched, domain.OrderInProgress:
		if updated.AgentID == nil {
			return current.Clone(), fmt.Errorf("%w: %s order needs an agent", domain.ErrInvalidArgument, next)
		}
	default:
		updated.AgentID = nil
	}
	updated.ID = current.ID
	updated.Version = current.Version + 1
	sh.records[id] = &updated
	return updated.Clone(), nil
}

// ListActiveOrders returns a snapshot of all non-terminal orders ordered by
// creation time.
func (s *Store) ListActiveOrders() []domain.Order {
	return s.listOrders(func(o *domain.Order) bool { return o.State.Active() })
}

// OrdersInState returns a snapshot of orders currently in state.
func (s *Store) OrdersInState(state domain.OrderState) []domain.Order {
	return s.listOrders(func(o *domain.Order) bool { return o.State == state })
}

// OrdersByRequester returns the orders of requester, newest first, at most
// limit of them. The scan is linear in the number of stored orders.
func (s *Store) OrdersByRequester(requester string, limit int) []domain.Order {
	out := s.listOrders(func(o *domain.Order) bool { return o.RequesterID == requester })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountOrders returns the number of orders per state, every state present.
func (s *Store) CountOrders() domain.OrderStats {
	stats := domain.OrderStats{ByState: make(map[domain.OrderState]int, len(domain.OrderStates))}
	for _, state := range domain.OrderStates {
		stats.ByState[state] = 0
	}
	unlock := s.rlockOrders()
	defer unlock()
	for i := range s.orders {
		for _, order := range s.orders[i].records {
			stats.ByState[order.State]++
			stats.Total++
		}
	}
	return stats
}

// Snapshot returns the active orders and every agent read while all shards
// are locked, so the two lists describe the same instant.
func (s *Store) Snapshot() ([]domain.Order, []domain.Agent) {
	unlockOrders := s.rlockOrders()
	unlockAgents := s.rlockAgents()
	orders := s.collectOrders(func(o *domain.Order) bool { return o.State.Active() })
	agents := s.collectAgents()
	unlockAgents()
	unlockOrders()
	sortOrders(orders)
	sortAgents(agents)
	return orders, agents
}

// listOrders holds every order shard read lock for the whole scan, so the
// result is a point-in-time view rather than a shard-by-shard one.
func (s *Store) listOrders(keep func(*domain.Order) bool) []domain.Order {
	unlock := s.rlockOrders()
	out := s.collectOrders(keep)
	unlock()
	sortOrders(out)
	return out
}

func (s *Store) collectOrders(keep func(*domain.Order) bool) []domain.Order {
	var out []domain.Order
	for i := range s.orders {
		for _, order := range s.orders[i].records {
			if keep(order) {
				out = append(out, order.Clone())
			}
		}
	}
	return out
}

func (s *Store) collectAgents() []domain.Agent {
	var out []domain.Agent
	for i := range s.agents {
		for _, agent := range s.agents[i].records {
			out = append(out, agent.Clone())
		}
	}
	return out
}

// rlockOrders read-locks the order shards in index order. Writers only ever
// hold one shard, so the fixed order cannot deadlock.
func (s *Store) rlockOrders() func() {
	for i := range s.orders {
		s.orders[i].mu.RLock()
	}
	return func() {
		for i := range s.orders {
			s.orders[i].mu.RUnlock()
		}
	}
}

func (s *Store) rlockAgents() func() {
	for i := range s.agents {
		s.agents[i].mu.RLock()
	}
	return func() {
		for i := range s.agents {
			s.agents[i].mu.RUnlock()
		}
	}
}

func sortOrders(out []domain.Order) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
}

func sortAgents(out []domain.Agent) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
}

// PutAgent registers an agent or refreshes its capability tags. New agents and
// agents coming back from offline become available.
func (s *Store) PutAgent(agent domain.Agent) (domain.Agent, error) {
	if agent.ID == "" {
		return domain.Agent{}, fmt.Errorf("%w: agent id required", domain.ErrInvalidArgument)
	}
	sh := s.agentShard(agent.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.records[agent.ID]
	if !ok {
		created := agent.Clone()
		created.Status = domain.AgentAvailable
		created.OrderID = nil
		created.Version = 1
		sh.records[agent.ID] = &created
		return created.Clone(), nil
	}

	updated := current.Clone()
	updated.Tags = agent.Tags.Clone()
	if !agent.ReportedAt.Before(current.ReportedAt) {
		updated.Position = agent.Position
		updated.ReportedAt = agent.ReportedAt
	}
	if current.Status == domain.AgentOffline {
		updated.Status = domain.AgentAvailable
		updated.OrderID = nil
		updated.Version = current.Version + 1
	}
	sh.records[agent.ID] = &updated
	return updated.Clone(), nil
}

// GetAgent returns a copy of the agent.
func (s *Store) GetAgent(id string) (domain.Agent, error) {
	sh := s.agentShard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	agent, ok := sh.records[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	return agent.Clone(), nil
}

// TransitionAgent moves the agent to next when expectedVersion matches.
// orderID is recorded for reserved and busy agents and cleared otherwise.
func (s *Store) TransitionAgent(id string, expectedVersion int64, next domain.AgentStatus, orderID *uuid.UUID) (domain.Agent, error) {
	sh := s.agentShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.records[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	if current.Version != expectedVersion {
		return current.Clone(), fmt.Errorf("%w: agent %s at version %d, caller had %d", domain.ErrVersionConflict, id, current.Version, expectedVersion)
	}
	if err := domain.CheckAgentTransition(current.Status, next); err != nil {
		return current.Clone(), err
	}

	updated := current.Clone()
	updated.Status = next
	updated.OrderID = nil
	if next == domain.AgentReserved || next == domain.AgentBusy {
		if orderID == nil {
			return current.Clone(), fmt.Errorf("%w: %s agent needs an order", domain.ErrInvalidArgument, next)
		}
		oid := *orderID
		updated.OrderID = &oid
	}
	updated.Version = current.Version + 1
	sh.records[updated.ID] = &updated
	return updated.Clone(), nil
}

// UpdateAgentPosition records a position report. Reports older than the
// stored one leave the record untouched and return ErrStaleUpdate.
func (s *Store) UpdateAgentPosition(id string, point domain.GeoPoint, reportedAt time.Time) (domain.Agent, error) {
	sh := s.agentShard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	current, ok := sh.records[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("%w: agent %s", domain.ErrNotFound, id)
	}
	if reportedAt.Before(current.ReportedAt) {
		return current.Clone(), domain.ErrStaleUpdate
	}
	current.Position = point
	current.ReportedAt = reportedAt
	return current.Clone(), nil
}

// ListAgents returns a snapshot of every agent ordered by id, read under all
// agent shard locks.
func (s *Store) ListAgents() []domain.Agent {
	unlock := s.rlockAgents()
	out := s.collectAgents()
	unlock()
	sortAgents(out)
	return out
}

package matching

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/spatial"
)

// ExpansionLimit bounds how often the search radius doubles, so a lookup
// never covers more than 16 times the initial radius.
const ExpansionLimit = 4

// Config tunes the candidate search and the claim loop.
type Config struct {
	CandidateLimit      int
	InitialRadiusMeters float64
	MaxRadiusMeters     float64
	MaxExpansions       int
	ClaimRetries        int
	LeaseTTL            time.Duration
	Policy              Policy
}

func (c Config) withDefaults() Config {
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = 5
	}
	if c.InitialRadiusMeters <= 0 {
		c.InitialRadiusMeters = 1000
	}
	if c.MaxRadiusMeters < c.InitialRadiusMeters {
		c.MaxRadiusMeters = c.InitialRadiusMeters * 16
	}
	switch {
	case c.MaxExpansions < 0:
		c.MaxExpansions = 0
	case c.MaxExpansions == 0 && c.MaxRadiusMeters > c.InitialRadiusMeters:
		c.MaxExpansions = ExpansionLimit
	case c.MaxExpansions > ExpansionLimit:
		c.MaxExpansions = ExpansionLimit
	}
	if c.ClaimRetries <= 0 {
		c.ClaimRetries = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.Policy == nil {
		c.Policy = NearestPolicy{}
	}
	return c
}

// Assignment is the outcome of a successful match.
type Assignment struct {
	Order          domain.Order
	Agent          domain.Agent
	DistanceMeters float64
	RadiusMeters   float64
}

// Matcher assigns created orders to the nearest eligible available agent.
// The spatial index only proposes candidates; every claim is re-validated
// against the canonical agent record.
type Matcher struct {
	store  Store
	index  Index
	leases LeaseStore
	clock  domain.Clock
	logger *zap.Logger
	cfg    Config
}

// New constructs a Matcher. leases may be nil when a single process owns
// every agent.
func New(store Store, index Index, leases LeaseStore, clock domain.Clock, logger *zap.Logger, cfg Config) *Matcher {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		store:  store,
		index:  index,
		leases: leases,
		clock:  clock,
		logger: logger.Named("matcher"),
		cfg:    cfg.withDefaults(),
	}
}

// Match tries to move the order from created to matched.
func (m *Matcher) Match(ctx context.Context, orderID uuid.UUID) (Assignment, error) {
	start := time.Now()
	result := "error"
	defer func() { matchingDuration.WithLabelValues(result).Observe(time.Since(start).Seconds()) }()

	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return Assignment{}, err
	}
	if order.State != domain.OrderCreated {
		result = "invalid"
		return Assignment{Order: order}, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, order.ID, order.State)
	}
	if order.Expired(m.clock.Now()) {
		result = "exhausted"
		return m.exhaust(order)
	}

	tried := make(map[string]struct{})
	radius := m.cfg.InitialRadiusMeters
	for expansion := 0; ; expansion++ {
		if err := ctx.Err(); err != nil {
			return Assignment{}, err
		}
		candidates, err := m.index.QueryNearest(ctx, order.Pickup, radius, order.Tags, m.cfg.CandidateLimit)
		if err != nil {
			return Assignment{}, fmt.Errorf("query nearest: %w", err)
		}
		for _, c := range m.cfg.Policy.Rank(order, candidates) {
			if _, done := tried[c.AgentID]; done {
				continue
			}
			tried[c.AgentID] = struct{}{}

			agent, ok, err := m.claim(ctx, order, c.AgentID)
			if err != nil {
				return Assignment{}, err
			}
			if !ok {
				continue
			}
			assignment, err := m.assign(ctx, order, agent, c)
			if err != nil {
				return Assignment{}, err
			}
			assignment.RadiusMeters = radius
			radiusExpansions.Observe(float64(expansion))
			result = "matched"
			return assignment, nil
		}
		if expansion >= m.cfg.MaxExpansions || radius >= m.cfg.MaxRadiusMeters {
			break
		}
		radius = math.Min(radius*2, m.cfg.MaxRadiusMeters)
	}
	result = "no_candidate"
	return Assignment{Order: order}, fmt.Errorf("%w: order %s within %.0fm", domain.ErrNoCandidate, order.ID, radius)
}

func (m *Matcher) exhaust(order domain.Order) (Assignment, error) {
	now := m.clock.Now()
	cancelled, err := m.store.TransitionOrder(order.ID, order.Version, domain.OrderEventCancel, func(o *domain.Order) {
		o.CancelReason = domain.CancelExhausted
		o.FinishedAt = &now
	})
	if err != nil {
		return Assignment{}, fmt.Errorf("cancel exhausted order: %w", err)
	}
	return Assignment{Order: cancelled}, fmt.Errorf("%w: order %s", domain.ErrExhausted, order.ID)
}

// claim moves the agent from available to reserved for the order. It reports
// false when the agent no longer qualifies or the lease is held elsewhere.
func (m *Matcher) claim(ctx context.Context, order domain.Order, agentID string) (domain.Agent, bool, error) {
	for attempt := 0; attempt < m.cfg.ClaimRetries; attempt++ {
		agent, err := m.store.GetAgent(agentID)
		if errors.Is(err, domain.ErrNotFound) {
			claimAttempts.WithLabelValues("missing").Inc()
			return domain.Agent{}, false, nil
		}
		if err != nil {
			return domain.Agent{}, false, err
		}
		if agent.Status != domain.AgentAvailable || !agent.Tags.Contains(order.Tags) {
			claimAttempts.WithLabelValues("unavailable").Inc()
			// The index lagged behind the canonical record.
			m.project(ctx, agent)
			return domain.Agent{}, false, nil
		}

		reserved, err := m.store.TransitionAgent(agent.ID, agent.Version, domain.AgentReserved, &order.ID)
		if errors.Is(err, domain.ErrVersionConflict) {
			claimAttempts.WithLabelValues("conflict").Inc()
			continue
		}
		if err != nil {
			return domain.Agent{}, false, fmt.Errorf("reserve agent %s: %w", agent.ID, err)
		}
		m.project(ctx, reserved)

		if m.leases != nil {
			ok, err := m.leases.TryReserve(ctx, reserved.ID, order.ID, m.cfg.LeaseTTL)
			if err != nil || !ok {
				if err != nil {
					m.logger.Warn("lease unavailable", zap.String("agent_id", reserved.ID), zap.Error(err))
				}
				claimAttempts.WithLabelValues("lease_denied").Inc()
				m.rollback(ctx, reserved)
				return domain.Agent{}, false, nil
			}
		}
		claimAttempts.WithLabelValues("claimed").Inc()
		return reserved, true, nil
	}
	return domain.Agent{}, false, nil
}

func (m *Matcher) assign(ctx context.Context, order domain.Order, agent domain.Agent, c spatial.Candidate) (Assignment, error) {
	now := m.clock.Now()
	agentID := agent.ID
	matched, err := m.store.TransitionOrder(order.ID, order.Version, domain.OrderEventMatch, func(o *domain.Order) {
		o.AgentID = &agentID
		o.MatchedAt = &now
	})
	if err != nil {
		m.rollback(ctx, agent)
		if m.leases != nil {
			if lerr := m.leases.Release(ctx, agent.ID, order.ID); lerr != nil {
				m.logger.Warn("release lease", zap.String("agent_id", agent.ID), zap.Error(lerr))
			}
		}
		return Assignment{}, fmt.Errorf("assign order %s: %w", order.ID, err)
	}
	m.logger.Debug("order matched",
		zap.String("order_id", order.ID.String()),
		zap.String("agent_id", agent.ID),
		zap.Float64("distance_m", c.DistanceMeters))
	return Assignment{Order: matched, Agent: agent, DistanceMeters: c.DistanceMeters}, nil
}

// rollback returns a just-reserved agent to available. A version conflict
// means someone else already moved the agent on, which is fine.
func (m *Matcher) rollback(ctx context.Context, reserved domain.Agent) {
	released, err := m.store.TransitionAgent(reserved.ID, reserved.Version, domain.AgentAvailable, nil)
	if err != nil {
		m.logger.Debug("rollback skipped", zap.String("agent_id", reserved.ID), zap.Error(err))
		return
	}
	m.project(ctx, released)
}

// ReleaseAgent returns the agent to available if it is still held for
// orderID. Agents that moved on (offline, other order) are left alone.
func (m *Matcher) ReleaseAgent(ctx context.Context, agentID string, orderID uuid.UUID) error {
	_, err := m.moveAgent(ctx, agentID, orderID, domain.AgentAvailable)
	if m.leases != nil {
		if lerr := m.leases.Release(ctx, agentID, orderID); lerr != nil {
			m.logger.Warn("release lease", zap.String("agent_id", agentID), zap.Error(lerr))
		}
	}
	return err
}

// OccupyAgent moves the reserved agent to busy when its order starts.
func (m *Matcher) OccupyAgent(ctx context.Context, agentID string, orderID uuid.UUID) (domain.Agent, error) {
	return m.moveAgent(ctx, agentID, orderID, domain.AgentBusy)
}

func (m *Matcher) moveAgent(ctx context.Context, agentID string, orderID uuid.UUID, next domain.AgentStatus) (domain.Agent, error) {
	for attempt := 0; attempt < m.cfg.ClaimRetries; attempt++ {
		agent, err := m.store.GetAgent(agentID)
		if err != nil {
			return domain.Agent{}, err
		}
		if agent.OrderID == nil || *agent.OrderID != orderID {
			if next == domain.AgentAvailable {
				return agent, nil
			}
			return agent, fmt.Errorf("%w: agent %s is not held for order %s", domain.ErrAgentMismatch, agentID, orderID)
		}
		var held *uuid.UUID
		if next != domain.AgentAvailable {
			held = &orderID
		}
		moved, err := m.store.TransitionAgent(agentID, agent.Version, next, held)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return agent, fmt.Errorf("move agent %s to %s: %w", agentID, next, err)
		}
		m.project(ctx, moved)
		return moved, nil
	}
	return domain.Agent{}, fmt.Errorf("%w: agent %s kept changing", domain.ErrVersionConflict, agentID)
}

func (m *Matcher) project(ctx context.Context, agent domain.Agent) {
	if err := m.index.UpdateStatus(ctx, agent.ID, agent.Status, agent.Version); err != nil {
		m.logger.Warn("index status update failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}
}

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/spatial"
)

// SubmitOrderRequest carries the caller supplied order fields.
type SubmitOrderRequest struct {
	Pickup   domain.GeoPoint `json:"pickup"`
	Tags     []string        `json:"tags"`
	Deadline *time.Time      `json:"deadline,omitempty"`
}

// RegisterAgentRequest announces an agent and its capabilities. ID is only
// honoured for admins; agents always register themselves.
type RegisterAgentRequest struct {
	ID         string          `json:"id,omitempty"`
	Position   domain.GeoPoint `json:"position"`
	Tags       []string        `json:"tags"`
	ReportedAt time.Time       `json:"reported_at"`
}

// SubmitOrder records a new order and queues it for matching. Business
// outcomes such as an elapsed deadline are reported through events.
func (c *Coordinator) SubmitOrder(ctx context.Context, principal domain.Principal, req SubmitOrderRequest) (domain.Order, error) {
	if principal.Subject == "" {
		return domain.Order{}, fmt.Errorf("%w: anonymous principal", domain.ErrForbidden)
	}
	if principal.Role != domain.RoleRequester && !principal.IsAdmin() {
		return domain.Order{}, fmt.Errorf("%w: role %s cannot submit orders", domain.ErrForbidden, principal.Role)
	}
	if !req.Pickup.Valid() {
		return domain.Order{}, fmt.Errorf("%w: pickup %v", domain.ErrInvalidArgument, req.Pickup)
	}

	order, err := c.store.CreateOrder(domain.Order{
		ID:          uuid.New(),
		RequesterID: principal.Subject,
		Pickup:      req.Pickup,
		Tags:        domain.NewTagSet(req.Tags...),
		CreatedAt:   c.clock.Now(),
		Deadline:    req.Deadline,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}
	orderOutcomes.WithLabelValues("submitted").Inc()
	c.queue.push(workItem{orderID: order.ID})
	return order, nil
}

// CancelOrder cancels an order on behalf of its requester or an admin.
func (c *Coordinator) CancelOrder(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error) {
	reason := domain.CancelByRequester
	if principal.IsAdmin() {
		reason = domain.CancelByAdmin
	}
	return c.cancel(ctx, orderID, reason, func(o domain.Order) error {
		if principal.IsAdmin() || (principal.Subject != "" && o.RequesterID == principal.Subject) {
			return nil
		}
		return fmt.Errorf("%w: order %s belongs to another requester", domain.ErrForbidden, o.ID)
	})
}

func stillCreated(o domain.Order) error {
	if o.State != domain.OrderCreated {
		return fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, o.ID, o.State)
	}
	return nil
}

// cancel applies the cancel transition, releases any assigned agent and
// emits the event. check runs against every fresh read of the order.
func (c *Coordinator) cancel(ctx context.Context, orderID uuid.UUID, reason domain.CancelReason, check func(domain.Order) error) (domain.Order, error) {
	for attempt := 0; attempt < transitionRetries; attempt++ {
		order, err := c.store.GetOrder(orderID)
		if err != nil {
			return domain.Order{}, err
		}
		if check != nil {
			if err := check(order); err != nil {
				return order, err
			}
		}
		now := c.clock.Now()
		cancelled, err := c.store.TransitionOrder(order.ID, order.Version, domain.OrderEventCancel, func(o *domain.Order) {
			o.CancelReason = reason
			o.FinishedAt = &now
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		if order.AgentID != nil {
			if err := c.matcher.ReleaseAgent(ctx, *order.AgentID, order.ID); err != nil {
				c.logger.Warn("release agent after cancel", zap.String("agent_id", *order.AgentID), zap.Error(err))
			}
		}
		orderOutcomes.WithLabelValues("cancelled").Inc()
		c.publish(ctx, domain.NewEvent(domain.EventCancelled, cancelled, "", now))
		return cancelled, nil
	}
	return domain.Order{}, fmt.Errorf("%w: order %s kept changing", domain.ErrVersionConflict, orderID)
}

// StartOrder is called by the assigned agent when it picks the order up.
func (c *Coordinator) StartOrder(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error) {
	order, err := c.agentTransition(orderID, principal, domain.OrderEventStart, func(o *domain.Order, now time.Time) {
		o.StartedAt = &now
	})
	if err != nil {
		return order, err
	}
	if _, err := c.matcher.OccupyAgent(ctx, *order.AgentID, order.ID); err != nil {
		c.logger.Warn("occupy agent", zap.String("agent_id", *order.AgentID), zap.Error(err))
	}
	orderOutcomes.WithLabelValues("started").Inc()
	c.publish(ctx, domain.NewEvent(domain.EventInProgress, order, *order.AgentID, *order.StartedAt))
	return order, nil
}

// CompleteOrder is called by the assigned agent when the order is done. The
// agent becomes available again.
func (c *Coordinator) CompleteOrder(ctx context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error) {
	order, err := c.agentTransition(orderID, principal, domain.OrderEventComplete, func(o *domain.Order, now time.Time) {
		o.FulfilledBy = *o.AgentID
		o.FinishedAt = &now
	})
	if err != nil {
		return order, err
	}
	if err := c.matcher.ReleaseAgent(ctx, order.FulfilledBy, order.ID); err != nil {
		c.logger.Warn("release agent after completion", zap.String("agent_id", order.FulfilledBy), zap.Error(err))
	}
	orderOutcomes.WithLabelValues("completed").Inc()
	c.publish(ctx, domain.NewEvent(domain.EventCompleted, order, order.FulfilledBy, *order.FinishedAt))
	return order, nil
}

func (c *Coordinator) agentTransition(orderID uuid.UUID, principal domain.Principal, event domain.OrderEvent, mutate func(*domain.Order, time.Time)) (domain.Order, error) {
	for attempt := 0; attempt < transitionRetries; attempt++ {
		order, err := c.store.GetOrder(orderID)
		if err != nil {
			return domain.Order{}, err
		}
		if !order.State.CanApply(event) {
			return order, fmt.Errorf("%w: %s on %s order %s", domain.ErrInvalidTransition, event, order.State, order.ID)
		}
		if !principal.IsAdmin() && (order.AgentID == nil || *order.AgentID != principal.Subject) {
			return order, fmt.Errorf("%w: order %s is not assigned to %s", domain.ErrAgentMismatch, order.ID, principal.Subject)
		}
		now := c.clock.Now()
		updated, err := c.store.TransitionOrder(order.ID, order.Version, event, func(o *domain.Order) {
			mutate(o, now)
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		return updated, err
	}
	return domain.Order{}, fmt.Errorf("%w: order %s kept changing", domain.ErrVersionConflict, orderID)
}

// GetOrder returns the order to its requester, its assigned agent or an admin.
func (c *Coordinator) GetOrder(_ context.Context, principal domain.Principal, orderID uuid.UUID) (domain.Order, error) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	switch {
	case principal.IsAdmin():
	case order.RequesterID == principal.Subject:
	case order.AgentID != nil && *order.AgentID == principal.Subject:
	case order.FulfilledBy != "" && order.FulfilledBy == principal.Subject:
	default:
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrForbidden, orderID)
	}
	return order, nil
}

// RegisterAgent adds the agent or refreshes its tags, bringing offline agents
// back to available.
func (c *Coordinator) RegisterAgent(ctx context.Context, principal domain.Principal, req RegisterAgentRequest) (domain.Agent, error) {
	id := principal.Subject
	switch {
	case principal.IsAdmin() && strings.TrimSpace(req.ID) != "":
		id = strings.TrimSpace(req.ID)
	case principal.Role != domain.RoleAgent && !principal.IsAdmin():
		return domain.Agent{}, fmt.Errorf("%w: role %s cannot register agents", domain.ErrForbidden, principal.Role)
	}
	if id == "" {
		return domain.Agent{}, fmt.Errorf("%w: agent id required", domain.ErrInvalidArgument)
	}
	if !req.Position.Valid() {
		return domain.Agent{}, fmt.Errorf("%w: position %v", domain.ErrInvalidArgument, req.Position)
	}
	reportedAt := req.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = c.clock.Now()
	}

	agent, err := c.store.PutAgent(domain.Agent{
		ID:         id,
		Position:   req.Position,
		ReportedAt: reportedAt,
		Tags:       domain.NewTagSet(req.Tags...),
	})
	if err != nil {
		return domain.Agent{}, fmt.Errorf("register agent: %w", err)
	}
	if err := c.project(ctx, agent); err != nil {
		return agent, err
	}
	c.logger.Info("agent registered", zap.String("agent_id", agent.ID), zap.Strings("tags", agent.Tags.Slice()))
	return agent, nil
}

// SetAgentOffline takes the agent out of matching. A match it had not yet
// started goes back to the queue.
func (c *Coordinator) SetAgentOffline(ctx context.Context, principal domain.Principal, agentID string) (domain.Agent, error) {
	if !principal.IsAdmin() && principal.Subject != agentID {
		return domain.Agent{}, fmt.Errorf("%w: agent %s", domain.ErrForbidden, agentID)
	}
	for attempt := 0; attempt < transitionRetries; attempt++ {
		agent, err := c.store.GetAgent(agentID)
		if err != nil {
			return domain.Agent{}, err
		}
		if agent.Status == domain.AgentOffline {
			return agent, nil
		}
		offline, err := c.store.TransitionAgent(agent.ID, agent.Version, domain.AgentOffline, nil)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return agent, err
		}
		if err := c.index.UpdateStatus(ctx, offline.ID, offline.Status, offline.Version); err != nil {
			c.logger.Warn("index status update failed", zap.String("agent_id", offline.ID), zap.Error(err))
		}
		if agent.Status == domain.AgentReserved && agent.OrderID != nil {
			c.requeue(ctx, *agent.OrderID, agent.ID)
		}
		c.logger.Info("agent offline", zap.String("agent_id", agent.ID))
		return offline, nil
	}
	return domain.Agent{}, fmt.Errorf("%w: agent %s kept changing", domain.ErrVersionConflict, agentID)
}

// UpdateAgentPosition records a position report. Reports older than the
// stored one are dropped without error.
func (c *Coordinator) UpdateAgentPosition(ctx context.Context, agentID string, point domain.GeoPoint, reportedAt time.Time) error {
	if !point.Valid() {
		return fmt.Errorf("%w: position %v", domain.ErrInvalidArgument, point)
	}
	agent, err := c.store.UpdateAgentPosition(agentID, point, reportedAt)
	if errors.Is(err, domain.ErrStaleUpdate) {
		staleUpdates.Inc()
		c.logger.Debug("stale position report", zap.String("agent_id", agentID), zap.Time("reported_at", reportedAt))
		return nil
	}
	if err != nil {
		return err
	}
	return c.project(ctx, agent)
}

func (c *Coordinator) project(ctx context.Context, agent domain.Agent) error {
	applied, err := c.index.Upsert(ctx, spatial.Entry{
		AgentID:    agent.ID,
		Position:   agent.Position,
		ReportedAt: agent.ReportedAt,
		Status:     agent.Status,
		Version:    agent.Version,
		Tags:       agent.Tags,
	})
	if err != nil {
		return fmt.Errorf("index agent %s: %w", agent.ID, err)
	}
	if !applied {
		staleUpdates.Inc()
	}
	return nil
}

// ListActiveOrders returns a snapshot of every non-terminal order.
func (c *Coordinator) ListActiveOrders() []domain.Order {
	return c.store.ListActiveOrders()
}

// ListAgents returns a snapshot of every known agent.
func (c *Coordinator) ListAgents() []domain.Agent {
	return c.store.ListAgents()
}

const (
	defaultOrderPage = 50
	maxOrderPage     = 200
)

// ListOrdersByRequester returns the caller's own orders, newest first.
// limit <= 0 selects the default page size; larger limits are capped.
func (c *Coordinator) ListOrdersByRequester(principal domain.Principal, limit int) ([]domain.Order, error) {
	if principal.Subject == "" {
		return nil, fmt.Errorf("%w: principal subject required", domain.ErrForbidden)
	}
	switch {
	case limit <= 0:
		limit = defaultOrderPage
	case limit > maxOrderPage:
		limit = maxOrderPage
	}
	return c.store.OrdersByRequester(principal.Subject, limit), nil
}

// OrderStats counts orders per state. Admin only.
func (c *Coordinator) OrderStats(principal domain.Principal) (domain.OrderStats, error) {
	if !principal.IsAdmin() {
		return domain.OrderStats{}, fmt.Errorf("%w: order stats are admin only", domain.ErrForbidden)
	}
	return c.store.CountOrders(), nil
}

// Snapshot returns active orders and agents captured at one instant.
func (c *Coordinator) Snapshot() ([]domain.Order, []domain.Agent) {
	return c.store.Snapshot()
}

package coordinator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

// Sweep reverts matched orders whose agent did not start them within the
// match grace period. It returns the number of orders requeued.
func (c *Coordinator) Sweep(ctx context.Context) int {
	ctx, span := c.tracer.Start(ctx, "dispatch.sweep")
	defer span.End()

	cutoff := c.clock.Now().Add(-c.cfg.MatchGrace)
	requeued := 0
	for _, order := range c.store.OrdersInState(domain.OrderMatched) {
		if order.MatchedAt == nil || order.MatchedAt.After(cutoff) {
			continue
		}
		if c.requeue(ctx, order.ID, *order.AgentID) {
			requeued++
		}
	}
	return requeued
}

// requeue sends a matched order back to created if it is still held by
// agentID, frees the agent and queues the order again.
func (c *Coordinator) requeue(ctx context.Context, orderID uuid.UUID, agentID string) bool {
	for attempt := 0; attempt < transitionRetries; attempt++ {
		order, err := c.store.GetOrder(orderID)
		if err != nil {
			return false
		}
		if order.State != domain.OrderMatched || order.AgentID == nil || *order.AgentID != agentID {
			return false
		}
		reverted, err := c.store.TransitionOrder(order.ID, order.Version, domain.OrderEventRequeue, func(o *domain.Order) {
			o.MatchedAt = nil
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			c.logger.Warn("requeue order", zap.String("order_id", orderID.String()), zap.Error(err))
			return false
		}
		if err := c.matcher.ReleaseAgent(ctx, agentID, order.ID); err != nil {
			c.logger.Warn("release agent after requeue", zap.String("agent_id", agentID), zap.Error(err))
		}
		orderOutcomes.WithLabelValues("requeued").Inc()
		c.publish(ctx, domain.NewEvent(domain.EventRequeued, reverted, agentID, c.clock.Now()))
		c.queue.push(workItem{orderID: order.ID})
		return true
	}
	return false
}

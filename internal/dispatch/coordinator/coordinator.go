// Package coordinator drives orders through their lifecycle: it queues new
// orders, runs the matching workers, retries with backoff, reverts matches
// that were never started and emits lifecycle events.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/matching"
	"github.com/example/geodispatch/internal/dispatch/spatial"
	"github.com/example/geodispatch/internal/dispatch/store"
)

const transitionRetries = 5

// Config holds the worker and retry policy.
type Config struct {
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MatchGrace     time.Duration
	SweepInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.MatchGrace <= 0 {
		c.MatchGrace = 2 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	return c
}

// Coordinator owns the canonical store and everything that mutates it.
type Coordinator struct {
	store   *store.Store
	index   spatial.Index
	matcher *matching.Matcher
	events  domain.EventPublisher
	clock   domain.Clock
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config
	queue   *queue
}

// New constructs a Coordinator with the required collaborators.
func New(st *store.Store, index spatial.Index, matcher *matching.Matcher, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger, cfg Config) *Coordinator {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:   st,
		index:   index,
		matcher: matcher,
		events:  events,
		clock:   clock,
		logger:  logger.Named("coordinator"),
		tracer:  otel.Tracer("dispatch.coordinator"),
		cfg:     cfg.withDefaults(),
		queue:   newQueue(),
	}
}

// Run starts the workers and the timeout sweep and blocks until ctx is done.
// Items in flight finish before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every "+c.cfg.SweepInterval.String(), func() {
		if n := c.Sweep(ctx); n > 0 {
			c.logger.Info("requeued expired matches", zap.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	scheduler.Start()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.work(ctx)
		}()
	}
	c.logger.Info("coordinator started", zap.Int("workers", c.cfg.Workers))

	<-ctx.Done()
	<-scheduler.Stop().Done()
	c.queue.close()
	wg.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) work(ctx context.Context) {
	for {
		item, ok := c.queue.pop(ctx)
		if !ok {
			return
		}
		c.process(context.WithoutCancel(ctx), item)
	}
}

func (c *Coordinator) process(ctx context.Context, item workItem) {
	ctx, span := c.tracer.Start(ctx, "dispatch.match", trace.WithAttributes(
		attribute.String("order.id", item.orderID.String()),
		attribute.Int("attempt", item.attempt),
	))
	defer span.End()

	logger := c.logger.With(zap.String("order_id", item.orderID.String()), zap.Int("attempt", item.attempt))
	assignment, err := c.matcher.Match(ctx, item.orderID)
	switch {
	case err == nil:
		orderOutcomes.WithLabelValues("matched").Inc()
		span.SetAttributes(attribute.String("agent.id", assignment.Agent.ID))
		logger.Info("order matched", zap.String("agent_id", assignment.Agent.ID), zap.Float64("distance_m", assignment.DistanceMeters))
		c.publish(ctx, domain.NewEvent(domain.EventMatched, assignment.Order, assignment.Agent.ID, c.clock.Now()))
	case errors.Is(err, domain.ErrExhausted):
		orderOutcomes.WithLabelValues("exhausted").Inc()
		logger.Info("order deadline elapsed")
		c.publish(ctx, domain.NewEvent(domain.EventCancelled, assignment.Order, "", c.clock.Now()))
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		logger.Debug("order no longer pending", zap.Error(err))
	case errors.Is(err, domain.ErrVersionConflict):
		logger.Debug("order changed during match", zap.Error(err))
		c.queue.push(item)
	default:
		if !errors.Is(err, domain.ErrNoCandidate) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("match failed", zap.Error(err))
		}
		c.retry(ctx, item, logger)
	}
}

func (c *Coordinator) retry(ctx context.Context, item workItem, logger *zap.Logger) {
	if item.attempt+1 > c.cfg.MaxRetries {
		if _, err := c.cancel(ctx, item.orderID, domain.CancelUnfulfilled, stillCreated); err != nil {
			logger.Debug("skip unfulfillable cancel", zap.Error(err))
			return
		}
		orderOutcomes.WithLabelValues("unfulfillable").Inc()
		logger.Info("order cancelled", zap.Error(domain.ErrUnfulfillable))
		return
	}
	delay := c.backoff(item.attempt)
	orderOutcomes.WithLabelValues("retried").Inc()
	c.queue.pushAfter(workItem{orderID: item.orderID, attempt: item.attempt + 1}, delay)
}

func (c *Coordinator) backoff(attempt int) time.Duration {
	if attempt > 30 {
		return c.cfg.RetryMaxDelay
	}
	delay := c.cfg.RetryBaseDelay << attempt
	if delay <= 0 || delay > c.cfg.RetryMaxDelay {
		return c.cfg.RetryMaxDelay
	}
	return delay
}

func (c *Coordinator) publish(ctx context.Context, event domain.Event) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(ctx, event); err != nil {
		publishFailures.Inc()
		c.logger.Warn("publish event failed",
			zap.String("type", string(event.Type)),
			zap.String("order_id", event.OrderID.String()),
			zap.Error(err))
	}
}

// Pending reports queued and delayed orders.
func (c *Coordinator) Pending() int {
	return c.queue.size()
}

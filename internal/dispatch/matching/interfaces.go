package matching

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/spatial"
)

// Store is the canonical record store the matcher claims against.
type Store interface {
	GetOrder(id uuid.UUID) (domain.Order, error)
	TransitionOrder(id uuid.UUID, expectedVersion int64, event domain.OrderEvent, mutate func(*domain.Order)) (domain.Order, error)
	GetAgent(id string) (domain.Agent, error)
	TransitionAgent(id string, expectedVersion int64, next domain.AgentStatus, orderID *uuid.UUID) (domain.Agent, error)
}

// Index exposes the spatial queries and the status projection the matcher
// keeps in sync after every claim or release.
type Index interface {
	QueryNearest(ctx context.Context, point domain.GeoPoint, radiusMeters float64, required domain.TagSet, limit int) ([]spatial.Candidate, error)
	UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus, version int64) error
}

// LeaseStore serialises concurrent claims on one agent while a lease is live.
// It does not hold the agent for the whole reservation; after the TTL the
// canonical store alone keeps the agent exclusive.
type LeaseStore interface {
	TryReserve(ctx context.Context, agentID string, orderID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, agentID string, orderID uuid.UUID) error
}

// Policy orders the candidates of one query before claims are attempted.
type Policy interface {
	Rank(order domain.Order, candidates []spatial.Candidate) []spatial.Candidate
}

// NearestPolicy keeps the index order: nearest available wins.
type NearestPolicy struct{}

func (NearestPolicy) Rank(_ domain.Order, candidates []spatial.Candidate) []spatial.Candidate {
	return candidates
}

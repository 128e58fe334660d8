// Package spatial keeps a proximity-searchable projection of agent positions.
// The projection is never authoritative for agent status; callers re-check
// the canonical record before acting on a candidate.
package spatial

import (
	"context"
	"sort"
	"time"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

// Entry is the denormalised view of an agent kept by an index. Version is the
// agent status version and orders status updates.
type Entry struct {
	AgentID    string
	Position   domain.GeoPoint
	ReportedAt time.Time
	Status     domain.AgentStatus
	Version    int64
	Tags       domain.TagSet
}

// Candidate is a query hit.
type Candidate struct {
	AgentID        string
	Position       domain.GeoPoint
	DistanceMeters float64
}

// Index is implemented by GridIndex and RedisIndex.
type Index interface {
	// Upsert stores entry unless a newer position report is already stored,
	// in which case it returns false.
	Upsert(ctx context.Context, entry Entry) (bool, error)
	UpdateStatus(ctx context.Context, agentID string, status domain.AgentStatus, version int64) error
	Remove(ctx context.Context, agentID string) error
	QueryNearest(ctx context.Context, point domain.GeoPoint, radiusMeters float64, required domain.TagSet, limit int) ([]Candidate, error)
}

// closer orders candidates by distance, then agent id.
func closer(a, b Candidate) bool {
	if a.DistanceMeters != b.DistanceMeters {
		return a.DistanceMeters < b.DistanceMeters
	}
	return a.AgentID < b.AgentID
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool { return closer(cs[i], cs[j]) })
}

func eligible(status domain.AgentStatus, tags, required domain.TagSet) bool {
	return status == domain.AgentAvailable && tags.Contains(required)
}

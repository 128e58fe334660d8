package service

import (
	"context"
	"fmt"
	"time"

	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/spatial"
)

// CandidateSource answers proximity queries.
type CandidateSource interface {
	QueryNearest(ctx context.Context, point domain.GeoPoint, radiusMeters float64, required domain.TagSet, limit int) ([]spatial.Candidate, error)
}

// Config holds the speed assumptions used for estimates.
type Config struct {
	PickupSpeedKPH float64
	TravelSpeedKPH float64
	SearchRadiusM  float64
}

// Estimate is the pickup estimate of the nearest eligible agent.
type Estimate struct {
	AgentID        string        `json:"agent_id"`
	DistanceMeters float64       `json:"distance_m"`
	ETA            time.Duration `json:"eta"`
}

// Service calculates ETAs from straight-line distance and average speeds.
type Service struct {
	source CandidateSource
	cfg    Config
}

// New creates an ETA service.
func New(source CandidateSource, cfg Config) *Service {
	if cfg.PickupSpeedKPH <= 0 {
		cfg.PickupSpeedKPH = 30
	}
	if cfg.TravelSpeedKPH <= 0 {
		cfg.TravelSpeedKPH = 35
	}
	if cfg.SearchRadiusM <= 0 {
		cfg.SearchRadiusM = 10000
	}
	return &Service{source: source, cfg: cfg}
}

// EstimatePickup returns the estimate of the nearest available agent with the
// required tags. ok is false when nobody is within the search radius.
func (s *Service) EstimatePickup(ctx context.Context, pickup domain.GeoPoint, required domain.TagSet) (Estimate, bool, error) {
	if !pickup.Valid() {
		return Estimate{}, false, fmt.Errorf("%w: pickup %v", domain.ErrInvalidArgument, pickup)
	}
	candidates, err := s.source.QueryNearest(ctx, pickup, s.cfg.SearchRadiusM, required, 1)
	if err != nil {
		return Estimate{}, false, fmt.Errorf("nearest agent: %w", err)
	}
	if len(candidates) == 0 {
		return Estimate{}, false, nil
	}
	best := candidates[0]
	return Estimate{
		AgentID:        best.AgentID,
		DistanceMeters: best.DistanceMeters,
		ETA:            travelTime(best.DistanceMeters, s.cfg.PickupSpeedKPH),
	}, true, nil
}

// EstimateTravel approximates the time between two points.
func (s *Service) EstimateTravel(a, b domain.GeoPoint) time.Duration {
	return travelTime(domain.DistanceMeters(a, b), s.cfg.TravelSpeedKPH)
}

func travelTime(meters, kph float64) time.Duration {
	metersPerSecond := kph * 1000.0 / 3600.0
	return time.Duration(meters / metersPerSecond * float64(time.Second)).Round(time.Second)
}

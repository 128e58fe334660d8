package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/geodispatch/internal/dispatch/domain"
	"github.com/example/geodispatch/internal/dispatch/spatial"
	etasvc "github.com/example/geodispatch/internal/eta/service"
)

func TestEstimatePickup(t *testing.T) {
	ctx := context.Background()
	index := spatial.NewGridIndex(spatial.GridConfig{})
	_, err := index.Upsert(ctx, spatial.Entry{
		AgentID:  "a-1",
		Position: domain.GeoPoint{Lat: 0, Lng: 0.01},
		Status:   domain.AgentAvailable,
		Tags:     domain.NewTagSet("car"),
	})
	require.NoError(t, err)

	svc := etasvc.New(index, etasvc.Config{PickupSpeedKPH: 36})

	estimate, ok, err := svc.EstimatePickup(ctx, domain.GeoPoint{}, domain.NewTagSet("car"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a-1", estimate.AgentID)
	require.InDelta(t, 1112, estimate.DistanceMeters, 1)
	// 36 km/h is 10 m/s.
	require.Equal(t, 111*time.Second, estimate.ETA)

	_, ok, err = svc.EstimatePickup(ctx, domain.GeoPoint{}, domain.NewTagSet("van"))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = svc.EstimatePickup(ctx, domain.GeoPoint{Lat: -91}, nil)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEstimateTravel(t *testing.T) {
	svc := etasvc.New(nil, etasvc.Config{TravelSpeedKPH: 36})
	d := svc.EstimateTravel(domain.GeoPoint{}, domain.GeoPoint{Lat: 0, Lng: 0.001})
	require.Equal(t, 11*time.Second, d)
}

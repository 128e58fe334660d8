package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/geodispatch/internal/dispatch/domain"
)

var reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "location_reports_total",
	Help: "Position reports received per transport and outcome.",
}, []string{"transport", "result"})

// PositionSink accepts agent position reports.
type PositionSink interface {
	UpdateAgentPosition(ctx context.Context, agentID string, point domain.GeoPoint, reportedAt time.Time) error
}

// apply forwards one report. Reports the sink rejects as malformed or for an
// unknown agent return errRejected so transports can skip them.
func apply(ctx context.Context, sink PositionSink, transport string, msg AgentPosition) error {
	if msg.AgentId == "" {
		reportsTotal.WithLabelValues(transport, "rejected").Inc()
		return fmt.Errorf("%w: missing agent id", errRejected)
	}
	reportedAt := time.UnixMilli(msg.Ts).UTC()
	if msg.Ts == 0 {
		reportedAt = time.Now().UTC()
	}
	err := sink.UpdateAgentPosition(ctx, msg.AgentId, domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng}, reportedAt)
	switch {
	case err == nil:
		reportsTotal.WithLabelValues(transport, "accepted").Inc()
		return nil
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrNotFound):
		reportsTotal.WithLabelValues(transport, "rejected").Inc()
		return fmt.Errorf("%w: %v", errRejected, err)
	default:
		reportsTotal.WithLabelValues(transport, "failed").Inc()
		return err
	}
}

var errRejected = errors.New("position report rejected")

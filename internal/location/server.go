package location

import (
	"errors"
	"io"

	"go.uber.org/zap"
)

// Server implements the LocationServer interface.
type Server struct {
	sink   PositionSink
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(sink PositionSink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sink: sink, logger: logger.Named("location.grpc")}
}

// StreamLocation ingests agent positions until the client closes the stream.
// Malformed reports are counted and skipped.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		if err := apply(stream.Context(), s.sink, "grpc", *msg); err != nil {
			if !errors.Is(err, errRejected) {
				return err
			}
			ack.Rejected++
			s.logger.Debug("report rejected", zap.String("agent_id", msg.AgentId), zap.Error(err))
			continue
		}
		ack.Accepted++
	}
}

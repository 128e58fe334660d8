package location

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// AgentPosition represents a streaming update. Ts is unix milliseconds.
type AgentPosition struct {
	AgentId string  `json:"agent_id"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Ts      int64   `json:"ts"`
}

// Ack is returned when the client closes the stream.
type Ack struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// Codec marshals stream messages as JSON so no generated protobuf code is
// needed on either side.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(Codec{})
}

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

// StreamLocationDesc describes the client stream, shared with clients.
var StreamLocationDesc = grpc.StreamDesc{
	StreamName:    "StreamLocation",
	Handler:       _Location_StreamLocation_Handler,
	ClientStreams: true,
}

// StreamLocationMethod is the full method name of the stream.
const StreamLocationMethod = "/location.Location/StreamLocation"

// NewGRPCServer returns a server that speaks the JSON codec.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	return grpc.NewServer(append([]grpc.ServerOption{grpc.ForceServerCodec(Codec{})}, opts...)...)
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s *grpc.Server, srv LocationServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "location.Location",
		HandlerType: (*LocationServer)(nil),
		Streams:     []grpc.StreamDesc{StreamLocationDesc},
	}, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*AgentPosition, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error { return s.ServerStream.SendMsg(ack) }

func (s *locationStreamServer) Recv() (*AgentPosition, error) {
	msg := new(AgentPosition)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

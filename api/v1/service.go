package v1

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which the frame codec is
// registered. Clients opened through NewTunnelClient select it
// automatically.
const CodecName = "streambridge-frame"

// TunnelMethod is the full method name of the tunnel RPC.
const TunnelMethod = "/streambridge.v1.TunnelService/Tunnel"

// ClientNameKey is the metadata key under which a client identifies
// itself when opening a tunnel.
const ClientNameKey = "client-name"

func init() {
	encoding.RegisterCodec(FrameCodec{})
}

// FrameCodec implements gRPC's encoding.Codec for Frame messages.
type FrameCodec struct{}

func (FrameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
	return f.MarshalBinary()
}

func (FrameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
	return f.UnmarshalBinary(data)
}

func (FrameCodec) Name() string { return CodecName }

// TunnelServer is implemented by the gateway.
type TunnelServer interface {
	// Tunnel serves one tunnel connection until error or shutdown.
	Tunnel(TunnelStream) error
}

// TunnelStream is the server view of one tunnel connection.
type TunnelStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ServerStream
}

// TunnelServiceDesc describes the tunnel service for registration.
var TunnelServiceDesc = grpc.ServiceDesc{
	ServiceName: "streambridge.v1.TunnelService",
	HandlerType: (*TunnelServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Tunnel",
		Handler:       tunnelHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "api/v1/tunnel.proto",
}

// RegisterTunnelServer registers srv with a gRPC server.
func RegisterTunnelServer(s grpc.ServiceRegistrar, srv TunnelServer) {
	s.RegisterService(&TunnelServiceDesc, srv)
}

func tunnelHandler(srv any, ss grpc.ServerStream) error {
	return srv.(TunnelServer).Tunnel(&tunnelServerStream{ss})
}

type tunnelServerStream struct {
	grpc.ServerStream
}

func (s *tunnelServerStream) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *tunnelServerStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// TunnelClient opens tunnel connections.
type TunnelClient interface {
	Tunnel(ctx context.Context, opts ...grpc.CallOption) (TunnelClientStream, error)
}

// TunnelClientStream is the client view of one tunnel connection.
type TunnelClientStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	grpc.ClientStream
}

// NewTunnelClient wraps a client connection. The frame codec's
// content-subtype is applied to every tunnel opened through it.
func NewTunnelClient(cc grpc.ClientConnInterface) TunnelClient {
	return &tunnelClient{cc: cc}
}

type tunnelClient struct {
	cc grpc.ClientConnInterface
}

func (c *tunnelClient) Tunnel(ctx context.Context, opts ...grpc.CallOption) (TunnelClientStream, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	s, err := c.cc.NewStream(ctx, &TunnelServiceDesc.Streams[0], TunnelMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &tunnelClientStream{s}, nil
}

type tunnelClientStream struct {
	grpc.ClientStream
}

func (s *tunnelClientStream) Send(f *Frame) error {
	return s.ClientStream.SendMsg(f)
}

func (s *tunnelClientStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

package protocol

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

const (
	ServiceName = "overlord.Overlord"
	linkMethod  = "/" + ServiceName + "/Link"
)

// LinkStream is one bidirectional stream of frames, seen from either end.
type LinkStream interface {
	Send(*Frame) error
	Recv() (*Frame, error)
	Context() context.Context
}

// ClientLink is the agent end of a link.
type ClientLink interface {
	LinkStream
	CloseSend() error
}

// LinkServer is implemented by the hub. Every agent connection, control or
// session, arrives as one call to Link.
type LinkServer interface {
	Link(LinkStream) error
}

// ServiceDesc describes the single streaming method of the link service.
// Frames use the JSON codec, so there is no generated protobuf code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LinkServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "overlord/link",
}

func RegisterLinkServer(s grpc.ServiceRegistrar, srv LinkServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LinkServer).Link(&serverLink{stream})
}

type serverLink struct {
	grpc.ServerStream
}

func (s *serverLink) Send(f *Frame) error {
	return s.ServerStream.SendMsg(f)
}

func (s *serverLink) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// OpenLink starts a new link stream on cc. Each session link is its own
// stream multiplexed over the agent's single connection.
func OpenLink(ctx context.Context, cc grpc.ClientConnInterface) (ClientLink, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], linkMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, fmt.Errorf("open link: %w", err)
	}
	return &clientLink{stream}, nil
}

type clientLink struct {
	grpc.ClientStream
}

func (c *clientLink) Send(f *Frame) error {
	return c.ClientStream.SendMsg(f)
}

func (c *clientLink) Recv() (*Frame, error) {
	f := new(Frame)
	if err := c.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "beatdrop.v1.ShowControl"

// Full method names
const (
	MethodSchedule       = "/" + ServiceName + "/Schedule"
	MethodCancel         = "/" + ServiceName + "/Cancel"
	MethodHeartbeat      = "/" + ServiceName + "/Heartbeat"
	MethodPosition       = "/" + ServiceName + "/Position"
	MethodListHuds       = "/" + ServiceName + "/ListHuds"
	MethodStatus         = "/" + ServiceName + "/Status"
	MethodSubscribeFires = "/" + ServiceName + "/SubscribeFires"

	MethodSetBPM               = "/" + ServiceName + "/SetBPM"
	MethodRemoveHud            = "/" + ServiceName + "/RemoveHud"
	MethodInsertCue            = "/" + ServiceName + "/InsertCue"
	MethodInsertCueFromGesture = "/" + ServiceName + "/InsertCueFromGesture"
	MethodUpdateCue            = "/" + ServiceName + "/UpdateCue"
	MethodMoveCue              = "/" + ServiceName + "/MoveCue"
	MethodRelabelCue           = "/" + ServiceName + "/RelabelCue"
	MethodDeleteCue            = "/" + ServiceName + "/DeleteCue"
	MethodListCues             = "/" + ServiceName + "/ListCues"
	MethodSearchEffects        = "/" + ServiceName + "/SearchEffects"
)

// ShowControlServer is the server API for ShowControl.
// Every message is a google.protobuf.Struct carrying the JSON form of the
// corresponding pkg/types value.
type ShowControlServer interface {
	Schedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Position(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListHuds(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubscribeFires(*structpb.Struct, EventStream) error

	SetBPM(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveHud(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InsertCue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InsertCueFromGesture(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UpdateCue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MoveCue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RelabelCue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteCue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCues(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchEffects(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// EventStream is the server side of SubscribeFires.
type EventStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// RegisterShowControl registers the service implementation on s.
func RegisterShowControl(s grpc.ServiceRegistrar, srv ShowControlServer) {
	s.RegisterService(&showControlDesc, srv)
}

var showControlDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ShowControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Schedule", Handler: unary(MethodSchedule, ShowControlServer.Schedule)},
		{MethodName: "Cancel", Handler: unary(MethodCancel, ShowControlServer.Cancel)},
		{MethodName: "Heartbeat", Handler: unary(MethodHeartbeat, ShowControlServer.Heartbeat)},
		{MethodName: "Position", Handler: unary(MethodPosition, ShowControlServer.Position)},
		{MethodName: "ListHuds", Handler: unary(MethodListHuds, ShowControlServer.ListHuds)},
		{MethodName: "Status", Handler: unary(MethodStatus, ShowControlServer.Status)},
		{MethodName: "SetBPM", Handler: unary(MethodSetBPM, ShowControlServer.SetBPM)},
		{MethodName: "RemoveHud", Handler: unary(MethodRemoveHud, ShowControlServer.RemoveHud)},
		{MethodName: "InsertCue", Handler: unary(MethodInsertCue, ShowControlServer.InsertCue)},
		{MethodName: "InsertCueFromGesture", Handler: unary(MethodInsertCueFromGesture, ShowControlServer.InsertCueFromGesture)},
		{MethodName: "UpdateCue", Handler: unary(MethodUpdateCue, ShowControlServer.UpdateCue)},
		{MethodName: "MoveCue", Handler: unary(MethodMoveCue, ShowControlServer.MoveCue)},
		{MethodName: "RelabelCue", Handler: unary(MethodRelabelCue, ShowControlServer.RelabelCue)},
		{MethodName: "DeleteCue", Handler: unary(MethodDeleteCue, ShowControlServer.DeleteCue)},
		{MethodName: "ListCues", Handler: unary(MethodListCues, ShowControlServer.ListCues)},
		{MethodName: "SearchEffects", Handler: unary(MethodSearchEffects, ShowControlServer.SearchEffects)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SubscribeFires",
			Handler:       subscribeFiresHandler,
			ServerStreams: true,
		},
	},
	Metadata: "beatdrop/v1/show_control.proto",
}

type unaryMethod func(ShowControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unary builds a grpc method handler that decodes a Struct and runs the
// interceptor chain, the way generated code does.
func unary(fullMethod string, m unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(ShowControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(ShowControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeFiresHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ShowControlServer).SubscribeFires(in, &eventStream{stream})
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// ============================================================================
// Raw client
// ============================================================================

// rawClient invokes ShowControl methods with Struct messages.
type rawClient struct {
	cc grpc.ClientConnInterface
}

func (c *rawClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *rawClient) subscribe(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &showControlDesc.Streams[0], MethodSubscribeFires, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}

package server

import (
	"context"
	"log/slog"
	"slices"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/dispatch"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// subscriberBuffer is the per-stream event buffer; a subscriber that falls
// further behind misses events rather than slowing the others.
const subscriberBuffer = 64

// Server implements the gRPC ShowControl service on top of the controller.
type Server struct {
	controller *controller.Controller
	events     *dispatch.Broadcaster
	log        *slog.Logger
}

var _ ShowControlServer = (*Server)(nil)

// NewServer creates a new gRPC server instance. events may be nil, in which
// case SubscribeFires reports Unavailable.
func NewServer(ctrl *controller.Controller, events *dispatch.Broadcaster) *Server {
	return &Server{
		controller: ctrl,
		events:     events,
		log:        slog.With("component", "grpc"),
	}
}

type cancelRequest struct {
	ID types.DropID `json:"id"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type heartbeatRequest struct {
	ID   types.HudID `json:"id"`
	Name string      `json:"name"`
}

type heartbeatResponse struct {
	Registered bool            `json:"registered"`
	Status     types.HudStatus `json:"status"`
}

type listHudsResponse struct {
	Huds []types.HudView `json:"huds"`
}

type subscribeRequest struct {
	Kinds []types.EventKind `json:"kinds"`
}

// Schedule queues a drop for a trigger.
func (s *Server) Schedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var spec types.ScheduleSpec
	if err := fromStruct(req, &spec); err != nil {
		return nil, toStatus(err)
	}

	drop, err := s.controller.Schedule(ctx, spec)
	if err != nil {
		s.log.Debug("Schedule refused", "trigger", spec.TriggerID, "error", err)
		return nil, toStatus(err)
	}
	return reply(drop)
}

// Cancel removes a queued drop. Unknown ids are not an error.
func (s *Server) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in cancelRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "drop id is required")
	}

	ok, err := s.controller.Cancel(ctx, in.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(cancelResponse{Cancelled: ok})
}

// Heartbeat records liveness for a HUD device.
func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in heartbeatRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "hud id is required")
	}

	added, err := s.controller.Heartbeat(ctx, in.ID, in.Name)
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := s.controller.HudStatus(ctx, in.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(heartbeatResponse{Registered: added, Status: st})
}

// Position returns the current beat position.
func (s *Server) Position(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	pos, err := s.controller.Position(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(pos)
}

// ListHuds returns every known HUD with its derived status.
func (s *Server) ListHuds(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	huds, err := s.controller.ListHuds(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(listHudsResponse{Huds: huds})
}

// Status returns the session summary.
func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.controller.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(st)
}

// SubscribeFires streams events until the client goes away. By default only
// fire events are sent; {"kinds": ["fire", "cue"]} selects more.
func (s *Server) SubscribeFires(req *structpb.Struct, stream EventStream) error {
	if s.events == nil {
		return status.Error(codes.Unavailable, "event stream not configured")
	}

	var in subscribeRequest
	if err := fromStruct(req, &in); err != nil {
		return toStatus(err)
	}
	if len(in.Kinds) == 0 {
		in.Kinds = []types.EventKind{types.EventFire}
	}

	sub, err := s.events.Subscribe(subscriberBuffer)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer sub.Close()
	s.log.Info("Fire subscriber connected", "kinds", in.Kinds)

	for {
		select {
		case <-stream.Context().Done():
			s.log.Info("Fire subscriber disconnected", "missed", sub.Dropped())
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return status.Error(codes.Unavailable, "event stream closed")
			}
			if !slices.Contains(in.Kinds, ev.Kind) {
				continue
			}
			msg, err := toStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

func reply(v any) (*structpb.Struct, error) {
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

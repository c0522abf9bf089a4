package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/dropscheduler"
	"github.com/ChuLiYu/beatdrop/internal/hud"
	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/internal/timeline"
)

// ErrBadRequest marks a message that does not decode into the expected shape
var ErrBadRequest = errors.New("server: malformed request")

// toStruct converts any JSON-encodable value into a Struct
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a Struct into v through its JSON form
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// toStatus maps domain errors onto gRPC status codes
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var rejected *dropscheduler.RejectedError
	switch {
	case errors.As(err, &rejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, dropscheduler.ErrUnknownTrigger),
		errors.Is(err, dropscheduler.ErrInvalidRelative),
		errors.Is(err, sceneplan.ErrInvalidPlan),
		errors.Is(err, timeline.ErrRoleUnknown),
		errors.Is(err, timeline.ErrInvalidParams),
		errors.Is(err, timeline.ErrInvalidBar),
		errors.Is(err, timeline.ErrInvalidRole),
		errors.Is(err, timeline.ErrDuplicateCue):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, hud.ErrUnknownHud),
		errors.Is(err, timeline.ErrCueNotFound),
		errors.Is(err, sceneplan.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, controller.ErrStopped),
		errors.Is(err, controller.ErrNotStarted):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

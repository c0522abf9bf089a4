package server

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/timeline"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// cueRequest carries every cue edit; each method reads the fields it needs.
type cueRequest struct {
	ID     types.CueID     `json:"id,omitempty"`
	Role   string          `json:"role,omitempty"`
	Bar    uint32          `json:"bar,omitempty"`
	Params types.CueParams `json:"p"`
	Label  string          `json:"label,omitempty"`
}

type gestureRequest struct {
	Role         string           `json:"role"`
	Effect       types.EffectKind `json:"effect"`
	BeatPosition float64          `json:"beat_position"`
}

type bpmMessage struct {
	BPM float64 `json:"bpm"`
}

type removeHudResponse struct {
	Removed bool `json:"removed"`
}

type searchEffectsRequest struct {
	Query string `json:"query"`
}

type searchEffectsResponse struct {
	Effects []timeline.Effect `json:"effects"`
}

// SetBPM changes the tempo shared by the clock and the timeline. Invalid
// values fall back to the default tempo, which is returned.
func (s *Server) SetBPM(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in bpmMessage
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	applied, err := s.controller.SetBPM(ctx, in.BPM)
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.Info("BPM set", "requested", in.BPM, "applied", applied)
	return reply(bpmMessage{BPM: applied})
}

// RemoveHud forgets a HUD; its next heartbeat registers it again.
func (s *Server) RemoveHud(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in heartbeatRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "hud id is required")
	}
	removed, err := s.controller.RemoveHud(ctx, in.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(removeHudResponse{Removed: removed})
}

// InsertCue places a cue with explicit parameters.
func (s *Server) InsertCue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in cueRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	cue, err := s.controller.InsertCue(ctx, in.Role, in.Bar, in.Params, in.Label)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(cue)
}

// InsertCueFromGesture places a library effect at a continuous beat position.
func (s *Server) InsertCueFromGesture(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in gestureRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	cue, err := s.controller.InsertCueFromGesture(ctx, in.Role, in.Effect, in.BeatPosition)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(cue)
}

// UpdateCue replaces a cue's parameters entirely.
func (s *Server) UpdateCue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.editCue(req, func(in cueRequest) (types.Cue, error) {
		return s.controller.UpdateCue(ctx, in.ID, in.Params)
	})
}

// MoveCue changes a cue's role and bar.
func (s *Server) MoveCue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.editCue(req, func(in cueRequest) (types.Cue, error) {
		return s.controller.MoveCue(ctx, in.ID, in.Role, in.Bar)
	})
}

// RelabelCue changes a cue's label.
func (s *Server) RelabelCue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.editCue(req, func(in cueRequest) (types.Cue, error) {
		return s.controller.RelabelCue(ctx, in.ID, in.Label)
	})
}

// DeleteCue removes a cue; unknown ids are NotFound.
func (s *Server) DeleteCue(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.editCue(req, func(in cueRequest) (types.Cue, error) {
		return types.Cue{ID: in.ID}, s.controller.DeleteCue(ctx, in.ID)
	})
}

func (s *Server) editCue(req *structpb.Struct, edit func(cueRequest) (types.Cue, error)) (*structpb.Struct, error) {
	var in cueRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	if in.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "cue id is required")
	}
	cue, err := edit(in)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(cue)
}

// ListCues returns the cue sheet for a role and/or bar range.
func (s *Server) ListCues(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var q controller.CueQuery
	if err := fromStruct(req, &q); err != nil {
		return nil, toStatus(err)
	}
	sheet, err := s.controller.CueSheet(ctx, q)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(sheet)
}

// SearchEffects filters the effect library by label or category.
func (s *Server) SearchEffects(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in searchEffectsRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, toStatus(err)
	}
	return reply(searchEffectsResponse{Effects: timeline.SearchEffects(in.Query)})
}

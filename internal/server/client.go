package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/timeline"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// Client is a typed ShowControl client used by the CLI.
type Client struct {
	raw  rawClient
	conn *grpc.ClientConn
}

// Dial connects to a ShowControl server without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{raw: rawClient{cc: conn}, conn: conn}, nil
}

// NewClient wraps an existing connection; Close is then a no-op.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{raw: rawClient{cc: cc}}
}

// Close releases the connection opened by Dial
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp, err := c.raw.invoke(ctx, method, req)
	if err != nil {
		return err
	}
	return fromStruct(resp, out)
}

func (c *Client) Schedule(ctx context.Context, spec types.ScheduleSpec) (types.QueuedDrop, error) {
	var d types.QueuedDrop
	err := c.call(ctx, MethodSchedule, spec, &d)
	return d, err
}

func (c *Client) Cancel(ctx context.Context, id types.DropID) (bool, error) {
	var out cancelResponse
	err := c.call(ctx, MethodCancel, cancelRequest{ID: id}, &out)
	return out.Cancelled, err
}

// Heartbeat reports whether the HUD was newly registered and its status.
func (c *Client) Heartbeat(ctx context.Context, id types.HudID, name string) (bool, types.HudStatus, error) {
	var out heartbeatResponse
	err := c.call(ctx, MethodHeartbeat, heartbeatRequest{ID: id, Name: name}, &out)
	return out.Registered, out.Status, err
}

func (c *Client) Position(ctx context.Context) (types.BeatPosition, error) {
	var pos types.BeatPosition
	err := c.call(ctx, MethodPosition, struct{}{}, &pos)
	return pos, err
}

func (c *Client) ListHuds(ctx context.Context) ([]types.HudView, error) {
	var out listHudsResponse
	err := c.call(ctx, MethodListHuds, struct{}{}, &out)
	return out.Huds, err
}

func (c *Client) Status(ctx context.Context) (controller.Status, error) {
	var st controller.Status
	err := c.call(ctx, MethodStatus, struct{}{}, &st)
	return st, err
}

// EventReceiver reads events from a SubscribeFires stream.
type EventReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks until the next event; io.EOF when the server ends the stream.
func (r *EventReceiver) Recv() (types.Event, error) {
	msg := new(structpb.Struct)
	if err := r.stream.RecvMsg(msg); err != nil {
		return types.Event{}, err
	}
	var ev types.Event
	err := fromStruct(msg, &ev)
	return ev, err
}

// SubscribeFires opens an event stream; cancel ctx to end it.
func (c *Client) SubscribeFires(ctx context.Context, kinds ...types.EventKind) (*EventReceiver, error) {
	req, err := toStruct(subscribeRequest{Kinds: kinds})
	if err != nil {
		return nil, err
	}
	stream, err := c.raw.subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	return &EventReceiver{stream: stream}, nil
}

func (c *Client) SetBPM(ctx context.Context, bpm float64) (float64, error) {
	var out bpmMessage
	err := c.call(ctx, MethodSetBPM, bpmMessage{BPM: bpm}, &out)
	return out.BPM, err
}

func (c *Client) RemoveHud(ctx context.Context, id types.HudID) (bool, error) {
	var out removeHudResponse
	err := c.call(ctx, MethodRemoveHud, heartbeatRequest{ID: id}, &out)
	return out.Removed, err
}

func (c *Client) InsertCue(ctx context.Context, role string, bar uint32, params types.CueParams, label string) (types.Cue, error) {
	var cue types.Cue
	err := c.call(ctx, MethodInsertCue, cueRequest{Role: role, Bar: bar, Params: params, Label: label}, &cue)
	return cue, err
}

// InsertCueFromGesture places a library effect at a continuous beat position.
func (c *Client) InsertCueFromGesture(ctx context.Context, role string, effect types.EffectKind, beatPosition float64) (types.Cue, error) {
	var cue types.Cue
	err := c.call(ctx, MethodInsertCueFromGesture, gestureRequest{Role: role, Effect: effect, BeatPosition: beatPosition}, &cue)
	return cue, err
}

// UpdateCue replaces every parameter of the cue.
func (c *Client) UpdateCue(ctx context.Context, id types.CueID, params types.CueParams) (types.Cue, error) {
	var cue types.Cue
	err := c.call(ctx, MethodUpdateCue, cueRequest{ID: id, Params: params}, &cue)
	return cue, err
}

func (c *Client) MoveCue(ctx context.Context, id types.CueID, role string, bar uint32) (types.Cue, error) {
	var cue types.Cue
	err := c.call(ctx, MethodMoveCue, cueRequest{ID: id, Role: role, Bar: bar}, &cue)
	return cue, err
}

func (c *Client) RelabelCue(ctx context.Context, id types.CueID, label string) (types.Cue, error) {
	var cue types.Cue
	err := c.call(ctx, MethodRelabelCue, cueRequest{ID: id, Label: label}, &cue)
	return cue, err
}

func (c *Client) DeleteCue(ctx context.Context, id types.CueID) error {
	var cue types.Cue
	return c.call(ctx, MethodDeleteCue, cueRequest{ID: id}, &cue)
}

func (c *Client) ListCues(ctx context.Context, q controller.CueQuery) (controller.CueSheet, error) {
	var sheet controller.CueSheet
	err := c.call(ctx, MethodListCues, q, &sheet)
	return sheet, err
}

func (c *Client) SearchEffects(ctx context.Context, query string) ([]timeline.Effect, error) {
	var out searchEffectsResponse
	err := c.call(ctx, MethodSearchEffects, searchEffectsRequest{Query: query}, &out)
	return out.Effects, err
}

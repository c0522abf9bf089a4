package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/dispatch"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newController(t *testing.T, sink dispatch.Sink) *controller.Controller {
	t.Helper()
	dir := t.TempDir()
	cfg := controller.DefaultConfig()
	cfg.DefaultBPM = 124
	cfg.WALPath = filepath.Join(dir, "drops.wal")
	cfg.SnapshotPath = filepath.Join(dir, "session.json")
	cfg.SnapshotInterval = time.Hour
	cfg.DispatchWorkers = 1

	ctrl, err := controller.NewController(cfg, sink)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	t.Cleanup(ctrl.Stop)
	return ctrl
}

// startGRPC serves ShowControl over an in-memory listener
func startGRPC(t *testing.T, ctrl *controller.Controller, events *dispatch.Broadcaster) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterShowControl(gs, NewServer(ctrl, events))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok, "not a status error: %v", err)
	assert.Equal(t, code, st.Code(), st.Message())
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// gRPC
// ============================================================================

func TestScheduleAndCancel(t *testing.T) {
	client := startGRPC(t, newController(t, nil), nil)
	ctx := testCtx(t)

	drop, err := client.Schedule(ctx, types.ScheduleSpec{TriggerID: 1, Relative: types.PlusBars(2)})
	require.NoError(t, err)
	assert.NotEmpty(t, drop.ID)
	assert.Equal(t, types.TriggerID(1), drop.TriggerID)
	assert.Equal(t, uint64(12), drop.TargetTick)

	st, err := client.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Queued, 1)
	assert.Equal(t, drop.ID, st.Queued[0].ID)
	assert.Equal(t, uint32(16), st.Cooldowns[1])

	ok, err := client.Cancel(ctx, drop.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Cancel(ctx, drop.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel is a no-op")
}

func TestScheduleErrorCodes(t *testing.T) {
	client := startGRPC(t, newController(t, nil), nil)
	ctx := testCtx(t)

	_, err := client.Schedule(ctx, types.ScheduleSpec{TriggerID: 2, Relative: types.Immediate()})
	require.NoError(t, err)

	_, err = client.Schedule(ctx, types.ScheduleSpec{TriggerID: 2, Relative: types.Immediate()})
	requireCode(t, err, codes.FailedPrecondition)

	_, err = client.Schedule(ctx, types.ScheduleSpec{TriggerID: 9, Relative: types.Immediate()})
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Schedule(ctx, types.ScheduleSpec{TriggerID: 1, Relative: types.Relative{Kind: "later"}})
	requireCode(t, err, codes.InvalidArgument)

	_, err = client.Cancel(ctx, "")
	requireCode(t, err, codes.InvalidArgument)
}

func TestHeartbeatAndListHuds(t *testing.T) {
	client := startGRPC(t, newController(t, nil), nil)
	ctx := testCtx(t)

	added, st, err := client.Heartbeat(ctx, "hud-1", "Wall")
	require.NoError(t, err)
	assert.True(t, added)
	assert.Equal(t, types.HudOnline, st)

	added, _, err = client.Heartbeat(ctx, "hud-1", "Wall")
	require.NoError(t, err)
	assert.False(t, added)

	huds, err := client.ListHuds(ctx)
	require.NoError(t, err)
	require.Len(t, huds, 1)
	assert.Equal(t, types.HudID("hud-1"), huds[0].ID)
	assert.Equal(t, "Wall", huds[0].Name)
	assert.Equal(t, types.HudOnline, huds[0].Status)

	_, _, err = client.Heartbeat(ctx, "", "nameless")
	requireCode(t, err, codes.InvalidArgument)
}

func TestPosition(t *testing.T) {
	ctrl := newController(t, nil)
	client := startGRPC(t, ctrl, nil)
	ctx := testCtx(t)

	for _, tk := range []types.BeatTick{{Bar: 2, Beat: 1}, {Bar: 2, Beat: 2}, {Bar: 2, Beat: 3}} {
		tk.BPM = 124
		tk.Confidence = 1
		require.NoError(t, ctrl.SubmitTick(ctx, tk))
	}

	require.Eventually(t, func() bool {
		pos, err := client.Position(ctx)
		return err == nil && pos.Bar == 2 && pos.Beat == 3
	}, 2*time.Second, 5*time.Millisecond)

	pos, err := client.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), pos.Tick)
	assert.Equal(t, 124.0, pos.BPM)
}

func TestStoppedControllerIsUnavailable(t *testing.T) {
	ctrl := newController(t, nil)
	client := startGRPC(t, ctrl, nil)
	ctrl.Stop()

	_, err := client.Position(testCtx(t))
	requireCode(t, err, codes.Unavailable)
}

func TestCueEditingOverGRPC(t *testing.T) {
	ctrl := newController(t, nil)
	client := startGRPC(t, ctrl, nil)
	ctx := testCtx(t)

	_, err := ctrl.LoadPlan(ctx, types.Sceneplan{BPM: 120, Roles: []string{"wall", "pillar_A"}})
	require.NoError(t, err)

	placed, err := client.InsertCueFromGesture(ctx, "wall", types.EffectChase, 9.75)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), placed.Bar)
	assert.Equal(t, "chase 3", placed.Label)

	cue, err := client.InsertCue(ctx, "pillar_A", 1, types.CueParams{Effect: types.EffectFade, Intensity: 90, DurationSeconds: 2}, "intro")
	require.NoError(t, err)
	require.NotEmpty(t, cue.ID)

	_, err = client.InsertCue(ctx, "ceiling", 1, types.CueParams{Effect: types.EffectFade, DurationSeconds: 2}, "")
	requireCode(t, err, codes.InvalidArgument)

	color := "#ff00aa"
	updated, err := client.UpdateCue(ctx, cue.ID, types.CueParams{Effect: types.EffectWave, Intensity: 10, DurationSeconds: 4, Color: &color})
	require.NoError(t, err)
	assert.Equal(t, types.EffectWave, updated.Params.Effect)
	require.NotNil(t, updated.Params.Color)

	moved, err := client.MoveCue(ctx, cue.ID, "wall", 5)
	require.NoError(t, err)
	assert.Equal(t, "wall", moved.Role)
	assert.Equal(t, uint32(5), moved.Bar)

	relabelled, err := client.RelabelCue(ctx, cue.ID, "outro wave")
	require.NoError(t, err)
	assert.Equal(t, "outro wave", relabelled.Label)

	sheet, err := client.ListCues(ctx, controller.CueQuery{Role: "wall"})
	require.NoError(t, err)
	require.Len(t, sheet.Cues, 2)
	assert.Equal(t, []uint32{3, 5}, []uint32{sheet.Cues[0].Bar, sheet.Cues[1].Bar})
	assert.InDelta(t, 8.0, sheet.Cues[1].SpanBeats, 1e-9, "4 seconds at 120 bpm")
	assert.Equal(t, uint32(16), sheet.MaxBars)

	applied, err := client.SetBPM(ctx, 60)
	require.NoError(t, err)
	assert.Equal(t, 60.0, applied)
	sheet, err = client.ListCues(ctx, controller.CueQuery{FromBar: 4, ToBar: 8})
	require.NoError(t, err)
	require.Len(t, sheet.Cues, 1)
	assert.InDelta(t, 4.0, sheet.Cues[0].SpanBeats, 1e-9)

	require.NoError(t, client.DeleteCue(ctx, cue.ID))
	requireCode(t, client.DeleteCue(ctx, cue.ID), codes.NotFound)
	_, err = client.RelabelCue(ctx, "", "x")
	requireCode(t, err, codes.InvalidArgument)

	effects, err := client.SearchEffects(ctx, "movement")
	require.NoError(t, err)
	assert.Len(t, effects, 3)
}

func TestRemoveHud(t *testing.T) {
	client := startGRPC(t, newController(t, nil), nil)
	ctx := testCtx(t)

	_, _, err := client.Heartbeat(ctx, "hud-1", "Wall")
	require.NoError(t, err)

	removed, err := client.RemoveHud(ctx, "hud-1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = client.RemoveHud(ctx, "hud-1")
	require.NoError(t, err)
	assert.False(t, removed)

	added, _, err := client.Heartbeat(ctx, "hud-1", "Wall")
	require.NoError(t, err)
	assert.True(t, added, "a removed HUD registers again")
}

// ============================================================================
// Fire stream
// ============================================================================

func TestSubscribeFiresFiltersKinds(t *testing.T) {
	events := dispatch.NewBroadcaster()
	client := startGRPC(t, newController(t, nil), events)
	ctx := testCtx(t)

	recv, err := client.SubscribeFires(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return events.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	cue := types.Event{Kind: types.EventCue, Cue: &types.CueEvent{CueID: "c1", Role: "wall", Bar: 2}}
	fire := types.Event{Kind: types.EventFire, Fire: &types.FireEvent{DropID: "d1", TriggerID: 3, FiredAtTick: 8, Bar: 3, Beat: 1}}
	require.NoError(t, events.Deliver(ctx, cue))
	require.NoError(t, events.Deliver(ctx, fire))

	ev, err := recv.Recv()
	require.NoError(t, err)
	assert.Equal(t, types.EventFire, ev.Kind)
	require.NotNil(t, ev.Fire)
	assert.Equal(t, types.DropID("d1"), ev.Fire.DropID)
	assert.Equal(t, uint64(8), ev.Fire.FiredAtTick)
}

func TestSubscribeFiresEndToEnd(t *testing.T) {
	events := dispatch.NewBroadcaster()
	ctrl := newController(t, events)
	client := startGRPC(t, ctrl, events)
	ctx := testCtx(t)

	recv, err := client.SubscribeFires(ctx, types.EventFire)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return events.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	drop, err := client.Schedule(ctx, types.ScheduleSpec{TriggerID: 1, Relative: types.Immediate()})
	require.NoError(t, err)
	require.Equal(t, uint64(4), drop.TargetTick)

	for beat := uint8(1); beat <= 4; beat++ {
		require.NoError(t, ctrl.SubmitTick(ctx, types.BeatTick{Bar: 1, Beat: beat, BPM: 124, Confidence: 1}))
	}
	require.NoError(t, ctrl.SubmitTick(ctx, types.BeatTick{Bar: 2, Beat: 1, BPM: 124, Confidence: 1}))

	ev, err := recv.Recv()
	require.NoError(t, err)
	require.NotNil(t, ev.Fire)
	assert.Equal(t, drop.ID, ev.Fire.DropID)
	assert.Equal(t, uint64(4), ev.Fire.FiredAtTick)
	assert.Equal(t, uint32(2), ev.Fire.Bar)
	assert.Equal(t, uint8(1), ev.Fire.Beat)
}

func TestSubscribeFiresWithoutBroadcaster(t *testing.T) {
	client := startGRPC(t, newController(t, nil), nil)

	recv, err := client.SubscribeFires(testCtx(t))
	require.NoError(t, err)
	_, err = recv.Recv()
	requireCode(t, err, codes.Unavailable)
}

func TestBroadcasterCloseEndsStream(t *testing.T) {
	events := dispatch.NewBroadcaster()
	client := startGRPC(t, newController(t, nil), events)

	recv, err := client.SubscribeFires(testCtx(t))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return events.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	events.Close()
	_, err = recv.Recv()
	requireCode(t, err, codes.Unavailable)
}

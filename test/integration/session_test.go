// ============================================================================
// beatdrop 端到端場次測試
// ============================================================================
//
// Package: test/integration
// 文件: session_test.go
// 功能: 透過真實的 gRPC 與 HTTP 介面操作一個完整的 show，並跨越一次重啟
//
// TestShowSessionAcrossRestart:
//   1. PUT /sceneplan 載入 scene plan（寫入 SQLite）
//   2. 以 Script 輸入 1.1 ~ 2.4 的節拍
//   3. gRPC Schedule：trigger 1 立即、trigger 2 加一小節
//   4. 節拍到 3.1：trigger 1 觸發，bar 3 的 cue 播放
//   5. 正常停止後重啟：位置、佇列、冷卻、scene plan 皆恢復
//   6. 節拍到 4.1：trigger 2 在新的訂閱上觸發
//
// TestPlanStoreOutlivesSession:
//   刪除快照與 WAL 後重啟，scene plan 仍由 SQLite 載回
//
// ============================================================================

package integration

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beatdrop/internal/config"
	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/dispatch"
	"github.com/ChuLiYu/beatdrop/internal/metrics"
	"github.com/ChuLiYu/beatdrop/internal/metronome"
	"github.com/ChuLiYu/beatdrop/internal/server"
	"github.com/ChuLiYu/beatdrop/internal/sqlite"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

const planJSON = `{
  "bpm": 124,
  "roles": ["wall", "pillar_A"],
  "cues": [
    {"bar": 3, "r": "wall", "p": {"x": "stb", "a": 255, "sec": 0.5}, "label": "drop hit"},
    {"bar": 6, "r": "pillar_A", "p": {"x": "fade", "a": 90, "sec": 4}, "label": "outro"}
  ]
}`

// stack 一個執行中的 controller 與它的 gRPC/HTTP 介面
type stack struct {
	ctrl    *controller.Controller
	events  *dispatch.Broadcaster
	db      *sqlite.DB
	grpc    *grpc.Server
	http    *server.HTTPServer
	client  *server.Client
	baseURL string
	stopped bool
}

func testConfig(dir string) config.Config {
	cfg := config.Default()
	cfg.Storage.WALPath = filepath.Join(dir, "drops.wal")
	cfg.Storage.SnapshotPath = filepath.Join(dir, "session.json")
	cfg.Storage.SnapshotInterval = time.Hour
	cfg.Storage.PlanStore = config.PlanStoreSQLite
	cfg.Storage.PlanPath = filepath.Join(dir, "plans.db")
	cfg.Storage.PlanName = "warehouse"
	cfg.Dispatch.Workers = 1
	return cfg
}

func startStack(t *testing.T, cfg config.Config) *stack {
	t.Helper()

	db, err := sqlite.Open(cfg.Storage.PlanPath)
	require.NoError(t, err)

	events := dispatch.NewBroadcaster()
	collector := metrics.NewCollector(nil)
	ctrl, err := controller.NewController(cfg.Controller(), events,
		controller.WithMetrics(collector),
		controller.WithPlanStore(sqlite.NewPlanRepository(db, cfg.Storage.PlanName)))
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stack{
		ctrl:    ctrl,
		events:  events,
		db:      db,
		grpc:    grpc.NewServer(),
		http:    server.NewHTTPServer(ctrl, events, collector),
		baseURL: "http://" + httpLis.Addr().String(),
	}
	server.RegisterShowControl(s.grpc, server.NewServer(ctrl, events))
	go s.grpc.Serve(grpcLis)
	go s.http.Serve(httpLis)

	s.client, err = server.Dial(grpcLis.Addr().String())
	require.NoError(t, err)

	t.Cleanup(s.stop)
	return s
}

// stop 依 run 命令的順序關閉；可重複呼叫
func (s *stack) stop() {
	if s.stopped {
		return
	}
	s.stopped = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.client.Close()
	s.http.Shutdown(ctx)
	s.events.Close()
	s.grpc.GracefulStop()
	s.ctrl.Stop()
	s.db.Close()
}

// play 透過 tick 來源輸入 from..to（含）的節拍並等待 run loop 處理完
func (s *stack) play(t *testing.T, fromBar uint32, fromBeat uint8, toBar uint32, toBeat uint8) {
	t.Helper()
	var script metronome.Script
	bar, beat := fromBar, fromBeat
	for {
		script = append(script, types.BeatTick{Bar: bar, Beat: beat, BPM: 124, Confidence: 0.9, Timestamp: time.Now()})
		if bar == toBar && beat == toBeat {
			break
		}
		if beat == 4 {
			bar, beat = bar+1, 1
		} else {
			beat++
		}
	}
	require.NoError(t, s.ctrl.RunSource(context.Background(), script))

	want := uint64(toBar-1)*4 + uint64(toBeat-1)
	require.Eventually(t, func() bool {
		pos, err := s.client.Position(context.Background())
		return err == nil && pos.Tick == want
	}, 2*time.Second, 5*time.Millisecond, "clock should reach %d.%d", toBar, toBeat)
}

// collect 從訂閱讀取 n 個事件
func collect(t *testing.T, rx *server.EventReceiver, n int) []types.Event {
	t.Helper()
	out := make(chan types.Event, n)
	errCh := make(chan error, 1)
	go func() {
		for range n {
			ev, err := rx.Recv()
			if err != nil {
				errCh <- err
				return
			}
			out <- ev
		}
	}()

	var events []types.Event
	for len(events) < n {
		select {
		case ev := <-out:
			events = append(events, ev)
		case err := <-errCh:
			t.Fatalf("stream ended early: %v", err)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func putPlan(t *testing.T, baseURL, body string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, baseURL+"/sceneplan", strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
}

func TestShowSessionAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 第一階段：載入 scene plan、排程、觸發
	first := startStack(t, cfg)
	putPlan(t, first.baseURL, planJSON)

	rx, err := first.client.SubscribeFires(ctx, types.EventFire, types.EventCue)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return first.events.Subscribers() == 1 }, time.Second, time.Millisecond)

	first.play(t, 1, 1, 2, 4)

	now, err := first.client.Schedule(ctx, types.ScheduleSpec{TriggerID: 1, Relative: types.Immediate()})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), now.TargetTick, "immediate lands on the next downbeat")
	later, err := first.client.Schedule(ctx, types.ScheduleSpec{TriggerID: 2, Relative: types.PlusBars(1)})
	require.NoError(t, err)
	assert.Equal(t, uint64(12), later.TargetTick)

	first.play(t, 3, 1, 3, 1)

	var fire *types.FireEvent
	var cue *types.CueEvent
	for _, ev := range collect(t, rx, 2) {
		switch ev.Kind {
		case types.EventFire:
			fire = ev.Fire
		case types.EventCue:
			cue = ev.Cue
		}
	}
	require.NotNil(t, fire, "trigger 1 should fire")
	assert.Equal(t, now.ID, fire.DropID)
	assert.Equal(t, uint32(3), fire.Bar)
	assert.Equal(t, uint8(1), fire.Beat)
	require.NotNil(t, cue, "the bar 3 cue should play")
	assert.Equal(t, "wall", cue.Role)
	assert.Equal(t, types.EffectStrobe, cue.Effect)

	before, err := first.client.Status(ctx)
	require.NoError(t, err)
	first.stop()

	// 第二階段：重啟後狀態一致
	second := startStack(t, cfg)

	status, err := second.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.Position, status.Position)
	assert.Equal(t, []types.QueuedDrop{later}, status.Queued)
	assert.Equal(t, map[types.TriggerID]uint32{1: 15, 2: 15}, status.Cooldowns)
	assert.Equal(t, 2, status.Cues)
	assert.Equal(t, before.LastSeq, status.LastSeq)

	// 冷卻尚未結束
	_, err = second.client.Schedule(ctx, types.ScheduleSpec{TriggerID: 1, Relative: types.Immediate()})
	assert.ErrorContains(t, err, "cooling down")

	rx, err = second.client.SubscribeFires(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return second.events.Subscribers() == 1 }, time.Second, time.Millisecond)

	second.play(t, 3, 2, 4, 1)

	events := collect(t, rx, 1)
	require.NotNil(t, events[0].Fire)
	assert.Equal(t, later.ID, events[0].Fire.DropID)
	assert.Equal(t, uint64(12), events[0].Fire.FiredAtTick)
	assert.Equal(t, uint32(4), events[0].Fire.Bar)

	pending, err := second.ctrl.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// metrics 反映重啟後的觸發
	resp, err := http.Get(second.baseURL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `beatdrop_drops_fired_total{trigger="2"} 1`)
	assert.Contains(t, string(body), "beatdrop_clock_tick 12")
}

func TestPlanStoreOutlivesSession(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	ctx := context.Background()

	first := startStack(t, cfg)
	putPlan(t, first.baseURL, planJSON)
	first.play(t, 1, 1, 1, 3)
	first.stop()

	// 快照與 WAL 都不見了，scene plan 仍在 SQLite
	require.NoError(t, os.Remove(cfg.Storage.SnapshotPath))
	require.NoError(t, os.Remove(cfg.Storage.WALPath))

	second := startStack(t, cfg)
	pos, err := second.client.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos.Tick)

	resp, err := http.Get(second.baseURL + "/sceneplan")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte(`"label": "drop hit"`)), string(data))
	assert.True(t, bytes.Contains(data, []byte(`"pillar_A"`)))

	plans, err := sqlite.NewPlanRepository(second.db, "").List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"warehouse"}, plans)
}

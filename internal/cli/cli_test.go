package cli

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beatdrop/internal/config"
	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/internal/storage/wal"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// execute runs a fresh command tree and returns its stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeConfig writes a config whose storage lives in dir
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`
storage:
  wal_path: %s
  snapshot_path: %s
  snapshot_interval: 1h
  plan_path: %s
log:
  level: error
`, filepath.Join(dir, "drops.wal"), filepath.Join(dir, "session.json"), filepath.Join(dir, "plan.json"))
	path := filepath.Join(dir, "beatdrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "beatdrop", cmd.Use, "Root command should be 'beatdrop'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "schedule", "cancel", "status", "plan", "wal", "cue", "bpm", "effects", "hud"} {
		assert.True(t, names[want], "Should have %q command", want)
	}

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, config.DefaultPath, configFlag.DefValue, "Default config path should be configs/default.yaml")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("grpc"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("http"))
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand(&rootOptions{})

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
	for _, flag := range []string{"metronome", "stdin", "bpm"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "Should have --%s flag", flag)
	}
}

func TestRunRejectsStdinWithMetronome(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "run", "-c", writeConfig(t, dir), "--stdin", "--metronome")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestScheduleRequiresTrigger(t *testing.T) {
	_, err := execute(t, "schedule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger")
}

func TestCancelRequiresID(t *testing.T) {
	_, err := execute(t, "cancel")
	assert.Error(t, err)
}

func TestConfigErrorsSurface(t *testing.T) {
	_, err := execute(t, "wal", "verify", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestBarBeat(t *testing.T) {
	assert.Equal(t, "1.1", barBeat(0, 4))
	assert.Equal(t, "4.1", barBeat(12, 4))
	assert.Equal(t, "3.2", barBeat(9, 4))
	assert.Equal(t, "2.3", barBeat(5, 3))
}

func TestLocalhost(t *testing.T) {
	assert.Equal(t, "localhost:50051", localhost(":50051"))
	assert.Equal(t, "10.0.0.2:50051", localhost("10.0.0.2:50051"))

	opts := &rootOptions{httpAddr: "http://show.local:8080/"}
	assert.Equal(t, "http://show.local:8080", opts.httpBase(config.Default()))
	opts.httpAddr = ""
	assert.Equal(t, "http://localhost:8080", opts.httpBase(config.Default()))
}

// ============================================================================
// wal
// ============================================================================

func writeWAL(t *testing.T, path string) {
	t.Helper()
	w, err := wal.NewWAL(path, false)
	require.NoError(t, err)
	d := types.QueuedDrop{ID: "drop-1", TriggerID: 2, TargetTick: 12, CreatedTick: 9, Seq: 1}
	_, err = w.Append(wal.ScheduleEvent(d), true)
	require.NoError(t, err)
	_, err = w.Append(wal.FireEvent(d, 12), true)
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestWALCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	writeWAL(t, filepath.Join(dir, "drops.wal"))

	out, err := execute(t, "wal", "verify", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: 2 events, last seq 2 (FIRE)")

	out, err = execute(t, "wal", "dump", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "[Seq:1] SCHEDULE drop-1 trigger=2 target=12 tick=9")
	assert.Contains(t, out, "[Seq:2] FIRE drop-1 tick=12")
}

func TestWALVerifyDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drops.wal")
	writeWAL(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"target_tick":12`, `"target_tick":16`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = execute(t, "wal", "verify", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is invalid")
}

// ============================================================================
// run + remote commands
// ============================================================================

// startShow serves a full show on loopback listeners until the test ends
func startShow(t *testing.T, dir string) (grpcAddr, httpAddr string) {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, dir))
	require.NoError(t, err)

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s, err := newShow(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, grpcLis, httpLis, nil) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("show did not stop")
		}
	})

	grpcAddr, httpAddr = grpcLis.Addr().String(), httpLis.Addr().String()
	require.Eventually(t, func() bool {
		_, err := execute(t, "status", "-c", filepath.Join(dir, "beatdrop.yaml"), "--grpc", grpcAddr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	return grpcAddr, httpAddr
}

func TestRemoteScheduleStatusCancel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "beatdrop.yaml")
	grpcAddr, _ := startShow(t, dir)

	out, err := execute(t, "schedule", "-c", cfgPath, "--grpc", grpcAddr, "--trigger", "1", "--bars", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "on trigger 1 for tick 12 (4.1)")
	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 3)
	dropID := fields[2]

	// 冷卻中再次排程被拒絕
	_, err = execute(t, "schedule", "-c", cfgPath, "--grpc", grpcAddr, "--trigger", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooling down")

	out, err = execute(t, "status", "-c", cfgPath, "--grpc", grpcAddr)
	require.NoError(t, err)
	assert.Contains(t, out, "Queued drops (1):")
	assert.Contains(t, out, dropID)
	assert.Contains(t, out, "trigger 1: 16 beats")

	out, err = execute(t, "cancel", dropID, "-c", cfgPath, "--grpc", grpcAddr)
	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled drop "+dropID)

	out, err = execute(t, "cancel", dropID, "-c", cfgPath, "--grpc", grpcAddr)
	require.NoError(t, err)
	assert.Contains(t, out, "is not queued")
}

func TestRemotePlanImportExport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "beatdrop.yaml")
	_, httpAddr := startShow(t, dir)

	planPath := filepath.Join(dir, "show.json")
	require.NoError(t, os.WriteFile(planPath, []byte(`{
  "bpm": 126,
  "roles": ["wall"],
  "cues": [{"bar": 2, "r": "wall", "p": {"x": "wave", "a": 180, "sec": 2}, "label": "wave 2"}]
}`), 0644))

	out, err := execute(t, "plan", "import", planPath, "-c", cfgPath, "--http", httpAddr)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported scene plan: 1 cues, 1 roles, 126.0 bpm")

	out, err = execute(t, "plan", "show", "-c", cfgPath, "--http", httpAddr)
	require.NoError(t, err)
	assert.Contains(t, out, `"label": "wave 2"`)

	exportPath := filepath.Join(dir, "export.json")
	_, err = execute(t, "plan", "export", exportPath, "-c", cfgPath, "--http", httpAddr)
	require.NoError(t, err)
	data, err := os.ReadFile(exportPath)
	require.NoError(t, err)
	plan, err := sceneplan.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, 126.0, plan.BPM)
	require.Len(t, plan.Cues, 1)
	assert.Equal(t, types.EffectWave, plan.Cues[0].Params.Effect)

	// 載入 scene plan 時同時寫入檔案儲存
	stored, err := sceneplan.NewFileStore(filepath.Join(dir, "plan.json")).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 126.0, stored.BPM)

	// 不合法的 plan 在送出前就被拒絕
	require.NoError(t, os.WriteFile(planPath, []byte(`{"bpm": 0}`), 0644))
	_, err = execute(t, "plan", "import", planPath, "-c", cfgPath, "--http", httpAddr)
	assert.ErrorIs(t, err, sceneplan.ErrInvalidPlan)
}

func TestRemoteCueEditing(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "beatdrop.yaml")
	grpcAddr, httpAddr := startShow(t, dir)
	remote := func(args ...string) (string, error) {
		return execute(t, append(args, "-c", cfgPath, "--grpc", grpcAddr)...)
	}

	planPath := filepath.Join(dir, "show.json")
	require.NoError(t, os.WriteFile(planPath, []byte(`{"bpm": 120, "roles": ["wall", "floor"], "cues": []}`), 0644))
	_, err := execute(t, "plan", "import", planPath, "-c", cfgPath, "--http", httpAddr)
	require.NoError(t, err)

	out, err := remote("cue", "add", "--role", "wall", "--bar", "2", "--effect", "stb", "--sec", "2", "--label", "hit")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 3)
	cueID := fields[2]

	_, err = remote("cue", "add", "--role", "ceiling", "--effect", "stb")
	require.Error(t, err)

	out, err = remote("cue", "place", "--role", "floor", "--effect", "wave", "--beat", "13.5")
	require.NoError(t, err)
	assert.Contains(t, out, "at bar 4")

	_, err = remote("cue", "update", cueID, "--effect", "fade", "--sec", "4", "--color", "#00ff00")
	require.NoError(t, err)
	_, err = remote("cue", "move", cueID, "--role", "floor", "--bar", "6")
	require.NoError(t, err)
	_, err = remote("cue", "label", cueID, "fade out")
	require.NoError(t, err)

	out, err = remote("cue", "ls", "--role", "floor")
	require.NoError(t, err)
	assert.Contains(t, out, "Cues (2) @ 120.0 bpm, 16 bars:")
	assert.Contains(t, out, "8.00 beats  fade out")

	out, err = remote("bpm", "60")
	require.NoError(t, err)
	assert.Contains(t, out, "Tempo set to 60.0 bpm")
	out, err = remote("cue", "ls", "--from", "5", "--to", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "Cues (1)")
	assert.Contains(t, out, "4.00 beats  fade out")

	out, err = remote("cue", "rm", cueID)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted cue "+cueID)
	_, err = remote("cue", "rm", cueID)
	require.Error(t, err)

	out, err = remote("effects", "movement")
	require.NoError(t, err)
	assert.Contains(t, out, "chase")

	out, err = remote("hud", "rm", "hud-9")
	require.NoError(t, err)
	assert.Contains(t, out, "HUD hud-9 is not registered")
}

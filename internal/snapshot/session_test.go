package snapshot

// ============================================================================
// 場次快照測試：原子寫入、載入、版本與損壞偵測
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

func sampleSession() types.SessionSnapshot {
	color := "#ff0066"
	return types.SessionSnapshot{
		Position:      types.BeatPosition{Bar: 3, Beat: 2, BPM: 128, Tick: 9},
		Phase:         0.25,
		LastTimestamp: time.Date(2026, 1, 1, 20, 0, 0, 0, time.UTC),
		Cooldowns:     map[types.TriggerID]uint32{1: 13},
		Drops: []types.QueuedDrop{
			{ID: "drop-001", TriggerID: 2, TargetTick: 12, CreatedTick: 9, Seq: 1},
		},
		NextSeq: 2,
		Plan: &types.Sceneplan{
			BPM:   128,
			Roles: []string{"lead"},
			Cues: []types.Cue{{
				ID: "cue-001", Bar: 1, Role: "lead", Label: "intro",
				Params: types.CueParams{Effect: types.EffectPulse, Intensity: 200, DurationSeconds: 1, Color: &color},
			}},
		},
		LastSeq: 7,
	}
}

func TestNewStore(t *testing.T) {
	store := NewStore("session.json")
	assert.Equal(t, "session.json", store.Path())
}

// TestSaveAndLoad 寫入後載入的內容必須一致
func TestSaveAndLoad(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state", "session.json"))

	original := sampleSession()
	require.NoError(t, store.Save(original))
	assert.FileExists(t, store.Path())

	loaded, err := store.Load()
	require.NoError(t, err)

	original.SchemaVer = SchemaVersion
	assert.Equal(t, original, loaded)
}

// TestFirstBoot 沒有快照檔時回傳空狀態
func TestFirstBoot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"))

	data, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, data.SchemaVer)
	assert.Equal(t, types.BeatPosition{Bar: 1, Beat: 1}, data.Position)
	assert.Empty(t, data.Drops)
	assert.NotNil(t, data.Cooldowns)
	assert.Nil(t, data.Plan)
}

// TestVersionMismatch 不相容的 schema 版本
func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 99, "position": {"bar": 1, "beat": 1}}`), 0644))

	_, err := NewStore(path).Load()
	assert.True(t, errors.Is(err, ErrSchemaMismatch))
}

// TestCorrupted 損壞的 JSON
func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "drops": [`), 0644))

	_, err := NewStore(path).Load()
	assert.True(t, errors.Is(err, ErrCorrupted))
}

// TestNilCollectionsNormalised 舊快照缺少 cooldowns/drops 時補上空集合
func TestNilCollectionsNormalised(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "position": {"bar": 2, "beat": 1, "tick": 4}}`), 0644))

	data, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.NotNil(t, data.Cooldowns)
	assert.NotNil(t, data.Drops)
	assert.Equal(t, uint64(4), data.Position.Tick)
}

// TestConcurrentSave 並行寫入與讀取不會看到半寫入的快照，也不留下暫存檔
func TestConcurrentSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store := NewStore(path)
	require.NoError(t, store.Save(sampleSession()))

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := sampleSession()
			s.LastSeq = uint64(100 + i)
			assert.NoError(t, store.Save(s))
		}()
		go func() {
			defer wg.Done()
			data, err := store.Load()
			assert.NoError(t, err)
			assert.Equal(t, SchemaVersion, data.SchemaVer)
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files should be renamed away")
	assert.Equal(t, "session.json", entries[0].Name())
}

// TestSaveFailure 目標目錄無法建立時回報錯誤
func TestSaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	err := NewStore(filepath.Join(blocker, "session.json")).Save(sampleSession())
	assert.Error(t, err)
}

// TestLargeSnapshot 大量 drop 的快照
func TestLargeSnapshot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "session.json"))

	s := sampleSession()
	s.Drops = nil
	for i := range 5000 {
		s.Drops = append(s.Drops, types.QueuedDrop{
			ID:          types.DropID(fmt.Sprintf("drop-%05d", i)),
			TriggerID:   types.TriggerID(i%3 + 1),
			TargetTick:  uint64(12 + i),
			CreatedTick: 9,
			Seq:         uint64(i),
		})
	}
	require.NoError(t, store.Save(s))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Drops, 5000)
	assert.Equal(t, types.DropID("drop-04999"), loaded.Drops[4999].ID)
}

func BenchmarkSave(b *testing.B) {
	store := NewStore(filepath.Join(b.TempDir(), "session.json"))
	s := sampleSession()
	for b.Loop() {
		_ = store.Save(s)
	}
}

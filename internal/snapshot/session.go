package snapshot

// ============================================================================
// 場次快照
//
// 快照保存某一刻的完整場次：時鐘位置與相位、冷卻、drop 佇列、scene plan，
// 以及當時 WAL 的最後 seq。恢復時先載入快照，再重放 seq 之後的 WAL 事件。
//
// 寫入流程：同目錄建立暫存檔 → 寫入並 fsync → rename 覆蓋 → fsync 目錄。
// 任一步失敗時舊快照保持不變。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// SchemaVersion 目前的快照格式版本
const SchemaVersion = 1

var (
	ErrCorrupted      = errors.New("snapshot: file is corrupted")
	ErrSchemaMismatch = errors.New("snapshot: unsupported schema version")
)

// Store 單一快照檔的讀寫
type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Save 以原子方式取代快照檔
func (s *Store) Save(session types.SessionSnapshot) error {
	session.SchemaVer = SchemaVersion
	payload, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("snapshot: create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(payload); err != nil {
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("snapshot: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("snapshot: replace %s: %w", s.path, err)
	}
	committed = true

	syncDir(dir)
	return nil
}

// Load 讀取快照；檔案不存在時回傳 Empty()
//
// 缺少的 cooldowns / drops 補成空集合，方便呼叫端直接使用
func (s *Store) Load() (types.SessionSnapshot, error) {
	s.mu.Lock()
	payload, err := os.ReadFile(s.path)
	s.mu.Unlock()

	switch {
	case errors.Is(err, os.ErrNotExist):
		return Empty(), nil
	case err != nil:
		return types.SessionSnapshot{}, fmt.Errorf("snapshot: read %s: %w", s.path, err)
	}

	var session types.SessionSnapshot
	if err := json.Unmarshal(payload, &session); err != nil {
		return types.SessionSnapshot{}, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if session.SchemaVer != SchemaVersion {
		return types.SessionSnapshot{}, fmt.Errorf("%w: %d (supported: %d)", ErrSchemaMismatch, session.SchemaVer, SchemaVersion)
	}

	if session.Cooldowns == nil {
		session.Cooldowns = make(map[types.TriggerID]uint32)
	}
	if session.Drops == nil {
		session.Drops = []types.QueuedDrop{}
	}
	return session, nil
}

// Empty 首次啟動：1.1，沒有冷卻、drop 與 scene plan
func Empty() types.SessionSnapshot {
	return types.SessionSnapshot{
		SchemaVer: SchemaVersion,
		Position:  types.BeatPosition{Bar: 1, Beat: 1},
		Cooldowns: make(map[types.TriggerID]uint32),
		Drops:     []types.QueuedDrop{},
	}
}

// syncDir 讓 rename 本身也落盤；不支援目錄 fsync 的平台忽略錯誤
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}

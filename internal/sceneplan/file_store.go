package sceneplan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// FileStore 以單一 JSON 檔案保存 scene plan
type FileStore struct {
	path string
	mu   sync.Mutex // 保護檔案操作
}

// NewFileStore 建立檔案儲存
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path 檔案路徑
func (s *FileStore) Path() string {
	return s.path
}

// Load 讀取並驗證；檔案不存在時回傳 ErrNotFound
func (s *FileStore) Load(ctx context.Context) (types.Sceneplan, error) {
	if err := ctx.Err(); err != nil {
		return types.Sceneplan{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.Sceneplan{}, ErrNotFound
		}
		return types.Sceneplan{}, fmt.Errorf("failed to read sceneplan: %w", err)
	}
	return Unmarshal(data)
}

// Save 原子性寫入（temp file + rename）
func (s *FileStore) Save(ctx context.Context, plan types.Sceneplan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := Validate(plan); err != nil {
		return err
	}
	data, err := Marshal(plan)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create sceneplan directory: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp sceneplan: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename sceneplan: %w", err)
	}
	return nil
}

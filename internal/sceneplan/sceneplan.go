// ============================================================================
// beatdrop Scene plan 編解碼與儲存
// ============================================================================
//
// Package: internal/sceneplan
// 文件: sceneplan.go
// 功能: scene plan 的 JSON 格式、完整性驗證，以及持久化介面
//
// JSON 格式:
//   {"bpm":124,"roles":["wall"],"cues":[{"bar":1,"r":"wall","p":{"x":"fade","a":0,"sec":0.5},"label":"intro"}]}
//   可選欄位（color/speed/glow/id）缺少時，重新編碼後仍然缺少
//
// 儲存:
//   Store 介面由 FileStore（本套件）與 internal/sqlite.PlanRepository 實作
//
// ============================================================================

package sceneplan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ChuLiYu/beatdrop/internal/timeline"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// scene plan 內容不合法（格式或語意）
	ErrInvalidPlan = errors.New("sceneplan: invalid plan")
	// 儲存中沒有 scene plan
	ErrNotFound = errors.New("sceneplan: not found")
)

// Store scene plan 的不透明載入/儲存
type Store interface {
	Load(ctx context.Context) (types.Sceneplan, error)
	Save(ctx context.Context, plan types.Sceneplan) error
}

// Decode 解析並驗證 JSON
func Decode(r io.Reader) (types.Sceneplan, error) {
	var plan types.Sceneplan
	dec := json.NewDecoder(r)
	if err := dec.Decode(&plan); err != nil {
		return types.Sceneplan{}, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := Validate(plan); err != nil {
		return types.Sceneplan{}, err
	}
	return plan, nil
}

// Unmarshal 解析並驗證 JSON 位元組
func Unmarshal(data []byte) (types.Sceneplan, error) {
	return Decode(bytes.NewReader(data))
}

// Marshal 編碼為縮排 JSON
func Marshal(plan types.Sceneplan) ([]byte, error) {
	if plan.Roles == nil {
		plan.Roles = []string{}
	}
	if plan.Cues == nil {
		plan.Cues = []types.Cue{}
	}
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sceneplan: %w", err)
	}
	return data, nil
}

// Validate 檢查 BPM、角色與每個 cue，錯誤以 ErrInvalidPlan 包裝
func Validate(plan types.Sceneplan) error {
	if math.IsNaN(plan.BPM) || math.IsInf(plan.BPM, 0) || plan.BPM <= 0 {
		return fmt.Errorf("%w: bpm must be > 0, got %v", ErrInvalidPlan, plan.BPM)
	}
	if _, err := timeline.FromPlan(plan); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return nil
}

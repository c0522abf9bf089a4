// ============================================================================
// beatdrop 冷卻帳本
// ============================================================================
//
// Package: internal/cooldown
// 文件: ledger.go
// 功能: 以「拍」為單位記錄每個 trigger 的剩餘冷卻時間
//
// 規則:
//   - Start 直接覆寫剩餘拍數（最後寫入者勝出，不累加）
//   - 每跨越一個拍點呼叫一次 Tick，所有非零計數減 1，最低為 0
//   - IsReady 等價於 Remaining == 0
//
// 並發安全:
//   不加鎖，由 controller 的單一排程 goroutine 持有
//
// ============================================================================

package cooldown

import (
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// Ledger 冷卻帳本
type Ledger struct {
	remaining map[types.TriggerID]uint32
}

// NewLedger 建立空的冷卻帳本
func NewLedger() *Ledger {
	return &Ledger{
		remaining: make(map[types.TriggerID]uint32),
	}
}

// Start 設定 trigger 的剩餘冷卻拍數（覆寫進行中的冷卻）
func (l *Ledger) Start(trigger types.TriggerID, beats uint32) {
	if beats == 0 {
		delete(l.remaining, trigger)
		return
	}
	l.remaining[trigger] = beats
}

// Tick 跨越一個拍點，所有進行中的冷卻減 1
func (l *Ledger) Tick() {
	for trigger, beats := range l.remaining {
		if beats <= 1 {
			delete(l.remaining, trigger)
			continue
		}
		l.remaining[trigger] = beats - 1
	}
}

// Remaining 剩餘冷卻拍數
func (l *Ledger) Remaining(trigger types.TriggerID) uint32 {
	return l.remaining[trigger]
}

// IsReady 是否可以再次排程
func (l *Ledger) IsReady(trigger types.TriggerID) bool {
	return l.remaining[trigger] == 0
}

// Active 冷卻中的 trigger 數量
func (l *Ledger) Active() int {
	return len(l.remaining)
}

// Snapshot 複製目前狀態
func (l *Ledger) Snapshot() map[types.TriggerID]uint32 {
	out := make(map[types.TriggerID]uint32, len(l.remaining))
	for trigger, beats := range l.remaining {
		out[trigger] = beats
	}
	return out
}

// Restore 從快照恢復，清除現有狀態
func (l *Ledger) Restore(state map[types.TriggerID]uint32) {
	l.remaining = make(map[types.TriggerID]uint32, len(state))
	for trigger, beats := range state {
		if beats > 0 {
			l.remaining[trigger] = beats
		}
	}
}

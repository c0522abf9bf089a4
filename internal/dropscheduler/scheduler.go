// ============================================================================
// beatdrop Drop 排程器
// ============================================================================
//
// Package: internal/dropscheduler
// 文件: scheduler.go
// 功能: 把操作者的相對排程（下一個強拍 / +n 小節）換算成絕對 tick，並在拍點跨越時觸發
//
// Drop 生命週期:
//   Schedule() → Queued
//      ↓ Evaluate() 跨越目標 tick
//   Fired（從佇列移除，只會發生一次）
//      或
//   Cancel() → Cancelled（從佇列移除，重複取消回傳 false）
//
// 目標 tick 換算:
//   Immediate   = 目前 tick 所在小節的「下一小節」第一拍
//   PlusBars(n) = Immediate + n × beatsPerBar
//   目前正好在強拍上時，Immediate 仍然指向下一小節
//
// 冷卻:
//   排程成功的同時啟動固定長度的冷卻（以拍計），冷卻中的 trigger 一律拒絕，
//   拒絕時佇列不會有任何變動
//
// 資料結構:
//   queue - container/heap 最小堆，O(log n) 插入、O(1) 查看最早的 drop
//   index - DropID → 堆節點，取消時 O(log n) 移除
//
// 並發安全:
//   不加鎖，由 controller 的單一排程 goroutine 持有
//
// ============================================================================

package dropscheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beatdrop/internal/beatclock"
	"github.com/ChuLiYu/beatdrop/internal/cooldown"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// trigger 冷卻中，排程被拒絕（以 RejectedError 回傳）
	ErrRejected = errors.New("dropscheduler: trigger is cooling down")
	// trigger 超出 1..TriggerCount
	ErrUnknownTrigger = errors.New("dropscheduler: unknown trigger")
	// 相對時間種類不合法
	ErrInvalidRelative = errors.New("dropscheduler: invalid relative time")
)

// RejectedError 排程被拒絕，附帶剩餘冷卻拍數
type RejectedError struct {
	TriggerID types.TriggerID
	Remaining uint32
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("dropscheduler: trigger %d is cooling down (%d beats remaining)", e.TriggerID, e.Remaining)
}

// Is 讓 errors.Is(err, ErrRejected) 成立
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Clock 排程器需要的時鐘讀取介面
type Clock interface {
	Position() types.BeatPosition
	BeatsPerBar() uint8
}

// Config 排程器設定
type Config struct {
	TriggerCount  uint8  // 可用 trigger 數量（1..TriggerCount）
	CooldownBeats uint32 // 每次排程後的冷卻拍數
}

// DefaultConfig 預設三個 trigger、冷卻 16 拍
func DefaultConfig() Config {
	return Config{TriggerCount: 3, CooldownBeats: 16}
}

// Scheduler drop 排程器
type Scheduler struct {
	cfg     Config
	clock   Clock
	ledger  *cooldown.Ledger
	queue   dropQueue
	index   map[types.DropID]*entry
	nextSeq uint64
	newID   func() types.DropID
}

// New 建立排程器
func New(clock Clock, ledger *cooldown.Ledger, cfg Config) *Scheduler {
	if cfg.TriggerCount == 0 {
		cfg.TriggerCount = DefaultConfig().TriggerCount
	}
	return &Scheduler{
		cfg:    cfg,
		clock:  clock,
		ledger: ledger,
		queue:  make(dropQueue, 0),
		index:  make(map[types.DropID]*entry),
		newID: func() types.DropID {
			return types.DropID(uuid.NewString())
		},
	}
}

// ============================================================================
// 核心方法
// ============================================================================

// Schedule 排程一個 drop
//
// 返回值：
//   - types.QueuedDrop: 已入列的 drop（含絕對目標 tick）
//   - error:
//   - ErrUnknownTrigger: trigger 超出範圍
//   - *RejectedError: trigger 冷卻中（errors.Is(err, ErrRejected)）
//   - ErrInvalidRelative: 相對時間種類不合法
func (s *Scheduler) Schedule(spec types.ScheduleSpec) (types.QueuedDrop, error) {
	if spec.TriggerID < 1 || spec.TriggerID > types.TriggerID(s.cfg.TriggerCount) {
		return types.QueuedDrop{}, fmt.Errorf("%w: %d outside 1..%d", ErrUnknownTrigger, spec.TriggerID, s.cfg.TriggerCount)
	}
	if !s.ledger.IsReady(spec.TriggerID) {
		return types.QueuedDrop{}, &RejectedError{
			TriggerID: spec.TriggerID,
			Remaining: s.ledger.Remaining(spec.TriggerID),
		}
	}

	now := s.clock.Position().Tick
	target, err := ResolveTarget(spec.Relative, now, s.clock.BeatsPerBar())
	if err != nil {
		return types.QueuedDrop{}, err
	}

	drop := types.QueuedDrop{
		ID:          s.newID(),
		TriggerID:   spec.TriggerID,
		TargetTick:  target,
		CreatedTick: now,
		Seq:         s.nextSeq,
	}
	s.nextSeq++
	s.push(drop)
	s.ledger.Start(spec.TriggerID, s.cfg.CooldownBeats)
	return drop, nil
}

// Cancel 取消尚未觸發的 drop
//
// 冪等：不存在、已觸發、已取消都回傳 false，不會回傳錯誤
func (s *Scheduler) Cancel(id types.DropID) bool {
	e, ok := s.index[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.index, id)
	return true
}

// Evaluate 取出本次跨越中到期的所有 drop
//
// 目標 tick 不晚於跨越終點的 drop 依 (TargetTick, CreatedTick, Seq) 順序取出並從佇列移除，
// 因此同一個 drop 不會被觸發兩次，尚未到期的 drop 也不會被取出。
// 恢復後目標已落在跨越起點之前的 drop 同樣會在這次被取出。
func (s *Scheduler) Evaluate(c beatclock.Crossing) []types.QueuedDrop {
	if c.Empty() {
		return nil
	}
	last := c.Last()

	var due []types.QueuedDrop
	for len(s.queue) > 0 && s.queue[0].drop.TargetTick <= last {
		e := heap.Pop(&s.queue).(*entry)
		delete(s.index, e.drop.ID)
		due = append(due, e.drop)
	}
	return due
}

// Peek 最早到期的 drop，O(1)
func (s *Scheduler) Peek() (types.QueuedDrop, bool) {
	if len(s.queue) == 0 {
		return types.QueuedDrop{}, false
	}
	return s.queue[0].drop, true
}

// Pending 依觸發順序排列的佇列副本
func (s *Scheduler) Pending() []types.QueuedDrop {
	out := make([]types.QueuedDrop, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, e.drop)
	}
	slices.SortFunc(out, func(a, b types.QueuedDrop) int {
		if less(a, b) {
			return -1
		}
		if less(b, a) {
			return 1
		}
		return 0
	})
	return out
}

// Get 查詢佇列中的 drop
func (s *Scheduler) Get(id types.DropID) (types.QueuedDrop, bool) {
	e, ok := s.index[id]
	if !ok {
		return types.QueuedDrop{}, false
	}
	return e.drop, true
}

// Len 佇列長度
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// NextSeq 下一個插入序號（快照用）
func (s *Scheduler) NextSeq() uint64 {
	return s.nextSeq
}

// Restore 以快照或 WAL 重放的結果取代整個佇列
//
// 不會啟動冷卻；冷卻狀態由 cooldown.Ledger.Restore 另外恢復
func (s *Scheduler) Restore(drops []types.QueuedDrop, nextSeq uint64) {
	s.queue = make(dropQueue, 0, len(drops))
	s.index = make(map[types.DropID]*entry, len(drops))
	s.nextSeq = nextSeq

	for _, d := range drops {
		if _, dup := s.index[d.ID]; dup {
			continue
		}
		s.push(d)
		if d.Seq >= s.nextSeq {
			s.nextSeq = d.Seq + 1
		}
	}
}

func (s *Scheduler) push(d types.QueuedDrop) {
	e := &entry{drop: d}
	heap.Push(&s.queue, e)
	s.index[d.ID] = e
}

// ============================================================================
// 換算工具
// ============================================================================

// ResolveTarget 相對時間 → 絕對目標 tick
func ResolveTarget(rel types.Relative, now uint64, beatsPerBar uint8) (uint64, error) {
	next := beatclock.NextBarStart(now, beatsPerBar)
	switch rel.Kind {
	case types.RelImmediate, "":
		return next, nil
	case types.RelPlusBars:
		return next + uint64(rel.Bars)*uint64(beatsPerBar), nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRelative, rel.Kind)
	}
}

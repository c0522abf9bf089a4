// ============================================================================
// beatdrop 節拍時鐘
// ============================================================================
//
// Package: internal/beatclock
// 文件: clock.go
// 功能: 消化外部節拍偵測器送來的 BeatTick，維護目前的小節/拍/BPM 與單調遞增的邏輯 tick
//
// tick 定義:
//   tick = (bar-1)*beatsPerBar + (beat-1)
//   場次進行中 tick 只增不減，不會歸零
//
// 兩種輸入模式:
//   1. 明確位置：偵測器直接回報 bar/beat，必須嚴格晚於上一次接受的 tick
//   2. 時間戳模式：以經過的秒數 × BPM/60 累積拍數，不足一拍的餘數（phase）留到下一次
//
// 跨越累積:
//   每次 Advance 跨越的拍點會累加到 pending，由 Boundaries() 一次取出。
//   消費端（CooldownLedger、DropScheduler）因此不會因為突發或稀疏的輸入而漏拍。
//
// 著陸:
//   場次的第一個 tick 只決定位置，不產生跨越；偵測器中途加入時不會重播之前的拍點。
//   著陸點由 Landing() 取出一次，只有剛好落在著陸點上的事件算準時。
//
// 並發安全:
//   Clock 不加鎖，只能由單一排程 goroutine（controller）持有與呼叫
//
// ============================================================================

package beatclock

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 輸入 tick 沒有晚於最後接受的 tick
	ErrOutOfOrderTick = errors.New("beatclock: tick is not later than the last accepted tick")
	// 輸入 tick 欄位不合法（BPM、拍數、時間戳）
	ErrInvalidTick = errors.New("beatclock: invalid tick")
)

// 浮點累積誤差容忍值，避免 0.9999999 拍被當成 0 拍
const phaseEpsilon = 1e-9

// State 時鐘可持久化的狀態
type State struct {
	Position      types.BeatPosition
	Phase         float64
	LastTimestamp time.Time
}

// Clock 節拍時鐘
type Clock struct {
	beatsPerBar   uint8
	pos           types.BeatPosition
	started       bool      // 是否已接受過任何 tick
	lastTimestamp time.Time // 時間戳模式的參考點
	phase         float64   // 未滿一拍的累積量
	pending       Crossing  // 自上次 Boundaries() 以來跨越的拍點
	landing       *uint64   // 尚未取出的著陸點
}

// New 建立時鐘，初始位置為第 1 小節第 1 拍
func New(beatsPerBar uint8, bpm float64) *Clock {
	if beatsPerBar == 0 {
		beatsPerBar = 4
	}
	return &Clock{
		beatsPerBar: beatsPerBar,
		pos: types.BeatPosition{
			Bar:  1,
			Beat: 1,
			BPM:  bpm,
			Tick: 0,
		},
	}
}

// Advance 接受一個外部 BeatTick
//
// 返回值：
//   - ErrOutOfOrderTick: tick 沒有前進，時鐘保留最後的有效位置
//   - ErrInvalidTick: 欄位不合法
func (c *Clock) Advance(t types.BeatTick) error {
	if math.IsNaN(t.BPM) || math.IsInf(t.BPM, 0) || t.BPM <= 0 {
		return fmt.Errorf("%w: bpm %v", ErrInvalidTick, t.BPM)
	}

	if t.Explicit() {
		return c.advanceExplicit(t)
	}
	return c.advanceByTime(t)
}

func (c *Clock) advanceExplicit(t types.BeatTick) error {
	if t.Beat < 1 || t.Beat > c.beatsPerBar {
		return fmt.Errorf("%w: beat %d outside 1..%d", ErrInvalidTick, t.Beat, c.beatsPerBar)
	}

	tick := TickOf(t.Bar, t.Beat, c.beatsPerBar)
	if c.started && tick <= c.pos.Tick {
		return fmt.Errorf("%w: tick %d <= %d", ErrOutOfOrderTick, tick, c.pos.Tick)
	}
	if !c.started && tick < c.pos.Tick {
		return fmt.Errorf("%w: tick %d < %d", ErrOutOfOrderTick, tick, c.pos.Tick)
	}

	if c.started {
		c.moveTo(tick, t.BPM)
	} else {
		c.land(tick, t.BPM)
	}
	c.phase = 0
	if !t.Timestamp.IsZero() {
		c.lastTimestamp = t.Timestamp
	}
	c.started = true
	return nil
}

func (c *Clock) advanceByTime(t types.BeatTick) error {
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: neither position nor timestamp given", ErrInvalidTick)
	}

	// 第一個時間戳只建立參考點
	if c.lastTimestamp.IsZero() {
		c.lastTimestamp = t.Timestamp
		if c.started {
			c.pos.BPM = t.BPM
		} else {
			c.land(c.pos.Tick, t.BPM)
		}
		c.started = true
		return nil
	}

	if !t.Timestamp.After(c.lastTimestamp) {
		return fmt.Errorf("%w: timestamp %s not after %s",
			ErrOutOfOrderTick, t.Timestamp.Format(time.RFC3339Nano), c.lastTimestamp.Format(time.RFC3339Nano))
	}

	elapsed := t.Timestamp.Sub(c.lastTimestamp).Seconds()
	c.phase += elapsed * t.BPM / 60
	beats := math.Floor(c.phase + phaseEpsilon)
	c.phase = math.Max(0, c.phase-beats)

	c.moveTo(c.pos.Tick+uint64(beats), t.BPM)
	c.lastTimestamp = t.Timestamp
	c.started = true
	return nil
}

// moveTo 移動到指定 tick 並累積跨越
func (c *Clock) moveTo(tick uint64, bpm float64) {
	c.pending = c.pending.Merge(Span(c.pos.Tick, tick))
	bar, beat := PositionAt(tick, c.beatsPerBar)
	c.pos = types.BeatPosition{Bar: bar, Beat: beat, BPM: bpm, Tick: tick}
}

// land 第一個 tick：設定位置，不累積跨越
func (c *Clock) land(tick uint64, bpm float64) {
	bar, beat := PositionAt(tick, c.beatsPerBar)
	c.pos = types.BeatPosition{Bar: bar, Beat: beat, BPM: bpm, Tick: tick}
	c.landing = &tick
}

// Landing 取出著陸點；每個場次最多回傳一次 true
func (c *Clock) Landing() (uint64, bool) {
	if c.landing == nil {
		return 0, false
	}
	tick := *c.landing
	c.landing = nil
	return tick, true
}

// Position 目前位置（純讀取）
func (c *Clock) Position() types.BeatPosition {
	return c.pos
}

// Boundaries 取出自上次呼叫以來跨越的拍點
func (c *Clock) Boundaries() Crossing {
	crossed := c.pending
	c.pending = Crossing{}
	return crossed
}

// BeatsPerBar 每小節拍數
func (c *Clock) BeatsPerBar() uint8 {
	return c.beatsPerBar
}

// SetBPM 操作者手動調整速度；只影響之後的時間戳換算
func (c *Clock) SetBPM(bpm float64) error {
	if math.IsNaN(bpm) || math.IsInf(bpm, 0) || bpm <= 0 {
		return fmt.Errorf("%w: bpm %v", ErrInvalidTick, bpm)
	}
	c.pos.BPM = bpm
	return nil
}

// State 匯出可持久化的狀態
func (c *Clock) State() State {
	return State{
		Position:      c.pos,
		Phase:         c.phase,
		LastTimestamp: c.lastTimestamp,
	}
}

// Restore 從快照恢復位置；恢復後的 tick 不會倒退
func (c *Clock) Restore(s State) {
	bar, beat := PositionAt(s.Position.Tick, c.beatsPerBar)
	c.pos = types.BeatPosition{Bar: bar, Beat: beat, BPM: s.Position.BPM, Tick: s.Position.Tick}
	c.phase = s.Phase
	c.lastTimestamp = s.LastTimestamp
	c.pending = Crossing{}
	c.landing = nil
	c.started = s.Position.Tick > 0 || !s.LastTimestamp.IsZero()
}

// ============================================================================
// 換算工具
// ============================================================================

// TickOf 小節/拍 → tick
func TickOf(bar uint32, beat uint8, beatsPerBar uint8) uint64 {
	if bar < 1 {
		bar = 1
	}
	if beat < 1 {
		beat = 1
	}
	return uint64(bar-1)*uint64(beatsPerBar) + uint64(beat-1)
}

// PositionAt tick → 小節/拍
func PositionAt(tick uint64, beatsPerBar uint8) (uint32, uint8) {
	bpb := uint64(beatsPerBar)
	return uint32(tick/bpb) + 1, uint8(tick%bpb) + 1
}

// BarStart 指定小節第一拍的 tick
func BarStart(bar uint32, beatsPerBar uint8) uint64 {
	return TickOf(bar, 1, beatsPerBar)
}

// NextBarStart 嚴格晚於 tick 所在小節的下一小節第一拍
func NextBarStart(tick uint64, beatsPerBar uint8) uint64 {
	bpb := uint64(beatsPerBar)
	return (tick/bpb + 1) * bpb
}

// BeatDuration 一拍的時間長度
func BeatDuration(bpm float64) time.Duration {
	if bpm <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / bpm)
}

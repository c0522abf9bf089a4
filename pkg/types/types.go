// Package types 定義了 beatdrop 系統中使用的核心領域模型
package types

import (
	"time"
)

// ============================================================================
// 節拍時鐘
// ============================================================================

// BeatTick 外部節拍偵測器送入的一次節拍事件
//
// 兩種模式：
//   - 明確位置：Bar >= 1 時，直接使用偵測器回報的 Bar/Beat
//   - 時間戳模式：Bar == 0 時，依據與上一次的時間差和 BPM 推算經過的拍數
type BeatTick struct {
	Bar        uint32    `json:"bar,omitempty"`       // 小節（1 起算），0 表示未提供
	Beat       uint8     `json:"beat,omitempty"`      // 拍（1..BeatsPerBar）
	Timestamp  time.Time `json:"timestamp"`           // 偵測時間
	BPM        float64   `json:"bpm"`                 // 目前速度
	Confidence float64   `json:"confidence"`          // 偵測信心 0..1
	Energy     float64   `json:"energy"`              // 能量 0..1
	Key        string    `json:"key,omitempty"`       // 調性（可選）
	Signature  string    `json:"signature,omitempty"` // 拍號，例如 "4/4"（可選）
}

// Explicit 是否為明確位置模式
func (t BeatTick) Explicit() bool {
	return t.Bar > 0
}

// BeatPosition 目前的音樂位置
type BeatPosition struct {
	Bar  uint32  `json:"bar"`  // 小節（>= 1）
	Beat uint8   `json:"beat"` // 拍（1..BeatsPerBar）
	BPM  float64 `json:"bpm"`  // 速度
	Tick uint64  `json:"tick"` // 邏輯 tick：(Bar-1)*BeatsPerBar + (Beat-1)
}

// ============================================================================
// Drop 排程
// ============================================================================

// TriggerID drop 觸發槽位（1..N）
type TriggerID uint8

// DropID 排程中 drop 的唯一識別碼
type DropID string

// RelativeKind 相對時間種類
type RelativeKind string

const (
	RelImmediate RelativeKind = "immediate" // 下一小節的第一拍
	RelPlusBars  RelativeKind = "plus_bars" // 下一小節之後再加 n 小節
)

// Relative 排程的相對時間
type Relative struct {
	Kind RelativeKind `json:"kind"`
	Bars uint8        `json:"bars,omitempty"`
}

// Immediate 下一個強拍
func Immediate() Relative {
	return Relative{Kind: RelImmediate}
}

// PlusBars 下一個強拍之後再 n 小節
func PlusBars(n uint8) Relative {
	return Relative{Kind: RelPlusBars, Bars: n}
}

// ScheduleSpec 操作者的排程請求
type ScheduleSpec struct {
	TriggerID TriggerID `json:"trigger_id"`
	Relative  Relative  `json:"relative"`
}

// QueuedDrop 佇列中等待觸發的 drop
type QueuedDrop struct {
	ID          DropID    `json:"id"`
	TriggerID   TriggerID `json:"trigger_id"`
	TargetTick  uint64    `json:"target_tick"`
	CreatedTick uint64    `json:"created_tick"`
	Seq         uint64    `json:"seq"` // 插入順序，同 tick 時保持 FIFO
}

// FireEvent 送往 HUD / 效果傳輸層的觸發事件
type FireEvent struct {
	DropID      DropID    `json:"drop_id"`
	TriggerID   TriggerID `json:"trigger_id"`
	FiredAtTick uint64    `json:"fired_at_tick"`
	Bar         uint32    `json:"bar"`
	Beat        uint8     `json:"beat"`
	FiredAt     time.Time `json:"fired_at"`
}

// CueEvent 播放評估器在 cue 所在小節開始時送出的事件
type CueEvent struct {
	CueID       CueID      `json:"cue_id"`
	Role        string     `json:"role"`
	Bar         uint32     `json:"bar"`
	Effect      EffectKind `json:"effect"`
	FiredAtTick uint64     `json:"fired_at_tick"`
}

// EventKind 對外事件種類
type EventKind string

const (
	EventFire EventKind = "fire"
	EventCue  EventKind = "cue"
)

// Event 對外推送的事件信封
type Event struct {
	Kind EventKind  `json:"kind"`
	Fire *FireEvent `json:"fire,omitempty"`
	Cue  *CueEvent  `json:"cue,omitempty"`
}

// ============================================================================
// Scene plan
// ============================================================================

// CueID cue 的穩定識別碼
type CueID string

// EffectKind 效果種類
type EffectKind string

const (
	EffectPulse    EffectKind = "pulse"
	EffectFade     EffectKind = "fade"
	EffectStrobe   EffectKind = "stb"
	EffectRiser    EffectKind = "riser"
	EffectChase    EffectKind = "chase"
	EffectWave     EffectKind = "wave"
	EffectBeam     EffectKind = "beam"
	EffectRipple   EffectKind = "ripple"
	EffectSpark    EffectKind = "spark"
	EffectSwarm    EffectKind = "swarm"
	EffectTexture  EffectKind = "tex"
	EffectParticle EffectKind = "pcl"
	EffectScene    EffectKind = "scene"
)

// CueParams cue 的效果參數（欄位名稱與既有 JSON 格式相容）
type CueParams struct {
	Effect          EffectKind `json:"x"`               // 效果種類
	Intensity       uint8      `json:"a"`               // 強度 0..255
	DurationSeconds float64    `json:"sec"`             // 持續秒數
	Color           *string    `json:"color,omitempty"` // #rrggbb
	Speed           *float64   `json:"speed,omitempty"` // 速度倍率
	Glow            *int       `json:"glow,omitempty"`  // 光暈 0..100
}

// Cue 放置在時間軸上的效果
type Cue struct {
	ID     CueID     `json:"id,omitempty"`
	Bar    uint32    `json:"bar"`
	Role   string    `json:"r"`
	Params CueParams `json:"p"`
	Label  string    `json:"label"`
}

// Sceneplan 一場演出的所有角色與 cue
type Sceneplan struct {
	BPM   float64  `json:"bpm"`
	Roles []string `json:"roles"`
	Cues  []Cue    `json:"cues"`
}

// ============================================================================
// HUD
// ============================================================================

// HudID HUD 裝置識別碼
type HudID string

// HudStatus HUD 存活狀態（由最後心跳時間推導）
type HudStatus string

const (
	HudOnline  HudStatus = "online"
	HudRetry   HudStatus = "retry"
	HudOffline HudStatus = "offline"
)

// HudView HUD 的唯讀檢視
type HudView struct {
	ID       HudID     `json:"id"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"last_seen"`
	Status   HudStatus `json:"status"`
}

// ============================================================================
// 快照
// ============================================================================

// SessionSnapshot 場次狀態快照，用於崩潰恢復
type SessionSnapshot struct {
	SchemaVer     int                  `json:"schema_ver"`
	Position      BeatPosition         `json:"position"`
	Phase         float64              `json:"phase"`          // 時間戳模式下未滿一拍的餘數
	LastTimestamp time.Time            `json:"last_timestamp"` // 最後接受的時間戳
	Cooldowns     map[TriggerID]uint32 `json:"cooldowns"`
	Drops         []QueuedDrop         `json:"drops"`
	NextSeq       uint64               `json:"next_seq"`
	Plan          *Sceneplan           `json:"plan,omitempty"`
	LastSeq       uint64               `json:"last_seq"` // WAL 最後序號
}

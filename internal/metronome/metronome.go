// ============================================================================
// beatdrop 節拍器
// ============================================================================
//
// Package: internal/metronome
// 文件: metronome.go
// 功能: 沒有外部節拍偵測器時產生穩定的 BeatTick（排練、測試）
//
// 產生方式:
//   - 每拍一個明確位置的 tick（Bar/Beat），從 StartBar 第 1 拍開始
//   - 時間戳從 Start 起每拍加上 BeatDuration(BPM)，與實際時鐘無關，因此可重現
//   - Run 以 time.Ticker 控制節奏；Next 可在測試中直接呼叫
//
// ============================================================================

package metronome

import (
	"context"
	"time"

	"github.com/ChuLiYu/beatdrop/internal/beatclock"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// Config 節拍器設定
type Config struct {
	BPM         float64
	BeatsPerBar uint8
	StartBar    uint32    // 預設 1
	Start       time.Time // 第一拍的時間戳，預設為建立時間
}

// Metronome 確定性的 BeatTick 產生器
type Metronome struct {
	bpm         float64
	beatsPerBar uint8
	bar         uint32
	beat        uint8
	at          time.Time
}

var _ Source = (*Metronome)(nil)

// New 建立節拍器
func New(cfg Config) *Metronome {
	if cfg.BPM <= 0 {
		cfg.BPM = 120
	}
	if cfg.BeatsPerBar == 0 {
		cfg.BeatsPerBar = 4
	}
	if cfg.StartBar == 0 {
		cfg.StartBar = 1
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}
	return &Metronome{
		bpm:         cfg.BPM,
		beatsPerBar: cfg.BeatsPerBar,
		bar:         cfg.StartBar,
		beat:        1,
		at:          cfg.Start,
	}
}

// Next 產生下一拍
func (m *Metronome) Next() types.BeatTick {
	energy := 0.6
	if m.beat == 1 {
		energy = 1.0
	}
	t := types.BeatTick{
		Bar:        m.bar,
		Beat:       m.beat,
		Timestamp:  m.at,
		BPM:        m.bpm,
		Confidence: 1,
		Energy:     energy,
	}

	m.at = m.at.Add(beatclock.BeatDuration(m.bpm))
	if m.beat == m.beatsPerBar {
		m.beat = 1
		m.bar++
	} else {
		m.beat++
	}
	return t
}

// Run 每拍送出一個 tick，直到 ctx 結束或 emit 回傳錯誤
func (m *Metronome) Run(ctx context.Context, emit Emit) error {
	ticker := time.NewTicker(beatclock.BeatDuration(m.bpm))
	defer ticker.Stop()

	// 第一拍立即送出
	if err := emit(ctx, m.Next()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := emit(ctx, m.Next()); err != nil {
				return err
			}
		}
	}
}

package timeline

import (
	"math"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// QuantizeGesture 把 UI 手勢的連續拍位置換算成小節：floor(raw / beatsPerBar) + 1
//
// 同一個輸入永遠得到同一個小節，結果至少為 1；負數與 NaN 視為 0，超出範圍時飽和。
// beatsPerBar 為 0 時以 4 計
func QuantizeGesture(rawBeatPosition float64, beatsPerBar uint8) uint32 {
	if beatsPerBar == 0 {
		beatsPerBar = 4
	}
	if math.IsNaN(rawBeatPosition) || rawBeatPosition < 0 {
		rawBeatPosition = 0
	}
	bars := math.Floor(rawBeatPosition / float64(beatsPerBar))
	if bars >= math.MaxUint32-1 {
		return math.MaxUint32
	}
	return uint32(uint64(bars) + 1)
}

// SpanBeats cue 在指定速度下持續的拍數
func SpanBeats(c types.Cue, bpm float64) float64 {
	return c.Params.DurationSeconds * normalizeBPM(bpm) / 60
}

package beatclock

import "iter"

// Crossing 一段連續被跨越的拍點 tick（First .. First+Count-1）
//
// DropScheduler 與時間軸播放評估器都以 Crossing 判斷「哪些 tick 已經到了」，
// 因此一次粗粒度的外部更新跨過多拍時，每一拍都會被看見。
type Crossing struct {
	First uint64 // 第一個被跨越的 tick
	Count uint64 // 被跨越的拍數，0 表示沒有跨越
}

// Span 建立 (from, to] 區間的跨越
func Span(from, to uint64) Crossing {
	if to <= from {
		return Crossing{}
	}
	return Crossing{First: from + 1, Count: to - from}
}

// Empty 是否沒有跨越任何拍點
func (c Crossing) Empty() bool {
	return c.Count == 0
}

// Last 最後一個被跨越的 tick；Empty 時無意義
func (c Crossing) Last() uint64 {
	return c.First + c.Count - 1
}

// Contains 判斷 tick 是否在本次跨越內
func (c Crossing) Contains(tick uint64) bool {
	return c.Count > 0 && tick >= c.First && tick <= c.Last()
}

// Ticks 依序列舉每個被跨越的 tick
func (c Crossing) Ticks() iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		for i := uint64(0); i < c.Count; i++ {
			if !yield(c.First + i) {
				return
			}
		}
	}
}

// Merge 合併兩段跨越
//
// 時鐘只會往前走，所以 o 緊接在 c 之後；若中間有空隙，以涵蓋兩者的區間為準。
func (c Crossing) Merge(o Crossing) Crossing {
	if c.Empty() {
		return o
	}
	if o.Empty() {
		return c
	}
	first := min(c.First, o.First)
	last := max(c.Last(), o.Last())
	return Crossing{First: first, Count: last - first + 1}
}

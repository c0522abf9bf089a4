package dropscheduler

import (
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// entry 佇列節點，index 由 heap 維護，用於 O(log n) 取消
type entry struct {
	drop  types.QueuedDrop
	index int
}

// dropQueue 以 (TargetTick, CreatedTick, Seq) 排序的最小堆，實作 container/heap.Interface
type dropQueue []*entry

func (q dropQueue) Len() int { return len(q) }

func (q dropQueue) Less(i, j int) bool {
	return less(q[i].drop, q[j].drop)
}

func (q dropQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *dropQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *dropQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// less 觸發順序：目標 tick → 建立 tick → 插入序號
func less(a, b types.QueuedDrop) bool {
	if a.TargetTick != b.TargetTick {
		return a.TargetTick < b.TargetTick
	}
	if a.CreatedTick != b.CreatedTick {
		return a.CreatedTick < b.CreatedTick
	}
	return a.Seq < b.Seq
}

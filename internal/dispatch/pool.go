// ============================================================================
// beatdrop Dispatch Pool - 觸發事件投遞池
// ============================================================================
//
// Package: internal/dispatch
// 文件: pool.go
// 功能: 把 controller 產生的 fire/cue 事件交給固定數量的 worker 投遞到 Sink
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> 每條 lane 各自的佇列
//   └─────────────┘
//   ┌──────────────────────────────────────────┐
//   │   Pool                                   │
//   │  lane 0: Worker 0 → sinks[0], sinks[n]   │
//   │  lane 1: Worker 1 → sinks[1], sinks[n+1] │
//   └──────────────────────────────────────────┘
//
// 投遞保證:
//   - 每個 Sink 只屬於一條 lane，lane 由單一 worker 依提交順序投遞，
//     所以同一個 Sink 看到的事件順序與 Submit 順序相同
//   - Submit 永不阻塞
//   - fire 事件永不丟棄；cue 事件在 lane 積壓達 bufferSize 時丟棄並通知 Observer
//   - 每次投遞都有 deliverTimeout，慢的 Sink 不會卡住 lane 太久
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(n) - 啟動 min(n, Sink 數量) 條 lane
//   3. Submit(ev) - 非阻塞提交
//   4. Stop() - 等待 worker 把已排入的事件投遞完
//
// ============================================================================

package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新事件
	ErrPoolClosed = errors.New("dispatch pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交事件
	ErrPoolNotStarted = errors.New("dispatch pool not started")
	// ErrQueueFull 積壓已達上限，cue 事件被丟棄
	ErrQueueFull = errors.New("dispatch queue is full")
)

// DefaultDeliverTimeout 單次投遞的預設逾時
const DefaultDeliverTimeout = 500 * time.Millisecond

// Observer 投遞結果觀察者（metrics 使用）
type Observer interface {
	Delivered(ev types.Event, elapsed time.Duration, err error)
	Dropped(ev types.Event)
}

type nopObserver struct{}

func (nopObserver) Delivered(types.Event, time.Duration, error) {}
func (nopObserver) Dropped(types.Event)                         {}

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表投遞池，每條 lane 一個 worker
type Pool struct {
	sinks    Sinks
	observer Observer
	timeout  time.Duration
	limit    int

	lanes   []*lane
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started/stopped/lanes
}

// Option 設定 Pool 的選項
type Option func(*Pool)

// WithObserver 設定投遞結果觀察者
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithDeliverTimeout 設定單次投遞逾時
func WithDeliverTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的投遞池
// 參數：
//   - sink: 事件的最終去處；Sinks 會被拆開，每個元素分配到一條 lane
//   - bufferSize: 每條 lane 可積壓的事件數（只限制 cue 事件）
func NewPool(sink Sink, bufferSize int, opts ...Option) *Pool {
	if bufferSize < 1 {
		bufferSize = 1
	}
	sinks, ok := sink.(Sinks)
	if !ok {
		sinks = Sinks{sink}
	}
	p := &Pool{
		sinks:    sinks,
		observer: nopObserver{},
		timeout:  DefaultDeliverTimeout,
		limit:    bufferSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start 啟動 worker；worker 數量不超過 Sink 數量
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("dispatch pool already started")
	}
	workerCount = max(1, min(workerCount, len(p.sinks)))

	p.lanes = make([]*lane, workerCount)
	for i := range p.lanes {
		p.lanes[i] = newLane(p.limit)
	}
	for i, sink := range p.sinks {
		l := p.lanes[i%workerCount]
		l.sinks = append(l.sinks, sink)
	}

	for i, l := range p.lanes {
		w := newWorker(i, l, p.observer, p.timeout)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}

	p.started = true
	return nil
}

// Submit 非阻塞地把事件排入每條 lane
//
// 返回值：
//   - ErrPoolNotStarted / ErrPoolClosed: Pool 狀態不允許提交
//   - ErrQueueFull: 至少一條 lane 丟棄了這個 cue 事件（Observer.Dropped 已被呼叫）
func (p *Pool) Submit(ev types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	dropped := false
	for _, l := range p.lanes {
		if !l.push(ev) {
			dropped = true
		}
	}
	if dropped {
		p.observer.Dropped(ev)
		return ErrQueueFull
	}
	return nil
}

// Pending 尚未投遞的事件數（各 lane 加總）
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, l := range p.lanes {
		n += l.len()
	}
	return n
}

// Stop 優雅地關閉投遞池
//  1. 設定 stopped 標誌並關閉每條 lane
//  2. worker 投遞完 lane 內剩餘事件後退出
//  3. 等待所有 worker 完成
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, l := range p.lanes {
		l.close()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// WorkerCount 返回當前 worker 數量
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// ============================================================================
// lane
// ============================================================================

// lane 一組 Sink 的有序佇列
type lane struct {
	sinks Sinks
	limit int

	mu     sync.Mutex
	queue  []types.Event
	closed bool
	wake   chan struct{}
}

func newLane(limit int) *lane {
	return &lane{limit: limit, wake: make(chan struct{}, 1)}
}

// push 排入事件；cue 事件在積壓達上限時回傳 false
func (l *lane) push(ev types.Event) bool {
	l.mu.Lock()
	if ev.Kind != types.EventFire && len(l.queue) >= l.limit {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// take 取出目前積壓的全部事件；lane 關閉且清空後回傳 false
func (l *lane) take() ([]types.Event, bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			return batch, true
		}
		if l.closed {
			l.mu.Unlock()
			return nil, false
		}
		l.mu.Unlock()
		<-l.wake
	}
}

func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

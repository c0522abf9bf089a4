// ============================================================================
// beatdrop 控制器 - 場次排程任務
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 單一排程 goroutine，持有所有核心元件並處理 tick 與操作者命令
//
// 架構設計:
//   這是整個系統的"大腦"，擁有以下元件（元件本身都不加鎖）：
//   - BeatClock: 節拍位置
//   - CooldownLedger: trigger 冷卻
//   - DropScheduler: drop 佇列
//   - CueTimeline: cue 時間軸
//   - HudRegistry: HUD 存活狀態
//   周邊元件：
//   - WAL: drop 生命週期的 Write-Ahead Log
//   - Snapshot: 定期保存場次狀態
//   - Dispatch Pool: 把觸發事件投遞給 HUD 傳輸層
//
// 核心循環 (3 個 Goroutine):
//   1. Run Loop - 依序處理 tick 信箱與命令通道，唯一可以碰元件的地方
//   2. Snapshot Loop - 定期送出快照命令
//   3. Stats Loop - 定期更新佇列長度與 HUD 狀態指標
//
// 每個 tick 的處理順序:
//   1. 信心值低於門檻 → 忽略
//   2. BeatClock.Advance（失序或不合法 → 記錄並計數，不致命）
//   3. 場次第一個 tick（著陸）：只觸發落在著陸點上的 drop 與 cue，不重播之前的拍點
//   4. 取出跨越的拍點，每拍 CooldownLedger.Tick() 一次
//   5. DropScheduler.Evaluate(跨越) → 寫 FIRE 到 WAL → 投遞 FireEvent
//   6. CueTimeline.DueCues(跨越) → 投遞 CueEvent
//
// tick 信箱:
//   有界通道；滿了就丟掉最舊的 tick（最新的優先）。
//   時鐘以跨越區間計算，丟掉中間的 tick 不會漏掉任何拍點。
//
// 崩潰恢復流程:
//   1. loadSnapshot() - 時鐘、冷卻、佇列、scene plan
//   2. replayWAL() - 重放快照之後的 SCHEDULE / CANCEL / FIRE
//   3. wal.EnsureSeq(snapshot.LastSeq) - 旋轉後的空 WAL 接續編號
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/beatdrop/internal/beatclock"
	"github.com/ChuLiYu/beatdrop/internal/cooldown"
	"github.com/ChuLiYu/beatdrop/internal/dispatch"
	"github.com/ChuLiYu/beatdrop/internal/dropscheduler"
	"github.com/ChuLiYu/beatdrop/internal/hud"
	"github.com/ChuLiYu/beatdrop/internal/metrics"
	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/internal/snapshot"
	"github.com/ChuLiYu/beatdrop/internal/storage/wal"
	"github.com/ChuLiYu/beatdrop/internal/timeline"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// Controller 已停止
	ErrStopped = errors.New("controller: stopped")
	// Controller 尚未啟動
	ErrNotStarted = errors.New("controller: not started")
	// 沒有設定 scene plan 儲存
	ErrNoPlanStore = errors.New("controller: no scene plan store configured")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	BeatsPerBar      uint8          // 每小節拍數
	DefaultBPM       float64        // 沒有快照與 scene plan 時的速度
	TriggerCount     uint8          // trigger 數量
	CooldownBeats    uint32         // 排程後的冷卻拍數
	MinConfidence    float64        // 低於此信心值的 tick 被忽略
	TickBuffer       int            // tick 信箱大小
	HudThresholds    hud.Thresholds // HUD 狀態門檻
	WALPath          string         // WAL 檔案路徑
	SnapshotPath     string         // 快照檔案路徑
	SnapshotInterval time.Duration  // 快照間隔
	DispatchWorkers  int            // 投遞 worker 數量
	DispatchBuffer   int            // 投遞通道大小
	DeliverTimeout   time.Duration  // 單次投遞逾時
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		BeatsPerBar:      4,
		DefaultBPM:       timeline.DefaultBPM,
		TriggerCount:     3,
		CooldownBeats:    16,
		TickBuffer:       64,
		HudThresholds:    hud.DefaultThresholds(),
		WALPath:          "data/drops.wal",
		SnapshotPath:     "data/session.json",
		SnapshotInterval: 30 * time.Second,
		DispatchWorkers:  2,
		DispatchBuffer:   256,
		DeliverTimeout:   dispatch.DefaultDeliverTimeout,
	}
}

// Metrics Controller 回報的指標（*metrics.Collector 實作）
type Metrics interface {
	TickAccepted(pos types.BeatPosition)
	TickRejected(reason string)
	TickDropped()
	DropScheduled(trigger types.TriggerID)
	DropRejected(trigger types.TriggerID)
	DropCancelled()
	DropFired(d types.QueuedDrop, firedAt uint64)
	CueFired()
	SetQueueLength(n int)
	SetHudCounts(counts map[types.HudStatus]int)
	SetRecoveryTime(d time.Duration)
}

// Controller 核心控制器
type Controller struct {
	config Config

	// 以下元件只能在 run loop 中使用
	clock     *beatclock.Clock
	ledger    *cooldown.Ledger
	scheduler *dropscheduler.Scheduler
	timeline  *timeline.Timeline
	huds      *hud.Registry

	wal       *wal.WAL
	snapshot  *snapshot.Store
	pool      *dispatch.Pool
	planStore sceneplan.Store
	metrics   Metrics
	observer  dispatch.Observer
	now       func() time.Time

	tickCh chan types.BeatTick
	cmdCh  chan func()
	stopCh chan struct{}
	loopWg sync.WaitGroup

	mu        sync.Mutex // 保護 started/stopped
	started   bool
	stopped   bool
	running   atomic.Bool
	startTime time.Time
}

// Option 設定 Controller 的選項
type Option func(*Controller)

// WithMetrics 設定指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
			c.observer = m
		}
	}
}

// WithPlanStore 設定 scene plan 儲存（檔案或 SQLite）
func WithPlanStore(s sceneplan.Store) Option {
	return func(c *Controller) {
		c.planStore = s
	}
}

// WithNow 替換時間來源（HUD 狀態測試用）
func WithNow(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
//
// 參數：
//   - config: Controller 配置
//   - sink: fire/cue 事件的去處
func NewController(config Config, sink dispatch.Sink, opts ...Option) (*Controller, error) {
	def := DefaultConfig()
	if config.BeatsPerBar == 0 {
		config.BeatsPerBar = def.BeatsPerBar
	}
	if config.DefaultBPM <= 0 {
		config.DefaultBPM = def.DefaultBPM
	}
	if config.TriggerCount == 0 {
		config.TriggerCount = def.TriggerCount
	}
	if config.TickBuffer < 1 {
		config.TickBuffer = def.TickBuffer
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = def.SnapshotInterval
	}
	if sink == nil {
		sink = dispatch.Sinks{}
	}

	// 1. 開啟 WAL
	walInstance, err := wal.NewWAL(config.WALPath, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	// 2. 建立核心元件
	tl, err := timeline.New(config.DefaultBPM, nil)
	if err != nil {
		walInstance.Close()
		return nil, err
	}
	clock := beatclock.New(config.BeatsPerBar, config.DefaultBPM)
	ledger := cooldown.NewLedger()

	c := &Controller{
		config: config,
		clock:  clock,
		ledger: ledger,
		scheduler: dropscheduler.New(clock, ledger, dropscheduler.Config{
			TriggerCount:  config.TriggerCount,
			CooldownBeats: config.CooldownBeats,
		}),
		timeline: tl,
		huds:     hud.NewRegistry(config.HudThresholds),
		wal:      walInstance,
		snapshot: snapshot.NewStore(config.SnapshotPath),
		metrics:  nopMetrics{},
		now:      time.Now,
		tickCh:   make(chan types.BeatTick, config.TickBuffer),
		cmdCh:    make(chan func()),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	// 3. 建立投遞池
	poolOpts := []dispatch.Option{dispatch.WithDeliverTimeout(config.DeliverTimeout)}
	if c.observer != nil {
		poolOpts = append(poolOpts, dispatch.WithObserver(c.observer))
	}
	c.pool = dispatch.NewPool(sink, config.DispatchBuffer, poolOpts...)

	return c, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：loadSnapshot -> replayWAL
//  2. 啟動階段：啟動投遞池和三個核心循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	// 1. 恢復階段
	log.Info("Starting recovery...")

	data, err := c.loadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}

	replayed, err := c.replayWAL(data)
	if err != nil {
		return fmt.Errorf("replayWAL failed: %w", err)
	}
	c.wal.EnsureSeq(data.LastSeq)

	recovery := time.Since(c.startTime)
	c.metrics.SetRecoveryTime(recovery)
	log.Info("Recovery completed",
		"duration", recovery,
		"position", fmt.Sprintf("%d.%d", c.clock.Position().Bar, c.clock.Position().Beat),
		"queued_drops", c.scheduler.Len(),
		"replayed_events", replayed)

	// 2. 啟動投遞池
	if err := c.pool.Start(c.config.DispatchWorkers); err != nil {
		return fmt.Errorf("failed to start dispatch pool: %w", err)
	}

	// 3. 啟動核心循環
	c.loopWg.Add(3)
	go c.runLoop()
	go c.snapshotLoop()
	go c.statsLoop()

	c.started = true
	c.running.Store(true)
	log.Info("Controller started",
		"beats_per_bar", c.config.BeatsPerBar,
		"triggers", c.config.TriggerCount,
		"cooldown_beats", c.config.CooldownBeats)
	return nil
}

// loadSnapshot 從快照恢復狀態
func (c *Controller) loadSnapshot(ctx context.Context) (types.SessionSnapshot, error) {
	data, err := c.snapshot.Load()
	if err != nil {
		return data, fmt.Errorf("failed to load snapshot: %w", err)
	}

	c.clock.Restore(beatclock.State{
		Position:      data.Position,
		Phase:         data.Phase,
		LastTimestamp: data.LastTimestamp,
	})
	c.ledger.Restore(data.Cooldowns)
	c.scheduler.Restore(data.Drops, data.NextSeq)

	switch {
	case data.Plan != nil:
		if err := c.timeline.Load(*data.Plan); err != nil {
			return data, fmt.Errorf("snapshot scene plan: %w", err)
		}
	case c.planStore != nil:
		plan, err := c.planStore.Load(ctx)
		switch {
		case errors.Is(err, sceneplan.ErrNotFound):
		case err != nil:
			return data, fmt.Errorf("failed to load scene plan: %w", err)
		default:
			if err := c.timeline.Load(plan); err != nil {
				return data, fmt.Errorf("stored scene plan: %w", err)
			}
		}
	}

	if c.clock.Position().BPM <= 0 {
		_ = c.clock.SetBPM(c.timeline.BPM())
	}

	log.Info("Snapshot loaded",
		"tick", data.Position.Tick,
		"drops", len(data.Drops),
		"cues", c.timeline.Len(),
		"last_seq", data.LastSeq)
	return data, nil
}

// replayWAL 重放快照之後的 drop 事件
//
// 重放規則：
//   - SCHEDULE: 加入佇列，冷卻以事件 tick 起算
//   - CANCEL / FIRE: 從佇列移除（重複事件無副作用）
//   - 時鐘前進到快照與所有事件中最大的 tick；冷卻依經過的拍數遞減
func (c *Controller) replayWAL(data types.SessionSnapshot) (int, error) {
	drops := make(map[types.DropID]types.QueuedDrop)
	for _, d := range c.scheduler.Pending() {
		drops[d.ID] = d
	}
	nextSeq := c.scheduler.NextSeq()
	startTick := c.clock.Position().Tick
	maxTick := startTick
	scheduledAt := make(map[types.TriggerID]uint64)
	count := 0

	err := c.wal.Replay(data.LastSeq, func(event wal.Event) error {
		count++
		maxTick = max(maxTick, event.Tick)

		switch event.Type {
		case wal.EventSchedule:
			d := event.Drop()
			drops[d.ID] = d
			nextSeq = max(nextSeq, d.Seq+1)
			scheduledAt[d.TriggerID] = event.Tick
		case wal.EventCancel, wal.EventFire:
			delete(drops, event.DropID)
		default:
			log.Warn("Unknown WAL event type", "type", event.Type, "seq", event.Seq)
		}
		return nil
	})
	if err != nil {
		return count, err
	}
	if count == 0 {
		return 0, nil
	}

	restored := make([]types.QueuedDrop, 0, len(drops))
	for _, d := range drops {
		restored = append(restored, d)
	}
	c.scheduler.Restore(restored, nextSeq)

	if maxTick > startTick {
		st := c.clock.State()
		st.Position.Tick = maxTick
		st.Phase = 0
		c.clock.Restore(st)
		for range maxTick - startTick {
			c.ledger.Tick()
		}
	}
	for trigger, tick := range scheduledAt {
		elapsed := maxTick - tick
		var remaining uint32
		if elapsed < uint64(c.config.CooldownBeats) {
			remaining = c.config.CooldownBeats - uint32(elapsed)
		}
		c.ledger.Start(trigger, remaining)
	}
	return count, nil
}

// ============================================================================
// 核心循環
// ============================================================================

// runLoop 唯一持有核心元件的 goroutine
func (c *Controller) runLoop() {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.stopCh:
			log.Info("Run loop stopped")
			return
		case t := <-c.tickCh:
			c.handleTick(t)
		case cmd := <-c.cmdCh:
			cmd()
		}
	}
}

// handleTick 處理一個 BeatTick
func (c *Controller) handleTick(t types.BeatTick) {
	if t.Confidence < c.config.MinConfidence {
		c.metrics.TickRejected(metrics.ReasonLowConfidence)
		log.Debug("Tick below confidence floor", "confidence", t.Confidence)
		return
	}

	if err := c.clock.Advance(t); err != nil {
		reason := metrics.ReasonInvalid
		if errors.Is(err, beatclock.ErrOutOfOrderTick) {
			reason = metrics.ReasonOutOfOrder
		}
		c.metrics.TickRejected(reason)
		log.Warn("Tick rejected", "reason", reason, "error", err)
		return
	}

	pos := c.clock.Position()
	c.metrics.TickAccepted(pos)

	// 著陸點沒有跨越：不遞減冷卻，只處理剛好落在著陸點上（或更早排程）的事件
	if at, ok := c.clock.Landing(); ok {
		arrival := beatclock.Crossing{First: at, Count: 1}
		for _, d := range c.scheduler.Evaluate(arrival) {
			c.fireDrop(d, arrival)
		}
		for _, cue := range c.timeline.CuesAt(at, c.config.BeatsPerBar) {
			c.playCue(cue, at)
		}
	}

	crossing := c.clock.Boundaries()
	if crossing.Empty() {
		return
	}

	for range crossing.Ticks() {
		c.ledger.Tick()
	}

	for _, d := range c.scheduler.Evaluate(crossing) {
		c.fireDrop(d, crossing)
	}

	for _, cue := range c.timeline.DueCues(crossing, c.config.BeatsPerBar) {
		c.playCue(cue, beatclock.BarStart(cue.Bar, c.config.BeatsPerBar))
	}
}

func (c *Controller) playCue(cue types.Cue, firedAt uint64) {
	c.metrics.CueFired()
	c.emit(types.Event{Kind: types.EventCue, Cue: &types.CueEvent{
		CueID:       cue.ID,
		Role:        cue.Role,
		Bar:         cue.Bar,
		Effect:      cue.Params.Effect,
		FiredAtTick: firedAt,
	}})
}

// fireDrop 寫 FIRE 到 WAL 並投遞
//
// 目標已落在跨越起點之前（恢復後）的 drop 以跨越起點作為觸發 tick
func (c *Controller) fireDrop(d types.QueuedDrop, crossing beatclock.Crossing) {
	firedAt := max(d.TargetTick, crossing.First)

	if _, err := c.wal.Append(wal.FireEvent(d, firedAt), true); err != nil {
		log.Error("Failed to append FIRE event", "dropID", d.ID, "error", err)
	}

	c.metrics.DropFired(d, firedAt)
	bar, beat := beatclock.PositionAt(firedAt, c.config.BeatsPerBar)
	log.Info("Drop fired",
		"dropID", d.ID,
		"trigger", d.TriggerID,
		"tick", firedAt,
		"late_beats", firedAt-d.TargetTick)

	c.emit(types.Event{Kind: types.EventFire, Fire: &types.FireEvent{
		DropID:      d.ID,
		TriggerID:   d.TriggerID,
		FiredAtTick: firedAt,
		Bar:         bar,
		Beat:        beat,
		FiredAt:     c.now(),
	}})
}

// emit 非阻塞投遞；fire 事件一定排入，cue 事件在積壓過多時丟棄
func (c *Controller) emit(ev types.Event) {
	if err := c.pool.Submit(ev); err != nil {
		if !errors.Is(err, dispatch.ErrPoolClosed) {
			log.Warn("Event not dispatched", "kind", ev.Kind, "error", err)
		}
	}
}

// snapshotLoop 定期生成快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.SnapshotInterval)
			if err := c.Snapshot(ctx); err != nil && !errors.Is(err, ErrStopped) {
				log.Error("Failed to take snapshot", "error", err)
			}
			cancel()
		}
	}
}

// statsLoop 定期更新狀態指標；HUD 狀態隨時間改變，不能只在事件發生時更新
func (c *Controller) statsLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = c.exec(ctx, c.updateStats)
			cancel()
		}
	}
}

func (c *Controller) updateStats() {
	c.metrics.SetQueueLength(c.scheduler.Len())
	c.metrics.SetHudCounts(c.huds.Counts(c.now()))
}

// takeSnapshot 執行快照操作（必須在 run loop 中或所有循環停止後呼叫）
//
// 快照之後旋轉 WAL；因為只有 run loop 會追加 WAL，兩者之間不會有新的事件
func (c *Controller) takeSnapshot() error {
	start := time.Now()

	st := c.clock.State()
	plan := c.timeline.Plan()
	data := types.SessionSnapshot{
		Position:      st.Position,
		Phase:         st.Phase,
		LastTimestamp: st.LastTimestamp,
		Cooldowns:     c.ledger.Snapshot(),
		Drops:         c.scheduler.Pending(),
		NextSeq:       c.scheduler.NextSeq(),
		Plan:          &plan,
		LastSeq:       c.wal.GetLastSeq(),
	}

	if err := c.snapshot.Save(data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := c.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	log.Info("Snapshot taken",
		"duration", time.Since(start),
		"tick", data.Position.Tick,
		"drops", len(data.Drops),
		"last_seq", data.LastSeq)
	return nil
}

// ============================================================================
// 命令通道
// ============================================================================

// exec 在 run loop 中執行 fn 並等待完成
//
// ctx 只限制等待 run loop 接手的時間；命令一旦被接手就會執行完畢並回傳結果，
// 呼叫端不會看到「逾時但其實已生效」的操作
func (c *Controller) exec(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.running.Load() {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped {
			return ErrStopped
		}
		return ErrNotStarted
	}

	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn()
	}

	select {
	case c.cmdCh <- cmd:
	case <-c.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	// run loop 已經接手；命令不會阻塞，等它完成才能回報真正的結果
	<-done
	return nil
}

// call 在 run loop 中執行 fn 並回傳其結果
func call[T any](ctx context.Context, c *Controller, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if execErr := c.exec(ctx, func() { out, err = fn() }); execErr != nil {
		var zero T
		return zero, execErr
	}
	return out, err
}

// ============================================================================
// 關閉
// ============================================================================

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 所有循環退出，之後沒有 goroutine 再碰核心元件
//  2. loopWg.Wait()
//  3. 最後一次快照（持久化最終狀態並旋轉 WAL）
//  4. pool.Stop() → 投遞完已排入的事件
//  5. 關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped || !c.started {
		c.mu.Unlock()
		log.Info("Controller not running")
		return
	}
	c.stopped = true
	c.running.Store(false)
	c.mu.Unlock()

	log.Info("Stopping controller...")

	close(c.stopCh)
	c.loopWg.Wait()

	if err := c.takeSnapshot(); err != nil {
		log.Error("Failed to take final snapshot", "error", err)
	}

	c.pool.Stop()

	if err := c.wal.Close(); err != nil {
		log.Error("Failed to close WAL", "error", err)
	}

	log.Info("Controller stopped", "uptime", time.Since(c.startTime))
}

// Close 釋放未啟動的 Controller 持有的資源（WAL 檔案）
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	return c.wal.Close()
}

// ============================================================================
// 空指標收集器
// ============================================================================

type nopMetrics struct{}

func (nopMetrics) TickAccepted(types.BeatPosition)      {}
func (nopMetrics) TickRejected(string)                  {}
func (nopMetrics) TickDropped()                         {}
func (nopMetrics) DropScheduled(types.TriggerID)        {}
func (nopMetrics) DropRejected(types.TriggerID)         {}
func (nopMetrics) DropCancelled()                       {}
func (nopMetrics) DropFired(types.QueuedDrop, uint64)   {}
func (nopMetrics) CueFired()                            {}
func (nopMetrics) SetQueueLength(int)                   {}
func (nopMetrics) SetHudCounts(map[types.HudStatus]int) {}
func (nopMetrics) SetRecoveryTime(time.Duration)        {}

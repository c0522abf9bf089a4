// ============================================================================
// beatdrop Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露場次運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 節拍輸入 (Counter)：
//      - beatdrop_ticks_accepted_total: 被時鐘接受的 BeatTick
//      - beatdrop_ticks_rejected_total{reason}: out_of_order / invalid / low_confidence
//      - beatdrop_ticks_dropped_total: 信箱已滿而被丟棄的舊 tick
//
//   2. Drop 生命週期 (Counter / Histogram)：
//      - beatdrop_drops_scheduled_total{trigger}
//      - beatdrop_drops_rejected_total{trigger}: 冷卻中被拒絕
//      - beatdrop_drops_cancelled_total
//      - beatdrop_drops_fired_total{trigger}
//      - beatdrop_drop_fire_lateness_beats: 實際觸發 tick 與目標 tick 的差（恢復後可能 > 0）
//      - beatdrop_cues_fired_total
//
//   3. 投遞 (Counter / Histogram)：
//      - beatdrop_dispatch_total{kind,result}
//      - beatdrop_dispatch_dropped_total{kind}: 投遞池已滿
//      - beatdrop_dispatch_latency_seconds
//
//   4. 狀態 (Gauge)：
//      - beatdrop_clock_tick / beatdrop_clock_bpm
//      - beatdrop_drops_queued
//      - beatdrop_huds{status}
//      - beatdrop_recovery_time_seconds
//
// Prometheus 查詢示例:
//
//   # 每分鐘觸發的 drop
//   rate(beatdrop_drops_fired_total[1m])
//
//   # 被拒絕的比例
//   rate(beatdrop_drops_rejected_total[5m]) / rate(beatdrop_drops_scheduled_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露（internal/server 掛載 Handler()）
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// tick 被拒絕的原因
const (
	ReasonOutOfOrder    = "out_of_order"
	ReasonInvalid       = "invalid"
	ReasonLowConfidence = "low_confidence"
)

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 節拍輸入
	ticksAccepted prometheus.Counter
	ticksRejected *prometheus.CounterVec
	ticksDropped  prometheus.Counter

	// drop 生命週期
	dropsScheduled *prometheus.CounterVec
	dropsRejected  *prometheus.CounterVec
	dropsCancelled prometheus.Counter
	dropsFired     *prometheus.CounterVec
	fireLateness   prometheus.Histogram
	cuesFired      prometheus.Counter

	// 投遞
	dispatched      *prometheus.CounterVec
	dispatchDropped *prometheus.CounterVec
	dispatchLatency prometheus.Histogram

	// 狀態
	clockTick    prometheus.Gauge
	clockBPM     prometheus.Gauge
	dropsQueued  prometheus.Gauge
	huds         *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector 創建新的指標收集器
//
// reg 為 nil 時建立獨立的 registry；同一個 registry 不能註冊兩個 Collector
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: reg,
		ticksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beatdrop_ticks_accepted_total",
			Help: "Total number of beat ticks accepted by the clock",
		}),
		ticksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beatdrop_ticks_rejected_total",
			Help: "Total number of beat ticks rejected, by reason",
		}, []string{"reason"}),
		ticksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beatdrop_ticks_dropped_total",
			Help: "Total number of queued beat ticks discarded because the mailbox was full",
		}),
		dropsScheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beatdrop_drops_scheduled_total",
			Help: "Total number of drops scheduled",
		}, []string{"trigger"}),
		dropsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beatdrop_drops_rejected_total",
			Help: "Total number of schedule requests rejected by cooldown",
		}, []string{"trigger"}),
		dropsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beatdrop_drops_cancelled_total",
			Help: "Total number of queued drops cancelled",
		}),
		dropsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beatdrop_drops_fired_total",
			Help: "Total number of drops fired",
		}, []string{"trigger"}),
		fireLateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beatdrop_drop_fire_lateness_beats",
			Help:    "Beats between a drop's target tick and the tick it fired on",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 64},
		}),
		cuesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beatdrop_cues_fired_total",
			Help: "Total number of timeline cues fired",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beatdrop_dispatch_total",
			Help: "Total number of event deliveries, by kind and result",
		}, []string{"kind", "result"}),
		dispatchDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beatdrop_dispatch_dropped_total",
			Help: "Total number of events dropped because the dispatch queue was full",
		}, []string{"kind"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beatdrop_dispatch_latency_seconds",
			Help:    "Event delivery latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		clockTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beatdrop_clock_tick",
			Help: "Current logical beat tick",
		}),
		clockBPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beatdrop_clock_bpm",
			Help: "Current tempo in beats per minute",
		}),
		dropsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beatdrop_drops_queued",
			Help: "Current number of queued drops",
		}),
		huds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beatdrop_huds",
			Help: "Current number of HUD devices, by derived status",
		}, []string{"status"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beatdrop_recovery_time_seconds",
			Help: "Time taken to recover the session at startup in seconds",
		}),
	}

	reg.MustRegister(
		c.ticksAccepted, c.ticksRejected, c.ticksDropped,
		c.dropsScheduled, c.dropsRejected, c.dropsCancelled, c.dropsFired, c.fireLateness, c.cuesFired,
		c.dispatched, c.dispatchDropped, c.dispatchLatency,
		c.clockTick, c.clockBPM, c.dropsQueued, c.huds, c.recoveryTime,
	)

	return c
}

// Registry 底層 registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ============================================================================
// 節拍輸入
// ============================================================================

// TickAccepted 記錄被接受的 tick 與最新位置
func (c *Collector) TickAccepted(pos types.BeatPosition) {
	c.ticksAccepted.Inc()
	c.clockTick.Set(float64(pos.Tick))
	c.clockBPM.Set(pos.BPM)
}

// TickRejected 記錄被拒絕的 tick
func (c *Collector) TickRejected(reason string) {
	c.ticksRejected.WithLabelValues(reason).Inc()
}

// TickDropped 記錄信箱滿時被丟棄的 tick
func (c *Collector) TickDropped() {
	c.ticksDropped.Inc()
}

// ============================================================================
// Drop 生命週期
// ============================================================================

func (c *Collector) DropScheduled(trigger types.TriggerID) {
	c.dropsScheduled.WithLabelValues(triggerLabel(trigger)).Inc()
}

func (c *Collector) DropRejected(trigger types.TriggerID) {
	c.dropsRejected.WithLabelValues(triggerLabel(trigger)).Inc()
}

func (c *Collector) DropCancelled() {
	c.dropsCancelled.Inc()
}

// DropFired 記錄觸發與延遲拍數
func (c *Collector) DropFired(d types.QueuedDrop, firedAt uint64) {
	c.dropsFired.WithLabelValues(triggerLabel(d.TriggerID)).Inc()
	var late uint64
	if firedAt > d.TargetTick {
		late = firedAt - d.TargetTick
	}
	c.fireLateness.Observe(float64(late))
}

func (c *Collector) CueFired() {
	c.cuesFired.Inc()
}

// ============================================================================
// 投遞（dispatch.Observer）
// ============================================================================

// Delivered 記錄一次投遞結果
func (c *Collector) Delivered(ev types.Event, elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.dispatched.WithLabelValues(string(ev.Kind), result).Inc()
	c.dispatchLatency.Observe(elapsed.Seconds())
}

// Dropped 記錄投遞池滿時被丟棄的事件
func (c *Collector) Dropped(ev types.Event) {
	c.dispatchDropped.WithLabelValues(string(ev.Kind)).Inc()
}

// ============================================================================
// 狀態
// ============================================================================

// SetQueueLength 更新 drop 佇列長度
func (c *Collector) SetQueueLength(n int) {
	c.dropsQueued.Set(float64(n))
}

// SetHudCounts 更新各狀態的 HUD 數量
func (c *Collector) SetHudCounts(counts map[types.HudStatus]int) {
	for _, s := range []types.HudStatus{types.HudOnline, types.HudRetry, types.HudOffline} {
		c.huds.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

func triggerLabel(t types.TriggerID) string {
	return strconv.Itoa(int(t))
}

package controller

// ============================================================================
// 公開方法
// 職責：所有外部呼叫（gRPC、websocket、HTTP、CLI）都經由命令通道進入 run loop
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/ChuLiYu/beatdrop/internal/dropscheduler"
	"github.com/ChuLiYu/beatdrop/internal/storage/wal"
	"github.com/ChuLiYu/beatdrop/internal/timeline"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// Status 場次狀態摘要
type Status struct {
	Position  types.BeatPosition         `json:"position"`
	Queued    []types.QueuedDrop         `json:"queued"`
	Cooldowns map[types.TriggerID]uint32 `json:"cooldowns"`
	Huds      map[types.HudStatus]int    `json:"huds"`
	Cues      int                        `json:"cues"`
	Roles     []string                   `json:"roles"`
	LastSeq   uint64                     `json:"last_seq"`
	Uptime    time.Duration              `json:"uptime"`
}

// ============================================================================
// 節拍輸入
// ============================================================================

// SubmitTick 把 tick 放進信箱；信箱滿時丟掉最舊的 tick，永不阻塞
func (c *Controller) SubmitTick(ctx context.Context, t types.BeatTick) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	for {
		select {
		case c.tickCh <- t:
			return nil
		default:
		}

		select {
		case <-c.tickCh:
			c.metrics.TickDropped()
		default:
		}
	}
}

// ============================================================================
// Drop 排程
// ============================================================================

// Schedule 排程一個 drop
//
// 先寫 WAL 再回覆；WAL 寫入失敗時撤銷佇列與冷卻的變更
func (c *Controller) Schedule(ctx context.Context, spec types.ScheduleSpec) (types.QueuedDrop, error) {
	return call(ctx, c, func() (types.QueuedDrop, error) {
		d, err := c.scheduler.Schedule(spec)
		if err != nil {
			if errors.Is(err, dropscheduler.ErrRejected) {
				c.metrics.DropRejected(spec.TriggerID)
			}
			return d, err
		}

		if _, err := c.wal.Append(wal.ScheduleEvent(d), true); err != nil {
			c.scheduler.Cancel(d.ID)
			c.ledger.Start(d.TriggerID, 0)
			return types.QueuedDrop{}, fmt.Errorf("failed to append SCHEDULE event: %w", err)
		}

		c.metrics.DropScheduled(d.TriggerID)
		c.metrics.SetQueueLength(c.scheduler.Len())
		log.Info("Drop scheduled",
			"dropID", d.ID,
			"trigger", d.TriggerID,
			"target", d.TargetTick,
			"tick", d.CreatedTick)
		return d, nil
	})
}

// Cancel 取消排程中的 drop；未知或已觸發的 drop 回傳 false
func (c *Controller) Cancel(ctx context.Context, id types.DropID) (bool, error) {
	return call(ctx, c, func() (bool, error) {
		if _, ok := c.scheduler.Get(id); !ok {
			return false, nil
		}

		tick := c.clock.Position().Tick
		if _, err := c.wal.Append(wal.CancelEvent(id, tick), true); err != nil {
			return false, fmt.Errorf("failed to append CANCEL event: %w", err)
		}

		c.scheduler.Cancel(id)
		c.metrics.DropCancelled()
		c.metrics.SetQueueLength(c.scheduler.Len())
		log.Info("Drop cancelled", "dropID", id, "tick", tick)
		return true, nil
	})
}

// Pending 依觸發順序排列的 drop 佇列
func (c *Controller) Pending(ctx context.Context) ([]types.QueuedDrop, error) {
	return call(ctx, c, func() ([]types.QueuedDrop, error) {
		return c.scheduler.Pending(), nil
	})
}

// Cooldown trigger 剩餘冷卻拍數
func (c *Controller) Cooldown(ctx context.Context, trigger types.TriggerID) (uint32, error) {
	return call(ctx, c, func() (uint32, error) {
		return c.ledger.Remaining(trigger), nil
	})
}

// ============================================================================
// 時鐘
// ============================================================================

// Position 目前位置
func (c *Controller) Position(ctx context.Context) (types.BeatPosition, error) {
	return call(ctx, c, func() (types.BeatPosition, error) {
		return c.clock.Position(), nil
	})
}

// SetBPM 操作者調整速度；時鐘與時間軸共用同一個值。不合法的值退回預設 BPM
func (c *Controller) SetBPM(ctx context.Context, bpm float64) (float64, error) {
	return call(ctx, c, func() (float64, error) {
		applied := c.timeline.SetBPM(bpm)
		if err := c.clock.SetBPM(applied); err != nil {
			return 0, err
		}
		return applied, nil
	})
}

// ============================================================================
// HUD
// ============================================================================

// Heartbeat 記錄 HUD 心跳；第一次出現的裝置回傳 true
func (c *Controller) Heartbeat(ctx context.Context, id types.HudID, name string) (bool, error) {
	return call(ctx, c, func() (bool, error) {
		added := c.huds.Heartbeat(id, name, c.now())
		if added {
			log.Info("HUD registered", "hud", id, "name", name)
		}
		return added, nil
	})
}

// RemoveHud 移除 HUD；之後的心跳會重新註冊
func (c *Controller) RemoveHud(ctx context.Context, id types.HudID) (bool, error) {
	return call(ctx, c, func() (bool, error) {
		return c.huds.Remove(id), nil
	})
}

// HudStatus 查詢 HUD 狀態（每次讀取都重新推導）
func (c *Controller) HudStatus(ctx context.Context, id types.HudID) (types.HudStatus, error) {
	return call(ctx, c, func() (types.HudStatus, error) {
		return c.huds.Status(id, c.now())
	})
}

// ListHuds 所有 HUD 與其狀態
func (c *Controller) ListHuds(ctx context.Context) ([]types.HudView, error) {
	return call(ctx, c, func() ([]types.HudView, error) {
		return c.huds.List(c.now()), nil
	})
}

// ============================================================================
// Scene plan 與 cue
// ============================================================================

// Plan 目前的 scene plan（深拷貝）
func (c *Controller) Plan(ctx context.Context) (types.Sceneplan, error) {
	return call(ctx, c, func() (types.Sceneplan, error) {
		return c.timeline.Plan(), nil
	})
}

// LoadPlan 以整份 scene plan 取代時間軸；不合法時不做任何變更
//
// 有設定儲存時同時寫入儲存（在 run loop 之外進行）
func (c *Controller) LoadPlan(ctx context.Context, plan types.Sceneplan) (types.Sceneplan, error) {
	loaded, err := call(ctx, c, func() (types.Sceneplan, error) {
		if err := c.timeline.Load(plan); err != nil {
			return types.Sceneplan{}, err
		}
		_ = c.clock.SetBPM(c.timeline.BPM())
		return c.timeline.Plan(), nil
	})
	if err != nil {
		return loaded, err
	}
	log.Info("Scene plan loaded", "bpm", loaded.BPM, "roles", len(loaded.Roles), "cues", len(loaded.Cues))

	if c.planStore != nil {
		if err := c.planStore.Save(ctx, loaded); err != nil {
			return loaded, fmt.Errorf("failed to persist scene plan: %w", err)
		}
	}
	return loaded, nil
}

// SavePlan 把目前的 scene plan 寫入儲存
func (c *Controller) SavePlan(ctx context.Context) error {
	if c.planStore == nil {
		return ErrNoPlanStore
	}
	plan, err := c.Plan(ctx)
	if err != nil {
		return err
	}
	return c.planStore.Save(ctx, plan)
}

// InsertCue 在指定角色與小節放置 cue
func (c *Controller) InsertCue(ctx context.Context, role string, bar uint32, params types.CueParams, label string) (types.Cue, error) {
	return call(ctx, c, func() (types.Cue, error) {
		return c.timeline.Insert(role, bar, params, label)
	})
}

// InsertCueFromGesture 從效果庫拖放：連續拍位置量化成小節
func (c *Controller) InsertCueFromGesture(ctx context.Context, role string, effect types.EffectKind, rawBeatPosition float64) (types.Cue, error) {
	return call(ctx, c, func() (types.Cue, error) {
		return c.timeline.InsertFromGesture(role, effect, rawBeatPosition, c.config.BeatsPerBar)
	})
}

// UpdateCue 完整取代 cue 參數
func (c *Controller) UpdateCue(ctx context.Context, id types.CueID, params types.CueParams) (types.Cue, error) {
	return call(ctx, c, func() (types.Cue, error) {
		return c.timeline.Update(id, params)
	})
}

// MoveCue 變更 cue 的角色與小節
func (c *Controller) MoveCue(ctx context.Context, id types.CueID, role string, bar uint32) (types.Cue, error) {
	return call(ctx, c, func() (types.Cue, error) {
		return c.timeline.Move(id, role, bar)
	})
}

// RelabelCue 變更 cue 的標籤
func (c *Controller) RelabelCue(ctx context.Context, id types.CueID, label string) (types.Cue, error) {
	return call(ctx, c, func() (types.Cue, error) {
		return c.timeline.Relabel(id, label)
	})
}

// DeleteCue 移除 cue
func (c *Controller) DeleteCue(ctx context.Context, id types.CueID) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.timeline.Delete(id)
	})
	return err
}

// CueQuery 時間軸查詢條件；Role 為空表示所有角色，ToBar 為 0 表示不設上限
type CueQuery struct {
	Role    string `json:"role,omitempty"`
	FromBar uint32 `json:"from_bar,omitempty"`
	ToBar   uint32 `json:"to_bar,omitempty"`
}

// SheetCue cue 與它在目前速度下持續的拍數
type SheetCue struct {
	types.Cue
	SpanBeats float64 `json:"span_beats"`
}

// CueSheet 時間軸檢視
type CueSheet struct {
	BPM     float64    `json:"bpm"`
	MaxBars uint32     `json:"max_bars"` // 時間軸需要顯示的小節數
	Cues    []SheetCue `json:"cues"`
}

// CueSheet 依小節排序的 cue；只給角色時走角色索引，否則做小節範圍查詢
func (c *Controller) CueSheet(ctx context.Context, q CueQuery) (CueSheet, error) {
	return call(ctx, c, func() (CueSheet, error) {
		var cues []types.Cue
		if q.Role != "" && q.FromBar == 0 && q.ToBar == 0 {
			cues = slices.Collect(c.timeline.CuesForRole(q.Role))
		} else {
			to := q.ToBar
			if to == 0 {
				to = math.MaxUint32
			}
			cues = c.timeline.CuesInRange(q.Role, q.FromBar, to)
		}

		bpm := c.timeline.BPM()
		sheet := CueSheet{
			BPM:     bpm,
			MaxBars: c.timeline.MaxBars(),
			Cues:    make([]SheetCue, 0, len(cues)),
		}
		for _, cue := range cues {
			sheet.Cues = append(sheet.Cues, SheetCue{Cue: cue, SpanBeats: timeline.SpanBeats(cue, bpm)})
		}
		return sheet, nil
	})
}

// ============================================================================
// 狀態與快照
// ============================================================================

// Status 場次狀態摘要
func (c *Controller) Status(ctx context.Context) (Status, error) {
	return call(ctx, c, func() (Status, error) {
		return Status{
			Position:  c.clock.Position(),
			Queued:    c.scheduler.Pending(),
			Cooldowns: c.ledger.Snapshot(),
			Huds:      c.huds.Counts(c.now()),
			Cues:      c.timeline.Len(),
			Roles:     c.timeline.Roles(),
			LastSeq:   c.wal.GetLastSeq(),
			Uptime:    time.Since(c.startTime),
		}, nil
	})
}

// Snapshot 立即寫入快照並旋轉 WAL
func (c *Controller) Snapshot(ctx context.Context) error {
	_, err := call(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.takeSnapshot()
	})
	return err
}

// ============================================================================
// beatdrop Cue 時間軸
// ============================================================================
//
// Package: internal/timeline
// 文件: timeline.go
// 功能: 管理放置在時間軸上的燈光/效果 cue，提供量化插入、依角色與小節查詢、就地編輯
//
// 資料結構:
//   cues - 依小節遞增排序的切片；同一小節內保持插入順序（穩定）
//   以 ID 查詢時線性掃描（一場演出的 cue 數量在數百以內）
//
// 識別:
//   每個 cue 在插入時取得穩定的 uuid，Update/Delete/Move/Relabel 一律以 ID 指定，
//   內容相同的兩個 cue 也不會互相影響
//
// 驗證:
//   所有變更在修改任何狀態之前完成驗證，錯誤時時間軸維持原狀
//
// 並發安全:
//   不加鎖，由 controller 的單一排程 goroutine 持有
//
// ============================================================================

package timeline

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beatdrop/internal/beatclock"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// cue 的角色不在 roles 中
	ErrRoleUnknown = errors.New("timeline: unknown role")
	// cue 不存在
	ErrCueNotFound = errors.New("timeline: cue not found")
	// 效果參數不合法
	ErrInvalidParams = errors.New("timeline: invalid cue params")
	// 小節必須 >= 1
	ErrInvalidBar = errors.New("timeline: bar must be >= 1")
	// 角色名稱重複或為空
	ErrInvalidRole = errors.New("timeline: invalid role")
	// cue ID 重複
	ErrDuplicateCue = errors.New("timeline: duplicate cue id")
)

const (
	// DefaultBPM BPM 不合法時的預設值
	DefaultBPM = 120.0
	// 時間軸最少顯示的小節數
	minVisibleBars = 16
	// 最後一個 cue 之後保留的小節數
	trailingBars = 4
	// 從效果庫拖放時的預設強度與長度
	gestureIntensity = 255
	gestureSeconds   = 1.0
)

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Timeline cue 時間軸
type Timeline struct {
	bpm     float64
	roles   []string
	roleSet map[string]struct{}
	cues    []types.Cue
	newID   func() types.CueID
}

// New 建立空的時間軸
func New(bpm float64, roles []string) (*Timeline, error) {
	return FromPlan(types.Sceneplan{BPM: bpm, Roles: roles})
}

// FromPlan 從 scene plan 建立時間軸
func FromPlan(plan types.Sceneplan) (*Timeline, error) {
	t := &Timeline{
		newID: func() types.CueID {
			return types.CueID(uuid.NewString())
		},
	}
	if err := t.Load(plan); err != nil {
		return nil, err
	}
	return t, nil
}

// Load 以整份 scene plan 取代時間軸內容
//
// 缺少 ID 的 cue 會被指派新的 ID；任何一個 cue 不合法則整份拒絕
func (t *Timeline) Load(plan types.Sceneplan) error {
	roleSet := make(map[string]struct{}, len(plan.Roles))
	for _, r := range plan.Roles {
		if r == "" {
			return fmt.Errorf("%w: empty role name", ErrInvalidRole)
		}
		if _, dup := roleSet[r]; dup {
			return fmt.Errorf("%w: duplicate role %q", ErrInvalidRole, r)
		}
		roleSet[r] = struct{}{}
	}

	seen := make(map[types.CueID]struct{}, len(plan.Cues))
	cues := make([]types.Cue, 0, len(plan.Cues))
	for i, c := range plan.Cues {
		if err := validateCue(roleSet, c.Role, c.Bar, c.Params); err != nil {
			return fmt.Errorf("cue %d: %w", i, err)
		}
		c = cloneCue(c)
		if c.ID == "" {
			c.ID = t.newID()
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("cue %d: %w: %s", i, ErrDuplicateCue, c.ID)
		}
		seen[c.ID] = struct{}{}
		cues = append(cues, c)
	}
	sort.SliceStable(cues, func(i, j int) bool { return cues[i].Bar < cues[j].Bar })

	t.bpm = normalizeBPM(plan.BPM)
	t.roles = append([]string(nil), plan.Roles...)
	t.roleSet = roleSet
	t.cues = cues
	return nil
}

// ============================================================================
// 變更操作
// ============================================================================

// Insert 在指定角色與小節放置 cue
//
// 返回值：
//   - ErrRoleUnknown: 角色不存在
//   - ErrInvalidBar: bar < 1
//   - ErrInvalidParams: 參數不合法
func (t *Timeline) Insert(role string, bar uint32, params types.CueParams, label string) (types.Cue, error) {
	if err := validateCue(t.roleSet, role, bar, params); err != nil {
		return types.Cue{}, err
	}
	c := cloneCue(types.Cue{
		ID:     t.newID(),
		Bar:    bar,
		Role:   role,
		Params: params,
		Label:  label,
	})
	t.insertSorted(c)
	return cloneCue(c), nil
}

// InsertFromGesture 從效果庫拖放到時間軸：以連續拍位置量化小節，套用預設強度與長度
func (t *Timeline) InsertFromGesture(role string, effect types.EffectKind, rawBeatPosition float64, beatsPerBar uint8) (types.Cue, error) {
	bar := QuantizeGesture(rawBeatPosition, beatsPerBar)
	params := types.CueParams{
		Effect:          effect,
		Intensity:       gestureIntensity,
		DurationSeconds: gestureSeconds,
	}
	return t.Insert(role, bar, params, fmt.Sprintf("%s %d", effect, bar))
}

// Update 以新參數完整取代 cue 的參數（不合併）
func (t *Timeline) Update(id types.CueID, params types.CueParams) (types.Cue, error) {
	i, ok := t.find(id)
	if !ok {
		return types.Cue{}, fmt.Errorf("%w: %s", ErrCueNotFound, id)
	}
	if err := ValidateParams(params); err != nil {
		return types.Cue{}, err
	}
	c := t.cues[i]
	c.Params = params
	t.cues[i] = cloneCue(c)
	return cloneCue(t.cues[i]), nil
}

// Move 變更 cue 的角色與小節；移動後排在新小節的最後
func (t *Timeline) Move(id types.CueID, role string, bar uint32) (types.Cue, error) {
	i, ok := t.find(id)
	if !ok {
		return types.Cue{}, fmt.Errorf("%w: %s", ErrCueNotFound, id)
	}
	if err := validatePlacement(t.roleSet, role, bar); err != nil {
		return types.Cue{}, err
	}
	c := t.cues[i]
	t.cues = append(t.cues[:i], t.cues[i+1:]...)
	c.Role = role
	c.Bar = bar
	t.insertSorted(c)
	return cloneCue(c), nil
}

// Relabel 變更 cue 的標籤
func (t *Timeline) Relabel(id types.CueID, label string) (types.Cue, error) {
	i, ok := t.find(id)
	if !ok {
		return types.Cue{}, fmt.Errorf("%w: %s", ErrCueNotFound, id)
	}
	t.cues[i].Label = label
	return cloneCue(t.cues[i]), nil
}

// Delete 移除 cue
func (t *Timeline) Delete(id types.CueID) error {
	i, ok := t.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCueNotFound, id)
	}
	t.cues = append(t.cues[:i], t.cues[i+1:]...)
	return nil
}

// SetBPM 設定速度；不合法的值退回 DefaultBPM，回傳實際採用的值
func (t *Timeline) SetBPM(bpm float64) float64 {
	t.bpm = normalizeBPM(bpm)
	return t.bpm
}

// ============================================================================
// 查詢
// ============================================================================

// Get 依 ID 查詢
func (t *Timeline) Get(id types.CueID) (types.Cue, bool) {
	i, ok := t.find(id)
	if !ok {
		return types.Cue{}, false
	}
	return cloneCue(t.cues[i]), true
}

// CuesForRole 依小節遞增列舉角色的 cue（同小節保持插入順序）
func (t *Timeline) CuesForRole(role string) iter.Seq[types.Cue] {
	return func(yield func(types.Cue) bool) {
		for _, c := range t.cues {
			if c.Role != role {
				continue
			}
			if !yield(cloneCue(c)) {
				return
			}
		}
	}
}

// CuesInRange 角色在 [fromBar, toBar] 之間的 cue；role 為空表示所有角色
func (t *Timeline) CuesInRange(role string, fromBar, toBar uint32) []types.Cue {
	var out []types.Cue
	start := sort.Search(len(t.cues), func(i int) bool { return t.cues[i].Bar >= fromBar })
	for _, c := range t.cues[start:] {
		if c.Bar > toBar {
			break
		}
		if role != "" && c.Role != role {
			continue
		}
		out = append(out, cloneCue(c))
	}
	return out
}

// DueCues 播放評估：小節第一拍落在本次跨越中的 cue
func (t *Timeline) DueCues(c beatclock.Crossing, beatsPerBar uint8) []types.Cue {
	if c.Empty() {
		return nil
	}
	var out []types.Cue
	for _, cue := range t.cues {
		start := beatclock.BarStart(cue.Bar, beatsPerBar)
		if start > c.Last() {
			break
		}
		if c.Contains(start) {
			out = append(out, cloneCue(cue))
		}
	}
	return out
}

// CuesAt 小節第一拍正好是 tick 的 cue（時鐘著陸時使用）
func (t *Timeline) CuesAt(tick uint64, beatsPerBar uint8) []types.Cue {
	var out []types.Cue
	for _, cue := range t.cues {
		start := beatclock.BarStart(cue.Bar, beatsPerBar)
		if start > tick {
			break
		}
		if start == tick {
			out = append(out, cloneCue(cue))
		}
	}
	return out
}

// Len cue 數量
func (t *Timeline) Len() int {
	return len(t.cues)
}

// BPM 目前速度
func (t *Timeline) BPM() float64 {
	return t.bpm
}

// Roles 角色列表（副本）
func (t *Timeline) Roles() []string {
	return append([]string(nil), t.roles...)
}

// HasRole 角色是否存在
func (t *Timeline) HasRole(role string) bool {
	_, ok := t.roleSet[role]
	return ok
}

// MaxBars 時間軸需要顯示的小節數：max(16, 最後一個 cue 的小節 + 4)
func (t *Timeline) MaxBars() uint32 {
	if len(t.cues) == 0 {
		return minVisibleBars
	}
	last := t.cues[len(t.cues)-1].Bar
	return max(minVisibleBars, last+trailingBars)
}

// Plan 匯出 scene plan（深拷貝，可安全持久化）
func (t *Timeline) Plan() types.Sceneplan {
	cues := make([]types.Cue, 0, len(t.cues))
	for _, c := range t.cues {
		cues = append(cues, cloneCue(c))
	}
	return types.Sceneplan{
		BPM:   t.bpm,
		Roles: t.Roles(),
		Cues:  cues,
	}
}

// ============================================================================
// 內部工具
// ============================================================================

func (t *Timeline) find(id types.CueID) (int, bool) {
	for i, c := range t.cues {
		if c.ID == id {
			return i, true
		}
	}
	return -1, false
}

// insertSorted 插入到同小節既有 cue 之後
func (t *Timeline) insertSorted(c types.Cue) {
	i := sort.Search(len(t.cues), func(i int) bool { return t.cues[i].Bar > c.Bar })
	t.cues = append(t.cues, types.Cue{})
	copy(t.cues[i+1:], t.cues[i:])
	t.cues[i] = c
}

func validateCue(roles map[string]struct{}, role string, bar uint32, params types.CueParams) error {
	if err := validatePlacement(roles, role, bar); err != nil {
		return err
	}
	return ValidateParams(params)
}

func validatePlacement(roles map[string]struct{}, role string, bar uint32) error {
	if _, ok := roles[role]; !ok {
		return fmt.Errorf("%w: %q", ErrRoleUnknown, role)
	}
	if bar < 1 {
		return ErrInvalidBar
	}
	return nil
}

// ValidateParams 檢查效果參數
func ValidateParams(p types.CueParams) error {
	if _, ok := LookupEffect(p.Effect); !ok {
		return fmt.Errorf("%w: unknown effect %q", ErrInvalidParams, p.Effect)
	}
	if !finitePositive(p.DurationSeconds) {
		return fmt.Errorf("%w: sec must be > 0, got %v", ErrInvalidParams, p.DurationSeconds)
	}
	if p.Color != nil && !hexColor.MatchString(*p.Color) {
		return fmt.Errorf("%w: color %q is not #rrggbb", ErrInvalidParams, *p.Color)
	}
	if p.Speed != nil && !finitePositive(*p.Speed) {
		return fmt.Errorf("%w: speed must be > 0, got %v", ErrInvalidParams, *p.Speed)
	}
	if p.Glow != nil && (*p.Glow < 0 || *p.Glow > 100) {
		return fmt.Errorf("%w: glow %d outside 0..100", ErrInvalidParams, *p.Glow)
	}
	return nil
}

func finitePositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

func normalizeBPM(bpm float64) float64 {
	if !finitePositive(bpm) {
		return DefaultBPM
	}
	return bpm
}

func cloneCue(c types.Cue) types.Cue {
	c.Params = cloneParams(c.Params)
	return c
}

func cloneParams(p types.CueParams) types.CueParams {
	if p.Color != nil {
		v := *p.Color
		p.Color = &v
	}
	if p.Speed != nil {
		v := *p.Speed
		p.Speed = &v
	}
	if p.Glow != nil {
		v := *p.Glow
		p.Glow = &v
	}
	return p
}

package timeline

import (
	"strings"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// EffectCategory 效果分類
type EffectCategory string

const (
	CategoryBasic      EffectCategory = "basic"
	CategoryTransition EffectCategory = "transition"
	CategoryMovement   EffectCategory = "movement"
	CategoryFocused    EffectCategory = "focused"
	CategoryAccent     EffectCategory = "accent"
	CategoryComplex    EffectCategory = "complex"
	CategoryPreset     EffectCategory = "preset"
)

// Effect 效果庫中的一個項目
type Effect struct {
	Kind     types.EffectKind `json:"id"`
	Label    string           `json:"label"`
	Category EffectCategory   `json:"category"`
}

// 效果庫，順序即顯示順序
var library = []Effect{
	{types.EffectPulse, "Pulse", CategoryBasic},
	{types.EffectFade, "Fade", CategoryBasic},
	{types.EffectStrobe, "Strobe", CategoryBasic},
	{types.EffectRiser, "Riser", CategoryTransition},
	{types.EffectChase, "Chase", CategoryMovement},
	{types.EffectWave, "Wave", CategoryMovement},
	{types.EffectBeam, "Beam", CategoryFocused},
	{types.EffectRipple, "Ripple", CategoryMovement},
	{types.EffectSpark, "Spark", CategoryAccent},
	{types.EffectSwarm, "Swarm", CategoryComplex},
	{types.EffectTexture, "Texture", CategoryComplex},
	{types.EffectParticle, "Particle", CategoryComplex},
	{types.EffectScene, "Scene", CategoryPreset},
}

// Effects 完整效果庫（副本）
func Effects() []Effect {
	out := make([]Effect, len(library))
	copy(out, library)
	return out
}

// LookupEffect 依種類查詢
func LookupEffect(kind types.EffectKind) (Effect, bool) {
	for _, e := range library {
		if e.Kind == kind {
			return e, true
		}
	}
	return Effect{}, false
}

// SearchEffects 以名稱或分類做不分大小寫的子字串搜尋；空字串回傳全部
func SearchEffects(term string) []Effect {
	term = strings.ToLower(strings.TrimSpace(term))
	out := make([]Effect, 0, len(library))
	for _, e := range library {
		if strings.Contains(strings.ToLower(e.Label), term) ||
			strings.Contains(string(e.Category), term) {
			out = append(out, e)
		}
	}
	return out
}

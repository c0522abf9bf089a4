package hud

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

var t0 = time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC)

func TestDeriveStatus(t *testing.T) {
	th := Thresholds{RetryAfter: 10 * time.Second, OfflineAfter: 30 * time.Second}

	tests := []struct {
		name    string
		elapsed time.Duration
		want    types.HudStatus
	}{
		{"fresh", 0, types.HudOnline},
		{"just under retry", 9999 * time.Millisecond, types.HudOnline},
		{"at retry", 10 * time.Second, types.HudRetry},
		{"between", 20 * time.Second, types.HudRetry},
		{"at offline", 30 * time.Second, types.HudOffline},
		{"long gone", time.Hour, types.HudOffline},
		{"clock skew", -time.Second, types.HudOnline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(t0, t0.Add(tt.elapsed), th))
		})
	}
}

func TestOfflineThenHeartbeat(t *testing.T) {
	r := NewRegistry(Thresholds{RetryAfter: 10 * time.Second, OfflineAfter: 30 * time.Second})
	assert.True(t, r.Heartbeat("hud-1", "stage left", t0))

	now := t0.Add(35 * time.Second)
	status, err := r.Status("hud-1", now)
	require.NoError(t, err)
	assert.Equal(t, types.HudOffline, status)

	assert.False(t, r.Heartbeat("hud-1", "", now))
	status, err = r.Status("hud-1", now)
	require.NoError(t, err)
	assert.Equal(t, types.HudOnline, status)
	assert.Equal(t, "stage left", r.List(now)[0].Name)
}

func TestHeartbeatNeverMovesBackwards(t *testing.T) {
	r := NewRegistry(DefaultThresholds())
	r.Heartbeat("hud-1", "a", t0.Add(20*time.Second))
	r.Heartbeat("hud-1", "a", t0)

	views := r.List(t0.Add(20 * time.Second))
	require.Len(t, views, 1)
	assert.Equal(t, t0.Add(20*time.Second), views[0].LastSeen)
}

func TestRemoveAndReRegister(t *testing.T) {
	r := NewRegistry(DefaultThresholds())
	r.Heartbeat("hud-1", "a", t0)

	assert.True(t, r.Remove("hud-1"))
	assert.False(t, r.Remove("hud-1"))

	_, err := r.Status("hud-1", t0)
	assert.True(t, errors.Is(err, ErrUnknownHud))

	assert.True(t, r.Heartbeat("hud-1", "a", t0.Add(time.Minute)), "heartbeat after remove is a fresh registration")
	assert.Equal(t, 1, r.Len())
}

func TestListAndCounts(t *testing.T) {
	r := NewRegistry(DefaultThresholds())
	r.Heartbeat("c", "", t0)
	r.Heartbeat("a", "", t0.Add(25*time.Second))
	r.Heartbeat("b", "", t0.Add(40*time.Second))

	now := t0.Add(45 * time.Second)
	views := r.List(now)
	require.Len(t, views, 3)
	assert.Equal(t, []types.HudID{"a", "b", "c"}, []types.HudID{views[0].ID, views[1].ID, views[2].ID})
	assert.Equal(t, types.HudRetry, views[0].Status)
	assert.Equal(t, types.HudOnline, views[1].Status)
	assert.Equal(t, types.HudOffline, views[2].Status)

	counts := r.Counts(now)
	assert.Equal(t, 1, counts[types.HudOnline])
	assert.Equal(t, 1, counts[types.HudRetry])
	assert.Equal(t, 1, counts[types.HudOffline])
}

func TestNewRegistryFallbacks(t *testing.T) {
	assert.Equal(t, DefaultThresholds(), NewRegistry(Thresholds{}).Thresholds())

	th := NewRegistry(Thresholds{RetryAfter: 20 * time.Second, OfflineAfter: 5 * time.Second}).Thresholds()
	assert.Equal(t, 20*time.Second, th.OfflineAfter)
}

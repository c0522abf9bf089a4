package hud

import (
	"errors"
	"sort"
	"time"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ErrUnknownHud is returned by Status for an id that never sent a heartbeat
// (or was removed since).
var ErrUnknownHud = errors.New("hud: unknown device")

// Thresholds controls how long a HUD may stay silent before its status degrades.
type Thresholds struct {
	RetryAfter   time.Duration
	OfflineAfter time.Duration
}

// DefaultThresholds: retry after 10s of silence, offline after 30s.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RetryAfter:   10 * time.Second,
		OfflineAfter: 30 * time.Second,
	}
}

// DeriveStatus computes liveness from the last heartbeat. It is never cached.
func DeriveStatus(lastSeen, now time.Time, th Thresholds) types.HudStatus {
	elapsed := now.Sub(lastSeen)
	switch {
	case elapsed >= th.OfflineAfter:
		return types.HudOffline
	case elapsed >= th.RetryAfter:
		return types.HudRetry
	default:
		return types.HudOnline
	}
}

// deviceInfo tracks a registered HUD. Status is not stored.
type deviceInfo struct {
	ID       types.HudID
	Name     string
	LastSeen time.Time
}

// Registry tracks known HUD sinks. It is owned by the controller loop and
// takes no locks.
type Registry struct {
	th      Thresholds
	devices map[types.HudID]*deviceInfo
}

// NewRegistry creates an empty registry.
func NewRegistry(th Thresholds) *Registry {
	if th.RetryAfter <= 0 || th.OfflineAfter <= 0 {
		th = DefaultThresholds()
	}
	if th.OfflineAfter < th.RetryAfter {
		th.OfflineAfter = th.RetryAfter
	}
	return &Registry{
		th:      th,
		devices: make(map[types.HudID]*deviceInfo),
	}
}

// Heartbeat records liveness, registering the device on first contact.
// Returns true when the id was not known before.
func (r *Registry) Heartbeat(id types.HudID, name string, now time.Time) bool {
	info, exists := r.devices[id]
	if !exists {
		r.devices[id] = &deviceInfo{ID: id, Name: name, LastSeen: now}
		return true
	}

	// Late-arriving heartbeats never move lastSeen backwards
	if now.After(info.LastSeen) {
		info.LastSeen = now
	}
	if name != "" {
		info.Name = name
	}
	return false
}

// Status derives the device status at now.
func (r *Registry) Status(id types.HudID, now time.Time) (types.HudStatus, error) {
	info, exists := r.devices[id]
	if !exists {
		return "", ErrUnknownHud
	}
	return DeriveStatus(info.LastSeen, now, r.th), nil
}

// Remove deregisters a device. A later heartbeat registers it again.
func (r *Registry) Remove(id types.HudID) bool {
	if _, exists := r.devices[id]; !exists {
		return false
	}
	delete(r.devices, id)
	return true
}

// List returns every known device sorted by id with its status at now.
func (r *Registry) List(now time.Time) []types.HudView {
	views := make([]types.HudView, 0, len(r.devices))
	for _, info := range r.devices {
		views = append(views, types.HudView{
			ID:       info.ID,
			Name:     info.Name,
			LastSeen: info.LastSeen,
			Status:   DeriveStatus(info.LastSeen, now, r.th),
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	return views
}

// Counts returns the number of devices per status at now.
func (r *Registry) Counts(now time.Time) map[types.HudStatus]int {
	counts := map[types.HudStatus]int{
		types.HudOnline:  0,
		types.HudRetry:   0,
		types.HudOffline: 0,
	}
	for _, info := range r.devices {
		counts[DeriveStatus(info.LastSeen, now, r.th)]++
	}
	return counts
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.devices)
}

// Thresholds returns the active thresholds.
func (r *Registry) Thresholds() Thresholds {
	return r.th
}

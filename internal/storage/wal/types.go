package wal

import "github.com/ChuLiYu/beatdrop/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: drop lifecycle records written ahead of every queue mutation
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventSchedule EventType = "SCHEDULE" // Drop queued, cooldown started
	EventCancel   EventType = "CANCEL"   // Drop removed by the operator
	EventFire     EventType = "FIRE"     // Drop fired and removed
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`     // Event sequence number (monotonic across rotations)
	Type      EventType       `json:"type"`    // Event type
	DropID    types.DropID    `json:"drop_id"` // Drop the event applies to
	TriggerID types.TriggerID `json:"trigger_id,omitempty"`
	Target    uint64          `json:"target_tick,omitempty"`
	Created   uint64          `json:"created_tick,omitempty"`
	DropSeq   uint64          `json:"drop_seq,omitempty"`
	Tick      uint64          `json:"tick"`      // Clock tick when the event was written
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// ScheduleEvent records a newly queued drop
func ScheduleEvent(d types.QueuedDrop) Event {
	return Event{
		Type:      EventSchedule,
		DropID:    d.ID,
		TriggerID: d.TriggerID,
		Target:    d.TargetTick,
		Created:   d.CreatedTick,
		DropSeq:   d.Seq,
		Tick:      d.CreatedTick,
	}
}

// CancelEvent records an operator cancel at tick
func CancelEvent(id types.DropID, tick uint64) Event {
	return Event{Type: EventCancel, DropID: id, Tick: tick}
}

// FireEvent records a fired drop at tick
func FireEvent(d types.QueuedDrop, tick uint64) Event {
	return Event{Type: EventFire, DropID: d.ID, TriggerID: d.TriggerID, Tick: tick}
}

// Drop rebuilds the queued drop carried by a SCHEDULE event
func (e Event) Drop() types.QueuedDrop {
	return types.QueuedDrop{
		ID:          e.DropID,
		TriggerID:   e.TriggerID,
		TargetTick:  e.Target,
		CreatedTick: e.Created,
		Seq:         e.DropSeq,
	}
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error

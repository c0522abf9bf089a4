// ============================================================================
// beatdrop Dispatch Worker - Event Delivery Unit
// ============================================================================
//
// Package: internal/dispatch
// File: worker.go
// Function: Delivers one lane's events to its sinks, one goroutine per lane
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for batch := lane.take()     │   │
//   │  │   for ev, sink (in order)    │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ sink.Deliver(ctx, ev)   │   │
//   │  │   └─ report to Observer      │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// A failed or timed-out delivery is logged and reported; it is never retried.
// A fire that arrives late is worse than one that never arrives.
//
// ============================================================================

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// worker delivers the events of a single lane
type worker struct {
	id       int
	lane     *lane
	observer Observer
	timeout  time.Duration
	log      *slog.Logger
}

func newWorker(id int, l *lane, observer Observer, timeout time.Duration) *worker {
	return &worker{
		id:       id,
		lane:     l,
		observer: observer,
		timeout:  timeout,
		log:      slog.With("component", "dispatch", "worker", id),
	}
}

// run is the main loop; it returns once the lane is closed and drained
func (w *worker) run() {
	for {
		batch, ok := w.lane.take()
		if !ok {
			return
		}
		for _, ev := range batch {
			w.deliver(ev)
		}
	}
}

func (w *worker) deliver(ev types.Event) {
	start := time.Now()

	var errs []error
	for _, sink := range w.lane.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := sink.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	err := errors.Join(errs...)

	elapsed := time.Since(start)
	if err != nil {
		w.log.Warn("event delivery failed", "kind", ev.Kind, "error", err, "elapsed", elapsed)
	}
	w.observer.Delivered(ev, elapsed, err)
}

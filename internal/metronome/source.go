// ============================================================================
// beatdrop Tick Source Interface
// ============================================================================
//
// Package: internal/metronome
// File: source.go
// Purpose: Defines the abstraction for producing BeatTicks.
//
// Motivation:
//   Beat detection happens outside this process. The controller only needs a
//   stream of BeatTicks, so the producer is hidden behind Source:
//
//   - Metronome: a deterministic clock-driven producer (rehearsal, tests).
//   - Script: a fixed list of ticks replayed in order (tests).
//   - Reader: JSON lines from an external detector (stdin or a pipe).
//
// ============================================================================

package metronome

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// Emit hands one tick to the consumer. Returning an error stops the source.
type Emit func(ctx context.Context, t types.BeatTick) error

// Source produces BeatTicks until ctx is done or the input ends.
type Source interface {
	// Run blocks, calling emit for every tick in order.
	//
	// Returns:
	//   - nil when the input is exhausted
	//   - ctx.Err() when cancelled
	//   - the first error returned by emit
	Run(ctx context.Context, emit Emit) error
}

// ============================================================================
// Script
// ============================================================================

// Script replays a fixed tick list
type Script []types.BeatTick

func (s Script) Run(ctx context.Context, emit Emit) error {
	for _, t := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := emit(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Reader
// ============================================================================

// Reader decodes one JSON BeatTick per line. Blank lines are skipped.
type Reader struct {
	r io.Reader
}

// NewReader wraps r
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rd *Reader) Run(ctx context.Context, emit Emit) error {
	scanner := bufio.NewScanner(rd.r)
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var t types.BeatTick
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("tick line %d: %w", line, err)
		}
		if err := emit(ctx, t); err != nil {
			return err
		}
	}
	return scanner.Err()
}

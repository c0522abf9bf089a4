package controller

import (
	"context"
	"errors"

	"github.com/ChuLiYu/beatdrop/internal/metronome"
)

// ============================================================================
// Tick Source Bridge
// ============================================================================

// RunSource pumps a tick source into the mailbox until ctx is done, the
// source is exhausted or the controller stops. A stopped controller is not
// reported as an error.
func (c *Controller) RunSource(ctx context.Context, src metronome.Source) error {
	err := src.Run(ctx, c.SubmitTick)
	if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beatdrop/internal/config"
	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/server"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// ============================================================================
// cue
// ============================================================================

// paramFlags binds the cue parameter flags shared by add and update
type paramFlags struct {
	effect    string
	intensity uint8
	seconds   float64
	color     string
	speed     float64
	glow      int
}

func (p *paramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.effect, "effect", "x", "", "effect id (see `beatdrop effects`)")
	cmd.Flags().Uint8VarP(&p.intensity, "intensity", "a", 255, "intensity 0..255")
	cmd.Flags().Float64Var(&p.seconds, "sec", 1, "duration in seconds")
	cmd.Flags().StringVar(&p.color, "color", "", "#rrggbb colour")
	cmd.Flags().Float64Var(&p.speed, "speed", 0, "speed multiplier")
	cmd.Flags().IntVar(&p.glow, "glow", 0, "glow 0..100")
	_ = cmd.MarkFlagRequired("effect")
}

// params builds CueParams; optional fields are set only when their flag was given
func (p *paramFlags) params(cmd *cobra.Command) types.CueParams {
	out := types.CueParams{
		Effect:          types.EffectKind(p.effect),
		Intensity:       p.intensity,
		DurationSeconds: p.seconds,
	}
	if cmd.Flags().Changed("color") {
		out.Color = &p.color
	}
	if cmd.Flags().Changed("speed") {
		out.Speed = &p.speed
	}
	if cmd.Flags().Changed("glow") {
		out.Glow = &p.glow
	}
	return out
}

func buildCueCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cue",
		Short: "Edit the cue timeline of a running controller",
	}
	cmd.AddCommand(
		buildCueAddCommand(opts),
		buildCuePlaceCommand(opts),
		buildCueUpdateCommand(opts),
		buildCueMoveCommand(opts),
		buildCueLabelCommand(opts),
		buildCueRemoveCommand(opts),
		buildCueListCommand(opts),
	)
	return cmd
}

func buildCueAddCommand(opts *rootOptions) *cobra.Command {
	var (
		role  string
		bar   uint32
		label string
		pf    paramFlags
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Place a cue at a bar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := pf.params(cmd)
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				cue, err := c.InsertCue(ctx, role, bar, params, label)
				if err != nil {
					return fmt.Errorf("cue add failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added cue %s\n", cue.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "", "role the cue plays on")
	cmd.Flags().Uint32VarP(&bar, "bar", "b", 1, "bar number, starting at 1")
	cmd.Flags().StringVarP(&label, "label", "l", "", "display label")
	pf.register(cmd)
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func buildCuePlaceCommand(opts *rootOptions) *cobra.Command {
	var (
		role   string
		effect string
		beat   float64
	)

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Drop a library effect at a beat position; it snaps to the bar it falls in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				cue, err := c.InsertCueFromGesture(ctx, role, types.EffectKind(effect), beat)
				if err != nil {
					return fmt.Errorf("cue place failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Placed cue %s at bar %d\n", cue.ID, cue.Bar)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "", "role the cue plays on")
	cmd.Flags().StringVarP(&effect, "effect", "x", "", "effect id")
	cmd.Flags().Float64Var(&beat, "beat", 0, "beat position counted from 0")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("effect")

	return cmd
}

func buildCueUpdateCommand(opts *rootOptions) *cobra.Command {
	var pf paramFlags

	cmd := &cobra.Command{
		Use:   "update CUE_ID",
		Short: "Replace every parameter of a cue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := pf.params(cmd)
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				cue, err := c.UpdateCue(ctx, types.CueID(args[0]), params)
				if err != nil {
					return fmt.Errorf("cue update failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated cue %s: %s\n", cue.ID, cue.Params.Effect)
				return nil
			})
		},
	}
	pf.register(cmd)

	return cmd
}

func buildCueMoveCommand(opts *rootOptions) *cobra.Command {
	var (
		role string
		bar  uint32
	)

	cmd := &cobra.Command{
		Use:   "move CUE_ID",
		Short: "Move a cue to another role and bar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				cue, err := c.MoveCue(ctx, types.CueID(args[0]), role, bar)
				if err != nil {
					return fmt.Errorf("cue move failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Moved cue %s to %s bar %d\n", cue.ID, cue.Role, cue.Bar)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&role, "role", "r", "", "new role")
	cmd.Flags().Uint32VarP(&bar, "bar", "b", 0, "new bar")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("bar")

	return cmd
}

func buildCueLabelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "label CUE_ID LABEL",
		Short: "Rename a cue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				cue, err := c.RelabelCue(ctx, types.CueID(args[0]), args[1])
				if err != nil {
					return fmt.Errorf("cue label failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Relabelled cue %s: %q\n", cue.ID, cue.Label)
				return nil
			})
		},
	}
}

func buildCueRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rm CUE_ID",
		Aliases: []string{"delete"},
		Short:   "Delete a cue",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				if err := c.DeleteCue(ctx, types.CueID(args[0])); err != nil {
					return fmt.Errorf("cue rm failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted cue %s\n", args[0])
				return nil
			})
		},
	}
}

func buildCueListCommand(opts *rootOptions) *cobra.Command {
	var q controller.CueQuery

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cues, optionally for one role or a bar range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				sheet, err := c.ListCues(ctx, q)
				if err != nil {
					return fmt.Errorf("cue ls failed: %w", err)
				}
				printCueSheet(cmd.OutOrStdout(), sheet)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&q.Role, "role", "r", "", "only this role")
	cmd.Flags().Uint32Var(&q.FromBar, "from", 0, "first bar (inclusive)")
	cmd.Flags().Uint32Var(&q.ToBar, "to", 0, "last bar (inclusive, 0 = end)")

	return cmd
}

func printCueSheet(w io.Writer, sheet controller.CueSheet) {
	fmt.Fprintf(w, "Cues (%d) @ %.1f bpm, %d bars:\n", len(sheet.Cues), sheet.BPM, sheet.MaxBars)
	for _, c := range sheet.Cues {
		fmt.Fprintf(w, "  %-36s bar %-4d %-12s %-7s %5.2f beats  %s\n",
			c.ID, c.Bar, c.Role, c.Params.Effect, c.SpanBeats, c.Label)
	}
}

// ============================================================================
// bpm / effects / hud
// ============================================================================

func buildBPMCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bpm BPM",
		Short: "Set the show tempo; invalid values fall back to the default",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var bpm float64
			if _, err := fmt.Sscan(args[0], &bpm); err != nil {
				return fmt.Errorf("invalid bpm %q: %w", args[0], err)
			}
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				applied, err := c.SetBPM(ctx, bpm)
				if err != nil {
					return fmt.Errorf("bpm failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tempo set to %.1f bpm\n", applied)
				return nil
			})
		},
	}
}

func buildEffectsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "effects [QUERY]",
		Short: "Search the effect library by label or category",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				effects, err := c.SearchEffects(ctx, query)
				if err != nil {
					return fmt.Errorf("effects failed: %w", err)
				}
				w := cmd.OutOrStdout()
				for _, e := range effects {
					fmt.Fprintf(w, "  %-7s %-10s %s\n", e.Kind, e.Label, e.Category)
				}
				return nil
			})
		},
	}
}

func buildHudCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hud",
		Short: "List or forget HUD devices",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List HUDs and their liveness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				huds, err := c.ListHuds(ctx)
				if err != nil {
					return fmt.Errorf("hud ls failed: %w", err)
				}
				for _, h := range huds {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-16s %-20s %s\n", h.ID, h.Name, h.Status)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm HUD_ID",
		Short: "Forget a HUD; its next heartbeat registers it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				removed, err := c.RemoveHud(ctx, types.HudID(args[0]))
				if err != nil {
					return fmt.Errorf("hud rm failed: %w", err)
				}
				if removed {
					fmt.Fprintf(cmd.OutOrStdout(), "Removed HUD %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "HUD %s is not registered\n", args[0])
				}
				return nil
			})
		},
	})

	return cmd
}

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beatdrop/internal/config"
	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/internal/server"
	"github.com/ChuLiYu/beatdrop/internal/storage/wal"
	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// requestTimeout bounds every remote call made by the CLI
const requestTimeout = 10 * time.Second

// withClient dials the configured ShowControl server for the duration of fn
func (o *rootOptions) withClient(cmd *cobra.Command, fn func(ctx context.Context, cfg config.Config, c *server.Client) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	client, err := server.Dial(o.grpcTarget(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", o.grpcTarget(cfg), err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, cfg, client)
}

// ============================================================================
// schedule / cancel
// ============================================================================

func buildScheduleCommand(opts *rootOptions) *cobra.Command {
	var (
		trigger uint8
		bars    uint8
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Queue a drop on a trigger",
		Long: `Queue a drop for the first beat of the next bar, or --bars bars after that.
The request is refused while the trigger is cooling down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec := types.ScheduleSpec{TriggerID: types.TriggerID(trigger), Relative: types.Immediate()}
			if bars > 0 {
				spec.Relative = types.PlusBars(bars)
			}
			return opts.withClient(cmd, func(ctx context.Context, cfg config.Config, c *server.Client) error {
				d, err := c.Schedule(ctx, spec)
				if err != nil {
					return fmt.Errorf("schedule failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scheduled drop %s on trigger %d for tick %d (%s)\n",
					d.ID, d.TriggerID, d.TargetTick, barBeat(d.TargetTick, cfg.Clock.BeatsPerBar))
				return nil
			})
		},
	}

	cmd.Flags().Uint8VarP(&trigger, "trigger", "t", 0, "trigger number (1..trigger_count)")
	cmd.Flags().Uint8Var(&bars, "bars", 0, "extra bars after the next downbeat")
	_ = cmd.MarkFlagRequired("trigger")

	return cmd
}

func buildCancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel DROP_ID",
		Short: "Cancel a queued drop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, _ config.Config, c *server.Client) error {
				ok, err := c.Cancel(ctx, types.DropID(args[0]))
				if err != nil {
					return fmt.Errorf("cancel failed: %w", err)
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled drop %s\n", args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Drop %s is not queued (already fired or cancelled)\n", args[0])
				}
				return nil
			})
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session status",
		Long:  "Display the clock position, queued drops, cooldowns and HUD liveness of a running controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withClient(cmd, func(ctx context.Context, cfg config.Config, c *server.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return fmt.Errorf("status failed: %w", err)
				}
				huds, err := c.ListHuds(ctx)
				if err != nil {
					return fmt.Errorf("status failed: %w", err)
				}

				w := cmd.OutOrStdout()
				bpb := cfg.Clock.BeatsPerBar
				fmt.Fprintln(w, "beatdrop status")
				fmt.Fprintln(w, "===============")
				fmt.Fprintf(w, "Position:  bar %d beat %d (tick %d) @ %.1f bpm\n",
					st.Position.Bar, st.Position.Beat, st.Position.Tick, st.Position.BPM)
				fmt.Fprintf(w, "Uptime:    %s\n", st.Uptime.Truncate(time.Second))
				fmt.Fprintf(w, "WAL seq:   %d\n", st.LastSeq)
				fmt.Fprintf(w, "Timeline:  %d cues across %d roles\n", st.Cues, len(st.Roles))
				fmt.Fprintln(w)

				fmt.Fprintf(w, "Queued drops (%d):\n", len(st.Queued))
				for _, d := range st.Queued {
					fmt.Fprintf(w, "  %s  trigger %d  tick %d (%s)\n", d.ID, d.TriggerID, d.TargetTick, barBeat(d.TargetTick, bpb))
				}

				fmt.Fprintln(w, "Cooldowns:")
				for id := uint8(1); id <= cfg.Drops.TriggerCount; id++ {
					fmt.Fprintf(w, "  trigger %d: %d beats\n", id, st.Cooldowns[types.TriggerID(id)])
				}

				fmt.Fprintf(w, "HUDs (%d):\n", len(huds))
				for _, h := range huds {
					fmt.Fprintf(w, "  %-16s %-20s %s\n", h.ID, h.Name, h.Status)
				}
				return nil
			})
		},
	}
}

// barBeat renders a tick as bar.beat
func barBeat(tick uint64, bpb uint8) string {
	return fmt.Sprintf("%d.%d", tick/uint64(bpb)+1, tick%uint64(bpb)+1)
}

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show, import or export the scene plan of a running controller",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the current scene plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.fetchPlan(cmd)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(data, '\n'))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export FILE",
		Short: "Write the current scene plan to FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.fetchPlan(cmd)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported scene plan to %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import FILE",
		Short: "Replace the scene plan with the contents of FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			plan, err := sceneplan.Unmarshal(data)
			if err != nil {
				return err
			}
			body, err := sceneplan.Marshal(plan)
			if err != nil {
				return err
			}
			if _, err := opts.planRequest(cmd, http.MethodPut, body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported scene plan: %d cues, %d roles, %.1f bpm\n",
				len(plan.Cues), len(plan.Roles), plan.BPM)
			return nil
		},
	})

	return cmd
}

func (o *rootOptions) fetchPlan(cmd *cobra.Command) ([]byte, error) {
	return o.planRequest(cmd, http.MethodGet, nil)
}

func (o *rootOptions) planRequest(cmd *cobra.Command, method string, body []byte) ([]byte, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, o.httpBase(cfg)+"/sceneplan", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scene plan request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scene plan request failed: %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	return data, nil
}

// ============================================================================
// wal
// ============================================================================

func buildWALCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect the drop write-ahead log",
	}

	walPath := func(args []string) (string, error) {
		if len(args) == 1 {
			return args[0], nil
		}
		cfg, err := opts.load()
		if err != nil {
			return "", err
		}
		return cfg.Storage.WALPath, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "dump [FILE]",
		Short: "Print every WAL event (FILE defaults to storage.wal_path; .gz archives work too)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			return wal.DumpWAL(path, cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify [FILE]",
		Short: "Check checksums and sequence order of every WAL event",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			if err := wal.ValidateWAL(path); err != nil {
				return fmt.Errorf("WAL %s is invalid: %w", path, err)
			}
			n, err := wal.CountEvents(path)
			if err != nil {
				return err
			}
			last := "none"
			if e, err := wal.GetLastEvent(path); err == nil {
				last = fmt.Sprintf("seq %d (%s)", e.Seq, e.Type)
			} else if !errors.Is(err, wal.ErrEmptyWAL) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "WAL %s OK: %d events, last %s\n", path, n, last)
			return nil
		},
	})

	return cmd
}

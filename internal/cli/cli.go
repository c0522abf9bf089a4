// ============================================================================
// beatdrop CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running a show and operating it remotely
//
// Command Structure:
//   beatdrop                         # Root command
//   ├── run                          # Start the show controller
//   │   ├── --metronome              # Drive the clock from the built-in metronome
//   │   └── --stdin                  # Read JSON-lines BeatTicks from stdin
//   ├── schedule --trigger N         # Queue a drop (--bars n for PlusBars)
//   ├── cancel ID                    # Cancel a queued drop
//   ├── status                       # Session status from a running controller
//   ├── plan show|import|export      # Scene plan over HTTP
//   ├── wal dump|verify              # Inspect the local WAL
//   ├── cue add|place|update|move|label|rm|ls  # Edit the cue timeline
//   ├── bpm BPM                      # Set the show tempo
//   ├── effects [QUERY]              # Search the effect library
//   ├── hud ls|rm                    # List or forget HUDs
//   ├── --config, -c                 # Config file (default: configs/default.yaml)
//   ├── --grpc                       # ShowControl address (default: server.grpc_addr)
//   └── --http                       # HTTP address (default: server.http_addr)
//
// Configuration:
//   YAML file plus BEATDROP_* environment overrides (internal/config).
//
// run Command:
//   1. Load config and install the slog handler
//   2. Recover and start the Controller (snapshot + WAL replay)
//   3. Serve gRPC ShowControl and HTTP (/hud/ws, /sceneplan, /healthz, /metrics)
//   4. Pump ticks from the metronome or stdin, if selected
//   5. On SIGINT/SIGTERM: stop the tick source, close HUD links and fire
//      streams, stop servers, then stop the Controller (final snapshot)
//
// Remote Commands:
//   schedule, cancel, status, cue, bpm, effects and hud talk gRPC to a running controller; plan talks
//   HTTP. Exit status is non-zero when the controller refuses the request.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beatdrop/internal/config"
)

// rootOptions are the persistent flags shared by every subcommand
type rootOptions struct {
	configFile string
	grpcAddr   string
	httpAddr   string
}

// BuildCLI assembles the command tree
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "beatdrop",
		Short: "beatdrop: beat-synchronised drop scheduling for live shows",
		Long: `beatdrop keeps a musical clock from beat ticks and fires queued drops
exactly on bar boundaries, with:
- per-trigger cooldowns
- a cue timeline played back bar by bar
- HUD liveness tracking
- WAL + snapshot crash recovery`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.grpcAddr, "grpc", "", "ShowControl gRPC address (default from config)")
	rootCmd.PersistentFlags().StringVar(&opts.httpAddr, "http", "", "HTTP address (default from config)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildScheduleCommand(opts))
	rootCmd.AddCommand(buildCancelCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildPlanCommand(opts))
	rootCmd.AddCommand(buildWALCommand(opts))
	rootCmd.AddCommand(buildCueCommand(opts))
	rootCmd.AddCommand(buildBPMCommand(opts))
	rootCmd.AddCommand(buildEffectsCommand(opts))
	rootCmd.AddCommand(buildHudCommand(opts))

	return rootCmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))
	return cfg, nil
}

func (o *rootOptions) grpcTarget(cfg config.Config) string {
	if o.grpcAddr != "" {
		return localhost(o.grpcAddr)
	}
	return localhost(cfg.Server.GRPCAddr)
}

func (o *rootOptions) httpBase(cfg config.Config) string {
	addr := o.httpAddr
	if addr == "" {
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + localhost(addr)
}

// localhost turns a listen address such as ":8080" into a dialable one
func localhost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

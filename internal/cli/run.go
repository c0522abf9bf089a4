package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beatdrop/internal/config"
	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/dispatch"
	"github.com/ChuLiYu/beatdrop/internal/metrics"
	"github.com/ChuLiYu/beatdrop/internal/metronome"
	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/internal/server"
	"github.com/ChuLiYu/beatdrop/internal/sqlite"
)

// shutdownTimeout bounds the HTTP drain on shutdown
const shutdownTimeout = 5 * time.Second

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var (
		useMetronome bool
		useStdin     bool
		bpm          float64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the beatdrop show controller",
		Long: `Recover the session from the snapshot and WAL, then serve ShowControl
over gRPC and the HUD websocket, scene plan and metrics over HTTP.
Beat ticks come from an external producer (--stdin) or the built-in metronome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metronome") {
				cfg.Metronome.Enabled = useMetronome
			}
			if bpm > 0 {
				cfg.Metronome.BPM = bpm
			}
			if useStdin && cfg.Metronome.Enabled {
				return errors.New("--stdin and the metronome are mutually exclusive")
			}

			var src metronome.Source
			if useStdin {
				src = metronome.NewReader(cmd.InOrStdin())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runShow(ctx, cfg, src)
		},
	}

	cmd.Flags().BoolVar(&useMetronome, "metronome", false, "drive the clock from the built-in metronome")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "read JSON-lines beat ticks from stdin")
	cmd.Flags().Float64Var(&bpm, "bpm", 0, "metronome tempo (default from config)")

	return cmd
}

func runShow(ctx context.Context, cfg config.Config, src metronome.Source) error {
	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.HTTPAddr, err)
	}

	s, err := newShow(cfg)
	if err != nil {
		grpcLis.Close()
		httpLis.Close()
		return err
	}
	return s.serve(ctx, grpcLis, httpLis, src)
}

// ============================================================================
// show: one running controller with its servers
// ============================================================================

type show struct {
	cfg        config.Config
	ctrl       *controller.Controller
	events     *dispatch.Broadcaster
	collector  *metrics.Collector
	grpc       *grpc.Server
	http       *server.HTTPServer
	closeStore func() error
	log        *slog.Logger
}

func newShow(cfg config.Config) (*show, error) {
	s := &show{
		cfg:    cfg,
		events: dispatch.NewBroadcaster(),
		log:    slog.With("component", "show"),
	}

	var ctrlOpts []controller.Option
	if cfg.Metrics.Enabled {
		s.collector = metrics.NewCollector(nil)
		s.collector.Registry().MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		ctrlOpts = append(ctrlOpts, controller.WithMetrics(s.collector))
	}

	store, closeStore, err := openPlanStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	s.closeStore = closeStore
	ctrlOpts = append(ctrlOpts, controller.WithPlanStore(store))

	ctrl, err := controller.NewController(cfg.Controller(), s.events, ctrlOpts...)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to create controller: %w", err)
	}
	s.ctrl = ctrl

	s.grpc = grpc.NewServer()
	server.RegisterShowControl(s.grpc, server.NewServer(ctrl, s.events))
	s.http = server.NewHTTPServer(ctrl, s.events, s.collector)
	return s, nil
}

// serve starts everything and blocks until ctx is done or a server fails
func (s *show) serve(ctx context.Context, grpcLis, httpLis net.Listener, src metronome.Source) error {
	if err := s.ctrl.Start(ctx); err != nil {
		s.ctrl.Close()
		s.closeStore()
		grpcLis.Close()
		httpLis.Close()
		return fmt.Errorf("failed to start controller: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.Info("gRPC server listening", "addr", grpcLis.Addr().String())
		if err := s.grpc.Serve(grpcLis); err != nil {
			errCh <- fmt.Errorf("gRPC server failed: %w", err)
		}
	}()
	go func() {
		if err := s.http.Serve(httpLis); err != nil {
			errCh <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()

	if src == nil && s.cfg.Metronome.Enabled {
		m, err := s.metronome(ctx)
		if err != nil {
			s.shutdown()
			return err
		}
		src = m
	}

	srcCtx, cancelSrc := context.WithCancel(ctx)
	var srcWg sync.WaitGroup
	if src != nil {
		srcWg.Add(1)
		go func() {
			defer srcWg.Done()
			if err := s.ctrl.RunSource(srcCtx, src); err != nil {
				s.log.Error("Tick source stopped", "error", err)
			}
		}()
	}

	s.log.Info("beatdrop started",
		"grpc", grpcLis.Addr().String(),
		"http", httpLis.Addr().String(),
		"metrics", s.collector != nil)

	var err error
	select {
	case <-ctx.Done():
		s.log.Info("Received shutdown signal, stopping gracefully...")
	case err = <-errCh:
		s.log.Error("Server failed, shutting down", "error", err)
	}

	cancelSrc()
	srcWg.Wait()
	s.shutdown()
	return err
}

// metronome starts on the bar after the recovered position so the first
// tick crosses into fresh time
func (s *show) metronome(ctx context.Context) (*metronome.Metronome, error) {
	pos, err := s.ctrl.Position(ctx)
	if err != nil {
		return nil, err
	}
	startBar := uint32(1)
	if pos.Tick > 0 {
		startBar = pos.Bar + 1
	}
	s.log.Info("Metronome enabled", "bpm", s.cfg.MetronomeBPM(), "start_bar", startBar)
	return metronome.New(metronome.Config{
		BPM:         s.cfg.MetronomeBPM(),
		BeatsPerBar: s.cfg.Clock.BeatsPerBar,
		StartBar:    startBar,
	}), nil
}

// shutdown order: HTTP, event subscribers, gRPC, controller (final snapshot), store
func (s *show) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warn("HTTP shutdown incomplete", "error", err)
	}

	s.events.Close()
	s.grpc.GracefulStop()
	s.ctrl.Stop()

	if err := s.closeStore(); err != nil {
		s.log.Warn("Failed to close scene plan store", "error", err)
	}
	s.log.Info("beatdrop stopped. Goodbye!")
}

// openPlanStore opens the configured scene plan store
func openPlanStore(cfg config.StorageConfig) (sceneplan.Store, func() error, error) {
	switch cfg.PlanStore {
	case config.PlanStoreSQLite:
		if dir := filepath.Dir(cfg.PlanPath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("failed to create plan directory: %w", err)
			}
		}
		db, err := sqlite.Open(cfg.PlanPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open plan database: %w", err)
		}
		return sqlite.NewPlanRepository(db, cfg.PlanName), db.Close, nil
	default:
		return sceneplan.NewFileStore(cfg.PlanPath), func() error { return nil }, nil
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/beatdrop/internal/controller"
	"github.com/ChuLiYu/beatdrop/internal/dispatch"
	"github.com/ChuLiYu/beatdrop/internal/metrics"
	"github.com/ChuLiYu/beatdrop/internal/sceneplan"
	"github.com/ChuLiYu/beatdrop/internal/timeline"
)

// maxPlanBytes bounds PUT /sceneplan bodies
const maxPlanBytes = 4 << 20

// HTTPServer serves the HUD websocket, the scene plan, health and metrics.
type HTTPServer struct {
	controller *controller.Controller
	events     *dispatch.Broadcaster
	collector  *metrics.Collector
	log        *slog.Logger
	srv        *http.Server
}

// NewHTTPServer wires the handlers. collector and events may be nil; the
// corresponding routes are then not mounted.
func NewHTTPServer(ctrl *controller.Controller, events *dispatch.Broadcaster, collector *metrics.Collector) *HTTPServer {
	s := &HTTPServer{
		controller: ctrl,
		events:     events,
		collector:  collector,
		log:        slog.With("component", "http"),
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /sceneplan", s.handleGetPlan)
	mux.HandleFunc("PUT /sceneplan", s.handlePutPlan)
	if s.events != nil {
		mux.HandleFunc("GET /hud/ws", s.handleHudWS)
	}
	if s.collector != nil {
		mux.Handle("GET /metrics", s.collector.Handler())
	}
	return mux
}

// Serve accepts connections on l until Shutdown.
func (s *HTTPServer) Serve(l net.Listener) error {
	s.log.Info("HTTP server listening", "addr", l.Addr().String())
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	pos, err := s.controller.Position(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "position": pos})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.controller.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *HTTPServer) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.controller.Plan(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := sceneplan.Marshal(plan)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := sceneplan.Decode(http.MaxBytesReader(w, r.Body, maxPlanBytes))
	if err != nil {
		writeError(w, err)
		return
	}

	loaded, err := s.controller.LoadPlan(r.Context(), plan)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("Scene plan replaced", "cues", len(loaded.Cues), "roles", len(loaded.Roles))

	data, err := sceneplan.Marshal(loaded)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, sceneplan.ErrInvalidPlan),
		errors.Is(err, timeline.ErrRoleUnknown),
		errors.Is(err, timeline.ErrInvalidParams),
		errors.Is(err, timeline.ErrInvalidBar),
		errors.Is(err, timeline.ErrInvalidRole),
		errors.Is(err, timeline.ErrDuplicateCue):
		code = http.StatusBadRequest
	case errors.Is(err, controller.ErrStopped), errors.Is(err, controller.ErrNotStarted):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ChuLiYu/beatdrop/pkg/types"
)

// writeTimeout bounds a single event write to a HUD
const writeTimeout = 2 * time.Second

// handleHudWS upgrades /hud/ws?id=&name= to a websocket link.
// Every inbound frame counts as a heartbeat; fire and cue events are
// pushed to the HUD as JSON text frames.
func (s *HTTPServer) handleHudWS(w http.ResponseWriter, r *http.Request) {
	id := types.HudID(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing hud id", http.StatusBadRequest)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = string(id)
	}

	sub, err := s.events.Subscribe(subscriberBuffer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("HUD websocket upgrade failed", "hud", id, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := s.controller.Heartbeat(ctx, id, name); err != nil {
		conn.Close(websocket.StatusTryAgainLater, "controller unavailable")
		return
	}
	s.log.Info("HUD connected", "hud", id, "name", name)

	go s.readHeartbeats(ctx, cancel, conn, id, name)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("HUD disconnected", "hud", id, "missed", sub.Dropped())
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.push(ctx, conn, ev); err != nil {
				s.log.Warn("HUD write failed", "hud", id, "error", err)
				return
			}
		}
	}
}

// readHeartbeats records a heartbeat per inbound frame; it cancels ctx when
// the connection ends.
func (s *HTTPServer) readHeartbeats(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, id types.HudID, name string) {
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		if _, err := s.controller.Heartbeat(ctx, id, name); err != nil {
			conn.Close(websocket.StatusTryAgainLater, "controller unavailable")
			return
		}
	}
}

func (s *HTTPServer) push(ctx context.Context, conn *websocket.Conn, ev types.Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

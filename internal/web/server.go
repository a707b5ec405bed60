package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/christian-lee/loudmeter/internal/broadcast"
	"github.com/christian-lee/loudmeter/internal/command"
	"github.com/christian-lee/loudmeter/internal/config"
	"github.com/christian-lee/loudmeter/internal/controller"
	"github.com/christian-lee/loudmeter/internal/loudness"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// StateMessage is the body of GET /api/state and of every websocket message.
type StateMessage struct {
	Version uint64            `json:"version"`
	Inputs  loudness.Snapshot `json:"inputs"`
}

// Server serves the dashboard, the JSON API and the live websocket stream.
type Server struct {
	ctrl *controller.Controller
	addr string

	limiter  *rate.Limiter
	upgrader websocket.Upgrader
}

func NewServer(ctrl *controller.Controller, cfg config.WebConfig) *Server {
	return &Server{
		ctrl:    ctrl,
		addr:    cfg.Addr(),
		limiter: rate.NewLimiter(resetLimit(cfg.ResetRate), cfg.ResetBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// UpdateResetLimit applies new reset rate settings (for hot reload).
func (s *Server) UpdateResetLimit(perSecond float64, burst int) {
	s.limiter.SetLimit(resetLimit(perSecond))
	s.limiter.SetBurst(burst)
	slog.Info("reset rate limit updated", "rate", perSecond, "burst", burst)
}

// resetLimit maps a non-positive rate to no limit.
func resetLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/inputs", s.handleInputs)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/ws", s.handleEvents)
	mux.HandleFunc("POST /api/input/{input}/reset", s.handleReset)
	mux.HandleFunc("GET /api/resets", s.handleResets)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully. Websocket
// sessions end with ctx.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("🌐 web server started", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("web server stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

func (s *Server) handleInputs(w http.ResponseWriter, r *http.Request) {
	inputs := make(map[string]config.InputConfig)
	for _, in := range s.ctrl.Inputs() {
		inputs[in.ID] = config.InputConfig{Name: in.Name, Channels: in.Channels}
	}
	writeJSON(w, http.StatusOK, map[string]any{"inputs": inputs})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, v := s.ctrl.Current()
	writeJSON(w, http.StatusOK, StateMessage{Version: v, Inputs: nonNil(snap)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	input := r.PathValue("input")
	if !s.limiter.Allow() {
		s.ctrl.RecordLimited()
		writeError(w, http.StatusTooManyRequests, "too many reset requests")
		return
	}
	err := s.ctrl.RequestReset(input, r.RemoteAddr)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case errors.Is(err, controller.ErrBusNotFound):
		writeError(w, http.StatusNotFound, "input not found")
	case errors.Is(err, command.ErrReceiverGone):
		slog.Error("failed to send command", "input", input, "err", err)
		writeError(w, http.StatusInternalServerError, "processor unavailable")
	default:
		slog.Error("reset failed", "input", input, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleResets(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.ctrl.Resets(limit)
	if err != nil {
		slog.Error("read reset log failed", "err", err)
		writeError(w, http.StatusInternalServerError, "reset log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

// handleEvents streams the current snapshot, then every newer one. A slow
// client skips intermediate snapshots. Data frames from the client close the
// session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readEvents(cancel, conn)

	recv := s.ctrl.Subscribe()
	defer func() {
		slog.Debug("websocket session ended", "remote", r.RemoteAddr,
			"version", recv.Version(), "skipped", recv.Skipped())
	}()
	snap, v := recv.Current()
	for {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(StateMessage{Version: v, Inputs: nonNil(snap)}); err != nil {
			slog.Debug("websocket write failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		snap, v, err = recv.Next(ctx)
		if err != nil {
			if errors.Is(err, broadcast.ErrClosed) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "meter stopped"),
					time.Now().Add(time.Second))
			}
			return
		}
	}
}

// readEvents handles client frames. Ping and close are answered by the
// connection's default handlers.
func (s *Server) readEvents(cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		kind, _, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "no"),
				time.Now().Add(time.Second))
			return
		}
	}
}

func nonNil(s loudness.Snapshot) loudness.Snapshot {
	if s == nil {
		return loudness.Snapshot{}
	}
	return s
}

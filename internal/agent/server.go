package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/shipmate-io/shipmate/internal/logs"
	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/supervisor"
)

// Server exposes the agent control API on a unix socket. The socket is the
// only control surface: it is reachable locally and over an SSH session, but
// never over the network directly.
type Server struct {
	manager  *Manager
	broker   *logs.Broker
	console  *Console
	logger   *slog.Logger
	socket   string
	server   *http.Server
	listener net.Listener
}

// NewServer creates the agent control API server.
func NewServer(manager *Manager, broker *logs.Broker, console *Console, socket string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: manager,
		broker:  broker,
		console: console,
		logger:  logger,
		socket:  socket,
	}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/units", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/restart", s.handleRestart)
			r.Post("/enable", s.handleEnable)
			r.Post("/disable", s.handleDisable)
			r.Get("/logs", s.handleLogs)
			r.Get("/console", s.handleConsole)
		})
	})

	return r
}

// Start listens on the unix socket and serves until Shutdown.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// A stale socket from an unclean shutdown blocks the listener.
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restricting socket permissions: %w", err)
	}
	s.listener = listener

	s.logger.Info("agent control API listening", "socket", s.socket)
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and removes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	_ = os.Remove(s.socket)
	return err
}

func (s *Server) unit(w http.ResponseWriter, r *http.Request) (*supervisor.Supervisor, bool) {
	name := chi.URLParam(r, "name")
	sup, ok := s.manager.Get(name)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unit %q not found", name))
		return nil, false
	}
	return sup, true
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	statuses := make([]*models.UnitStatus, 0)
	for _, name := range s.manager.Names() {
		if sup, ok := s.manager.Get(name); ok {
			statuses = append(statuses, sup.Status())
		}
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sup.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}
	if err := sup.Start(); err != nil {
		if errors.Is(err, supervisor.ErrAlreadyStarted) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, sup.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}
	if err := sup.Stop(); err != nil {
		if errors.Is(err, supervisor.ErrNotStarted) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, sup.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}
	if err := sup.Restart(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, sup.Status())
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}
	sup.Enable()
	s.writeJSON(w, http.StatusOK, sup.Status())
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}
	sup.Disable()
	s.writeJSON(w, http.StatusOK, sup.Status())
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The socket itself is the access boundary; origins do not apply on a
	// unix socket hop.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLogs serves a bounded tail, or a live follow over websocket when
// ?follow=true.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}

	n := 0
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "n must be a non-negative integer")
			return
		}
		n = parsed
	}

	if r.URL.Query().Get("follow") != "true" {
		s.writeJSON(w, http.StatusOK, map[string]any{"lines": sup.Tail(n)})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.broker.Subscribe(r.Context(), sup.Unit().Name, "", "")
	defer s.broker.Unsubscribe(sub)

	// Replay the buffered tail before going live.
	for _, line := range sup.Tail(n) {
		entry := &models.LogEntry{
			UnitName:  sup.Unit().Name,
			Source:    models.LogSourceProcess,
			Line:      line,
			Timestamp: time.Now().UTC(),
		}
		if err := conn.WriteJSON(entry); err != nil {
			return
		}
	}

	// The reader goroutine notices the client going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case entry, ok := <-sub.Ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}

// handleConsole bridges a websocket to a pty shell for debugging.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	sup, ok := s.unit(w, r)
	if !ok {
		return
	}
	if s.console == nil {
		s.writeError(w, http.StatusNotImplemented, "debug console disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	session, err := s.console.Connect(sup.Unit(), conn)
	if err != nil {
		s.logger.Error("console session failed", "unit", sup.Unit().Name, "error", err)
		conn.Close()
		return
	}
	if err := s.console.HandleSession(session); err != nil {
		s.logger.Debug("console session ended", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/gorilla/websocket"

	"github.com/shipmate-io/shipmate/internal/models"
)

// ErrSessionClosed is returned when the console session is closed.
var ErrSessionClosed = errors.New("console session closed")

// ControlMessage is a JSON control frame from the websocket client.
type ControlMessage struct {
	Type string `json:"type"` // "resize" or "terminate"
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// Session is one active debug console.
type Session struct {
	ID       string
	UnitName string
	PTY      *os.File
	Conn     *websocket.Conn
	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
}

// Close tears down the pty and the websocket.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closeCh)

	var errs []error
	if s.PTY != nil {
		if err := s.PTY.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing pty: %w", err))
		}
	}
	if s.Conn != nil {
		if err := s.Conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing websocket: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing session: %v", errs)
	}
	return nil
}

// IsClosed reports whether the session is closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Console spawns debugging shells in a unit's working directory, bridged to
// websocket clients through a pty.
type Console struct {
	shell      string
	logger     *slog.Logger
	sessions   map[string]*Session
	sessionsMu sync.RWMutex
}

// NewConsole creates a console service. shell defaults to /bin/sh.
func NewConsole(shell string, logger *slog.Logger) *Console {
	if shell == "" {
		shell = "/bin/sh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		shell:    shell,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Connect starts a shell in the unit's workdir on a fresh pty.
func (c *Console) Connect(unit models.ServiceUnit, conn *websocket.Conn) (*Session, error) {
	cmd := exec.Command(c.shell)
	cmd.Dir = unit.WorkDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting pty: %w", err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("setting initial size: %w", err)
	}

	session := &Session{
		ID:       fmt.Sprintf("console-%d", time.Now().UnixNano()),
		UnitName: unit.Name,
		PTY:      ptmx,
		Conn:     conn,
		closeCh:  make(chan struct{}),
	}

	c.sessionsMu.Lock()
	c.sessions[session.ID] = session
	c.sessionsMu.Unlock()

	c.logger.Info("console session opened", "session_id", session.ID, "unit", unit.Name)
	return session, nil
}

// HandleSession pumps data both ways until either side closes.
func (c *Console) HandleSession(session *Session) error {
	defer func() {
		c.sessionsMu.Lock()
		delete(c.sessions, session.ID)
		c.sessionsMu.Unlock()
		session.Close()
	}()

	go c.copyPTYToWebSocket(session)
	return c.handleWebSocketInput(session)
}

func (c *Console) copyPTYToWebSocket(session *Session) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-session.closeCh:
			return
		default:
			n, err := session.PTY.Read(buf)
			if err != nil {
				if err != io.EOF && !session.IsClosed() {
					c.logger.Debug("pty read error", "error", err, "session_id", session.ID)
				}
				return
			}
			if n > 0 {
				if err := session.Conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
					if !session.IsClosed() {
						c.logger.Debug("websocket write error", "error", err, "session_id", session.ID)
					}
					return
				}
			}
		}
	}
}

func (c *Console) handleWebSocketInput(session *Session) error {
	for {
		select {
		case <-session.closeCh:
			return ErrSessionClosed
		default:
			mt, msg, err := session.Conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return fmt.Errorf("reading websocket: %w", err)
			}

			if mt == websocket.TextMessage {
				var ctrl ControlMessage
				if err := json.Unmarshal(msg, &ctrl); err == nil && ctrl.Type != "" {
					if err := c.handleControlMessage(session, &ctrl); err != nil {
						if errors.Is(err, ErrSessionClosed) {
							return nil
						}
						c.logger.Warn("control message error", "error", err, "session_id", session.ID)
					}
					continue
				}
			}

			if mt == websocket.BinaryMessage || mt == websocket.TextMessage {
				if _, err := session.PTY.Write(msg); err != nil {
					return fmt.Errorf("writing to pty: %w", err)
				}
			}
		}
	}
}

func (c *Console) handleControlMessage(session *Session, ctrl *ControlMessage) error {
	switch ctrl.Type {
	case "resize":
		if ctrl.Rows > 0 && ctrl.Cols > 0 {
			if err := pty.Setsize(session.PTY, &pty.Winsize{Rows: ctrl.Rows, Cols: ctrl.Cols}); err != nil {
				return fmt.Errorf("resizing pty: %w", err)
			}
		}
	case "terminate":
		c.logger.Info("console termination requested", "session_id", session.ID)
		return ErrSessionClosed
	}
	return nil
}

// ActiveSessions returns the number of open console sessions.
func (c *Console) ActiveSessions() int {
	c.sessionsMu.RLock()
	defer c.sessionsMu.RUnlock()
	return len(c.sessions)
}

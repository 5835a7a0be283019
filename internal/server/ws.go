package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/polychat/internal/models"
	"github.com/raphaelgruber/polychat/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	maxMessage = 64 * 1024
)

// Command types accepted on the websocket.
const (
	CmdSendTurn        = "send_turn"
	CmdCancel          = "cancel"
	CmdSelectProvider  = "select_provider"
	CmdSelectModel     = "select_model"
	CmdToggleMemory    = "toggle_memory"
	CmdSetWebGrounding = "set_web_grounding"
	CmdSetPromptMode   = "set_prompt_mode"
	CmdListModels      = "list_models"
)

// Event types sent to the client.
const (
	EventState  = "state"
	EventResult = "result"
	EventError  = "error"
)

// Command is a client request. ID is echoed back on the matching result.
type Command struct {
	ID             string `json:"id,omitempty"`
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"text,omitempty"`
	ProviderID     string `json:"provider_id,omitempty"`
	ModelID        string `json:"model_id,omitempty"`
	Mode           string `json:"mode,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
}

// Event is a server push: a state snapshot or the outcome of a command.
type Event struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	State     *session.State  `json:"state,omitempty"`
	Message   *models.Message `json:"message,omitempty"`
	Models    []models.Model  `json:"models,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
	Cancelled *bool           `json:"cancelled,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// wsConn is one client. Snapshots are cumulative, so only the latest
// pending one is written; command outcomes are queued in order.
type wsConn struct {
	ws  *websocket.Conn
	out chan Event

	mu      sync.Mutex
	pending *session.State
	wake    chan struct{}
}

func (c *wsConn) publish(st session.State) {
	c.mu.Lock()
	c.pending = &st
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *wsConn) takePending() *session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.pending
	c.pending = nil
	return st
}

func (c *wsConn) write(ev Event) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) flushState() error {
	if st := c.takePending(); st != nil {
		return c.write(Event{Type: EventState, State: st})
	}
	return nil
}

// writeLoop is the only writer on the connection.
func (c *wsConn) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.flushState()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return nil
		case <-c.wake:
			if err := c.flushState(); err != nil {
				return err
			}
		case ev := <-c.out:
			// State changes that preceded the outcome go first.
			if err := c.flushState(); err != nil {
				return err
			}
			if err := c.write(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	c := &wsConn{ws: ws, out: make(chan Event, 64), wake: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe := s.session.Subscribe(c.publish)
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writeLoop(ctx); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
		}
		cancel()
		_ = ws.Close()
	}()
	go func() {
		select {
		case <-s.closing:
			cancel()
			_ = ws.Close()
		case <-ctx.Done():
		}
	}()

	var commands sync.WaitGroup
	ws.SetReadLimit(maxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })

	s.logger.Info("websocket connected", "remote", r.RemoteAddr)
	for {
		var cmd Command
		if err := ws.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.logger.Debug("websocket read ended", "error", err)
			}
			break
		}
		s.dispatch(ctx, c, &commands, cmd)
	}

	cancel()
	commands.Wait()
	<-writerDone
	_ = ws.Close()
	s.logger.Info("websocket disconnected", "remote", r.RemoteAddr)
}

// dispatch runs a command. Commands that wait on the network run in their
// own goroutine so a cancel can be read while a turn streams.
func (s *Server) dispatch(ctx context.Context, c *wsConn, wg *sync.WaitGroup, cmd Command) {
	run := func(fn func() (Event, error)) {
		start := time.Now()
		ev, err := fn()
		logCommand(s.logger, cmd.Type, start, err)
		if err != nil {
			ev = Event{Type: EventError, Error: err.Error()}
		} else {
			ev.Type = EventResult
		}
		ev.ID = cmd.ID
		select {
		case c.out <- ev:
		case <-ctx.Done():
		}
	}
	async := func(fn func() (Event, error)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(fn)
		}()
	}

	switch cmd.Type {
	case CmdSendTurn:
		async(func() (Event, error) {
			msg, err := s.session.SendTurn(ctx, cmd.ConversationID, cmd.Text)
			return Event{Message: msg}, err
		})
	case CmdCancel:
		run(func() (Event, error) {
			ok := s.session.Cancel(cmd.ConversationID)
			return Event{Cancelled: &ok}, nil
		})
	case CmdSelectProvider:
		async(func() (Event, error) {
			list, err := s.session.SelectProvider(ctx, cmd.ProviderID)
			return Event{Models: list}, err
		})
	case CmdListModels:
		async(func() (Event, error) {
			list, err := s.session.Models(ctx, cmd.ProviderID)
			return Event{Models: list}, err
		})
	case CmdSelectModel:
		run(func() (Event, error) { return Event{}, s.session.SelectModel(ctx, cmd.ModelID) })
	case CmdToggleMemory:
		run(func() (Event, error) {
			on, err := s.session.ToggleMemory(ctx)
			return Event{Enabled: &on}, err
		})
	case CmdSetWebGrounding:
		run(func() (Event, error) {
			if cmd.Enabled == nil {
				return Event{}, errors.New("set_web_grounding: enabled is required")
			}
			return Event{Enabled: cmd.Enabled}, s.session.SetWebGrounding(ctx, *cmd.Enabled)
		})
	case CmdSetPromptMode:
		run(func() (Event, error) { return Event{}, s.session.SetPromptMode(ctx, cmd.Mode) })
	default:
		run(func() (Event, error) { return Event{}, fmt.Errorf("unknown command %q", cmd.Type) })
	}
}

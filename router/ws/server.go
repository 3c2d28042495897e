package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hupe1980/agentvisor/core"
	"github.com/hupe1980/agentvisor/logging"
	"github.com/hupe1980/agentvisor/supervisor"
)

// Runner executes runs submitted by clients. CancelForUser must only cancel
// a run owned by userID.
type Runner interface {
	SubmitRun(ctx context.Context, ec core.ExecutionContext, agentType string) (*supervisor.RunOutcome, error)
	CancelForUser(runID, userID string) bool
}

// ServerOptions configures a Server.
type ServerOptions struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// CheckOrigin is passed to the upgrader. Defaults to allowing all origins.
	CheckOrigin func(r *http.Request) bool

	Logger logging.Logger
}

// Server upgrades HTTP requests to WebSocket connections and turns client
// messages into runs.
type Server struct {
	hub      *Hub
	runner   Runner
	opts     ServerOptions
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server routing through h and submitting to r.
func NewServer(h *Hub, r Runner, optFns ...func(o *ServerOptions)) *Server {
	opts := ServerOptions{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 64 * 1024,
		CheckOrigin:    func(*http.Request) bool { return true },
		Logger:         logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:    h,
		runner: r,
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// HandleWebSocket is the echo handler for the WebSocket endpoint.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.opts.Logger.Warn("websocket upgrade failed", "error", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	ws.SetReadLimit(s.opts.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// Close stops accepting submissions, cancels the submission context and
// waits for in-flight submissions to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		_ = conn.Close()
	}()

	_ = conn.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	})

	for {
		_, message, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.opts.Logger.Warn("websocket read failed", "connection_id", conn.id, "error", err)
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.send:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.opts.Logger.Warn("websocket write failed", "connection_id", conn.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleMessage(conn *Connection, data []byte) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, base, ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case TypeHello:
		s.handleHello(conn, data)
	case TypeRun:
		s.handleRun(conn, data)
	case TypeCancelRun:
		s.handleCancelRun(conn, data)
	default:
		s.sendError(conn, base, ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

func (s *Server) handleHello(conn *Connection, data []byte) {
	var msg HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, BaseMessage{}, ErrorCodeInvalidMessage, "invalid hello message")
		return
	}
	if strings.TrimSpace(msg.UserID) == "" {
		s.sendError(conn, msg.BaseMessage, ErrorCodeInvalidMessage, "user_id is required")
		return
	}
	if err := s.hub.BindUser(conn, msg.UserID); err != nil {
		s.sendError(conn, msg.BaseMessage, ErrorCodeAlreadyBound, err.Error())
		return
	}

	_ = s.hub.Send(conn, HelloAckMessage{
		BaseMessage:  BaseMessage{Type: TypeHelloAck, Ts: now(), RequestID: msg.RequestID},
		ConnectionID: conn.id,
		UserID:       msg.UserID,
	})
	s.opts.Logger.Info("hello completed", "connection_id", conn.id, "user_id", msg.UserID)
}

func (s *Server) handleRun(conn *Connection, data []byte) {
	var msg RunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, BaseMessage{}, ErrorCodeInvalidMessage, "invalid run message")
		return
	}

	userID := conn.UserID()
	if userID == "" {
		s.sendError(conn, msg.BaseMessage, ErrorCodeHelloRequired, "must send hello first")
		return
	}

	runID := msg.RunID
	if runID == "" {
		runID = core.NewRunID()
	}

	md := core.NewMetadata("user_request", msg.Input)
	for k, v := range msg.Metadata {
		if k == "user_request" {
			continue
		}
		md = md.With(k, v)
	}

	ec, err := core.NewExecutionContext(userID, msg.ThreadID, runID, conn.id, md, s.hub)
	if err != nil {
		s.sendError(conn, BaseMessage{RequestID: msg.RequestID, RunID: runID}, ErrorCodeInvalidContext, err.Error())
		return
	}

	select {
	case <-s.ctx.Done():
		s.sendError(conn, BaseMessage{RequestID: msg.RequestID, RunID: runID}, ErrorCodeInternal, "server is shutting down")
		return
	default:
	}

	_ = s.hub.Send(conn, RunAcceptedMessage{
		BaseMessage: BaseMessage{Type: TypeRunAccepted, Ts: now(), RequestID: msg.RequestID, RunID: runID},
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		outcome, err := s.runner.SubmitRun(s.ctx, ec, msg.AgentType)
		switch {
		case outcome != nil:
			s.opts.Logger.Info("run finished",
				"connection_id", conn.id,
				"run_id", runID,
				"state", string(outcome.State),
				"attempts", outcome.Attempts,
			)
		case err != nil:
			code, text := submissionError(err)
			s.sendError(conn, BaseMessage{RequestID: msg.RequestID, RunID: runID}, code, text)
		}
	}()
}

func (s *Server) handleCancelRun(conn *Connection, data []byte) {
	var msg CancelRunMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, BaseMessage{}, ErrorCodeInvalidMessage, "invalid cancel_run message")
		return
	}
	userID := conn.UserID()
	if userID == "" {
		s.sendError(conn, msg.BaseMessage, ErrorCodeHelloRequired, "must send hello first")
		return
	}
	// Runs of other users are indistinguishable from unknown ones.
	if msg.RunID == "" || !s.runner.CancelForUser(msg.RunID, userID) {
		s.sendError(conn, msg.BaseMessage, ErrorCodeUnknownRun, "no active run with that id")
		return
	}

	_ = s.hub.Send(conn, CancelAckMessage{
		BaseMessage: BaseMessage{Type: TypeCancelAck, Ts: now(), RequestID: msg.RequestID, RunID: msg.RunID},
		Cancelled:   true,
	})
}

func (s *Server) sendError(conn *Connection, ref BaseMessage, code, message string) {
	_ = s.hub.Send(conn, ErrorMessage{
		BaseMessage: BaseMessage{Type: TypeError, Ts: now(), RequestID: ref.RequestID, RunID: ref.RunID},
		Code:        code,
		Message:     message,
	})
}

// submissionError maps synchronous SubmitRun rejections to error codes.
func submissionError(err error) (string, string) {
	switch {
	case errors.Is(err, core.ErrInvalidContext):
		return ErrorCodeInvalidContext, err.Error()
	case errors.Is(err, core.ErrUnknownAgentType):
		return ErrorCodeUnknownAgentType, err.Error()
	case errors.Is(err, core.ErrDuplicateRunInProgress):
		return ErrorCodeDuplicateRun, err.Error()
	case errors.Is(err, supervisor.ErrShuttingDown):
		return ErrorCodeInternal, "server is shutting down"
	default:
		return ErrorCodeInternal, err.Error()
	}
}

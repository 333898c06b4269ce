package protocol

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/haas-oss/taskplane/internal/channelreg"
	"github.com/haas-oss/taskplane/internal/correlator"
	"github.com/haas-oss/taskplane/internal/graph"
	"github.com/haas-oss/taskplane/internal/store"
)

// Server upgrades each /ws/{client_id} request to a WebSocket session
// and routes its inbound frames to the rest of the control plane.
type Server struct {
	channels   *channelreg.Registry
	store      *store.Store
	graph      *graph.Graph
	correlator *correlator.Correlator
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	queueSize      int
	systemPreamble string
}

// Config bundles the Server's wiring dependencies and tunables.
type Config struct {
	Channels       *channelreg.Registry
	Store          *store.Store
	Graph          *graph.Graph
	Correlator     *correlator.Correlator
	Logger         *slog.Logger
	QueueSize      int
	SystemPreamble string
}

// New builds a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Server{
		channels:       cfg.Channels,
		store:          cfg.Store,
		graph:          cfg.Graph,
		correlator:     cfg.Correlator,
		logger:         logger.With("component", "protocol"),
		queueSize:      queueSize,
		systemPreamble: cfg.SystemPreamble,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection, registers it under the path's
// client_id, and blocks for the session's lifetime.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "client_id", clientID, "error", err)
		return
	}

	session := newSession(clientID, conn, s.queueSize, s.logger,
		func(raw []byte) { s.handleFrame(clientID, raw) },
		func() { s.handleDisconnect(clientID) },
	)
	s.channels.Connect(clientID, session)
	session.run()
}

func (s *Server) handleDisconnect(clientID string) {
	s.channels.Disconnect(clientID)
	s.graph.DisconnectClient(clientID)
}

func (s *Server) handleFrame(clientID string, raw []byte) {
	frameType, known, err := validateInboundFrame(raw)
	if err != nil {
		s.logger.Warn("invalid inbound frame", "client_id", clientID, "error", err)
		return
	}
	if !known {
		s.logger.Info("unknown inbound frame type ignored", "client_id", clientID, "type", frameType)
		return
	}

	switch frameType {
	case "create-task":
		s.handleCreateTask(clientID, raw)
	case "command-result":
		s.handleCommandResult(raw)
	case "cancel-task":
		s.handleCancelTask(raw)
	case "ping":
		_ = s.channels.Send(clientID, map[string]any{"type": "pong"})
	case "user-answer":
		s.handleUserAnswer(raw)
	}
}

type createTaskFrame struct {
	RequestID    string         `json:"request_id"`
	TaskKind     string         `json:"task_kind"`
	ClientID     string         `json:"client_id"`
	Prompt       string         `json:"prompt"`
	AllowedTools []string       `json:"allowed_tools"`
	Context      map[string]any `json:"context"`
}

func (s *Server) handleCreateTask(clientID string, raw []byte) {
	var frame createTaskFrame
	if err := decode(raw, &frame); err != nil {
		s.logger.Warn("create-task decode error", "error", err)
		return
	}
	targetClient := frame.ClientID
	if targetClient == "" {
		targetClient = clientID
	}

	t := s.store.Create(frame.TaskKind, targetClient, frame.Prompt, frame.AllowedTools, s.systemPreamble)

	_ = s.channels.Send(clientID, map[string]any{
		"type":       "task-created",
		"request_id": frame.RequestID,
		"task_id":    t.TaskID,
		"status":     string(t.Status),
	})
	s.graph.Start(t.TaskID, frame.AllowedTools)
}

type commandResultFrame struct {
	TaskID string         `json:"task_id"`
	CallID string         `json:"call_id"`
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

func (s *Server) handleCommandResult(raw []byte) {
	var frame commandResultFrame
	if err := decode(raw, &frame); err != nil {
		s.logger.Warn("command-result decode error", "error", err)
		return
	}
	var resultErr error
	if !frame.OK {
		resultErr = errors.New(frame.Error)
	}
	s.correlator.Resolve(frame.TaskID, frame.CallID, frame.Result, resultErr)
}

type cancelTaskFrame struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleCancelTask(raw []byte) {
	var frame cancelTaskFrame
	if err := decode(raw, &frame); err != nil {
		s.logger.Warn("cancel-task decode error", "error", err)
		return
	}
	s.graph.Cancel(frame.TaskID)
}

type userAnswerFrame struct {
	TaskID string `json:"task_id"`
	CallID string `json:"call_id"`
	Answer string `json:"answer"`
}

func (s *Server) handleUserAnswer(raw []byte) {
	var frame userAnswerFrame
	if err := decode(raw, &frame); err != nil {
		s.logger.Warn("user-answer decode error", "error", err)
		return
	}
	s.correlator.Resolve(frame.TaskID, frame.CallID, map[string]any{"answer": frame.Answer}, nil)
}

func decode(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	types "github.com/sebas/agentline/api/types/v1"
	"github.com/sebas/agentline/internal/call"
	"github.com/sebas/agentline/internal/catalog"
)

const streamWriteTimeout = 5 * time.Second

// CallController runs calls for the API.
// Implemented by call.Manager.
type CallController interface {
	StartCall(ctx context.Context, agentID string) error
	EndCall(ctx context.Context) error
	State() call.Snapshot
	Subscribe() (<-chan call.Snapshot, func())
}

// AgentDirectory lists the agents a user can call.
// Implemented by catalog.Catalog.
type AgentDirectory interface {
	Get(code string) (catalog.Agent, bool)
	Agents() []catalog.Agent
	ByCategory(category string) []catalog.Agent
	Categories() []string
}

// Options configures optional parts of the server.
type Options struct {
	// Agents enables /api/v1/agents and rejects unknown agent ids on start.
	Agents AgentDirectory
	// Metrics enables /metrics.
	Metrics prometheus.Gatherer
	Logger  *slog.Logger
}

// Server provides the HTTP API of the daemon (headless, API only)
type Server struct {
	addr       string
	httpServer *http.Server
	calls      CallController
	agents     AgentDirectory
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	startTime  time.Time

	// done is closed by Stop so that open streams return.
	done     chan struct{}
	stopOnce sync.Once
	// streamsMu orders streams.Add against Stop's Wait.
	streamsMu sync.Mutex
	stopping  bool
	streams   sync.WaitGroup
}

// NewServer creates a new API server
func NewServer(addr string, calls CallController, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		calls:     calls,
		agents:    opts.Agents,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/agents", s.handleAgents)

	// Call
	mux.HandleFunc("/api/v1/call", s.handleCall)
	mux.HandleFunc("/api/v1/call/stream", s.handleCallStream)

	if opts.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(opts.Metrics, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. Listener errors are sent on the
// returned channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	s.logger.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("[API] Server error", "error", err)
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop closes open streams and gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.streamsMu.Lock()
	s.stopping = true
	s.streamsMu.Unlock()
	s.stopOnce.Do(func() { close(s.done) })
	err := s.httpServer.Shutdown(ctx)
	s.streams.Wait()
	return err
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
	})
}

// --- Agents ---

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if s.agents == nil {
		s.writeJSON(w, http.StatusOK, types.AgentsResponse{Categories: []string{}, Agents: []types.Agent{}})
		return
	}

	var list []catalog.Agent
	if category := strings.TrimSpace(r.URL.Query().Get("category")); category != "" {
		list = s.agents.ByCategory(category)
	} else {
		list = s.agents.Agents()
	}

	response := types.AgentsResponse{
		Categories: s.agents.Categories(),
		Agents:     make([]types.Agent, 0, len(list)),
	}
	for _, a := range list {
		response.Agents = append(response.Agents, types.Agent{
			Code:        a.Code,
			Name:        a.Name,
			Route:       a.Route,
			Description: a.Description,
			Category:    a.Category,
			Tags:        a.Tags,
			Provider:    a.Provider,
		})
	}
	s.writeJSON(w, http.StatusOK, response)
}

// --- Call ---

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, callState(s.calls.State(), time.Now()))
	case http.MethodPost:
		s.handleStartCall(w, r)
	case http.MethodDelete:
		if err := s.calls.EndCall(r.Context()); err != nil {
			s.logger.Error("[API] Failed to end call", "error", err)
			s.writeError(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		s.writeJSON(w, http.StatusOK, callState(s.calls.State(), time.Now()))
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
	}
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req types.StartCallRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required", "")
		return
	}
	if s.agents != nil {
		if _, ok := s.agents.Get(req.AgentID); !ok {
			s.writeError(w, http.StatusNotFound, "unknown agent "+req.AgentID, "")
			return
		}
	}

	// A client that goes away cancels a start that has not connected yet.
	if err := s.calls.StartCall(r.Context(), req.AgentID); err != nil {
		status, reason := startStatus(err)
		s.logger.Warn("[API] Call start failed", "agent", req.AgentID, "status", status, "error", err)
		s.writeError(w, status, err.Error(), reason)
		return
	}
	s.writeJSON(w, http.StatusOK, callState(s.calls.State(), time.Now()))
}

// startStatus maps a StartCall error to an HTTP status and a reason.
func startStatus(err error) (int, string) {
	var startErr *call.AgentStartError
	switch {
	case errors.Is(err, call.ErrEmptyAgentID):
		return http.StatusBadRequest, ""
	case errors.Is(err, call.ErrStartInProgress):
		return http.StatusConflict, "in_progress"
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.As(err, &startErr):
		switch startErr.Reason {
		case call.ReasonSuperseded, call.ReasonCancelled:
			return http.StatusConflict, string(startErr.Reason)
		default:
			return http.StatusBadGateway, string(startErr.Reason)
		}
	default:
		return http.StatusInternalServerError, ""
	}
}

// handleCallStream pushes the call state over a websocket on every change.
func (s *Server) handleCallStream(w http.ResponseWriter, r *http.Request) {
	s.streamsMu.Lock()
	if s.stopping {
		s.streamsMu.Unlock()
		s.writeError(w, http.StatusServiceUnavailable, "server shutting down", "")
		return
	}
	s.streams.Add(1)
	s.streamsMu.Unlock()
	defer s.streams.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.calls.Subscribe()
	defer unsubscribe()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("[API] Stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				s.closeStream(conn, websocket.CloseGoingAway, "call manager closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(callState(snap, time.Now())); err != nil {
				s.logger.Debug("[API] Stream write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		case <-gone:
			s.logger.Debug("[API] Stream closed by client", "remote", r.RemoteAddr)
			return
		case <-s.done:
			s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// callState converts a snapshot to its API form.
func callState(snap call.Snapshot, now time.Time) types.CallState {
	state := types.CallState{
		Phase:        snap.Phase.String(),
		Live:         snap.Live(),
		AgentID:      snap.AgentID,
		BusyAgentID:  snap.BusyAgentID,
		VoiceVisible: snap.VoiceVisible,
		Generation:   snap.Generation,
		CallID:       snap.CallID,
		SessionID:    snap.SessionID,
		MicError:     snap.MicError,
		LastError:    snap.LastError,
	}
	if !snap.StartedAt.IsZero() {
		state.StartedAt = snap.StartedAt.Format(time.RFC3339)
	}
	if !snap.ConnectedAt.IsZero() {
		state.ConnectedAt = snap.ConnectedAt.Format(time.RFC3339)
		if snap.Phase == call.PhaseConnected || snap.Phase == call.PhaseReconnecting {
			state.Duration = int(now.Sub(snap.ConnectedAt).Seconds())
		}
	}
	return state
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("[API] Failed to encode JSON", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, reason string) {
	s.writeJSON(w, status, types.ErrorResponse{Error: msg, Reason: reason})
}

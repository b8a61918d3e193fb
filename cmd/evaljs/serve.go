package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/evaljs/executor"
	"github.com/caffeineduck/evaljs/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for script evaluation",
	Long: `Start an HTTP server that provides REST endpoints for script evaluation.

Endpoints:
  POST   /execute              Evaluate code in a throw-away session
  POST   /sessions             Create session, returns {"session_id":"..."}
  GET    /sessions             List live sessions
  POST   /sessions/{id}/eval   Evaluate in session (state persists)
  GET    /sessions/{id}/ws     WebSocket: one eval request per message
  DELETE /sessions/{id}        Dispose session
  GET    /health               Health check

Sessions idle for longer than --session-ttl are disposed.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default :8080)")
	serveCmd.Flags().Duration("session-ttl", 0, "Dispose sessions idle for this long (default 15m)")
	addSessionFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// sessionManager tracks when each session was last used and disposes idle
// ones.
type sessionManager struct {
	exec   *executor.Executor
	ttl    time.Duration
	opts   []executor.SessionOption
	logger *zap.Logger

	mu       sync.Mutex
	lastUsed map[executor.SessionID]time.Time
}

func newSessionManager(exec *executor.Executor, ttl time.Duration, logger *zap.Logger, opts ...executor.SessionOption) *sessionManager {
	return &sessionManager{
		exec:     exec,
		ttl:      ttl,
		opts:     opts,
		logger:   logger,
		lastUsed: make(map[executor.SessionID]time.Time),
	}
}

func (sm *sessionManager) create(ctx context.Context) (executor.SessionID, error) {
	id, err := sm.exec.CreateSession(ctx, sm.opts...)
	if err != nil {
		return 0, err
	}
	sm.mu.Lock()
	sm.lastUsed[id] = time.Now()
	sm.mu.Unlock()
	return id, nil
}

func (sm *sessionManager) evaluate(ctx context.Context, id executor.SessionID, code string) executor.Result {
	sm.mu.Lock()
	if _, ok := sm.lastUsed[id]; ok {
		sm.lastUsed[id] = time.Now()
	}
	sm.mu.Unlock()
	return sm.exec.Evaluate(ctx, id, code)
}

func (sm *sessionManager) dispose(id executor.SessionID) error {
	sm.mu.Lock()
	_, ok := sm.lastUsed[id]
	delete(sm.lastUsed, id)
	sm.mu.Unlock()
	if !ok {
		return executor.ErrSessionNotFound
	}
	return sm.exec.DisposeSession(id)
}

type sessionInfo struct {
	SessionID string    `json:"session_id"`
	LastUsed  time.Time `json:"last_used"`
}

func (sm *sessionManager) list() []sessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ids := make([]executor.SessionID, 0, len(sm.lastUsed))
	for id := range sm.lastUsed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	infos := make([]sessionInfo, len(ids))
	for i, id := range ids {
		infos[i] = sessionInfo{SessionID: id.String(), LastUsed: sm.lastUsed[id]}
	}
	return infos
}

// sweep disposes sessions idle since before now-ttl and returns how many it
// disposed.
func (sm *sessionManager) sweep(now time.Time) int {
	sm.mu.Lock()
	var expired []executor.SessionID
	for id, t := range sm.lastUsed {
		if now.Sub(t) > sm.ttl {
			expired = append(expired, id)
			delete(sm.lastUsed, id)
		}
	}
	sm.mu.Unlock()

	for _, id := range expired {
		if err := sm.exec.DisposeSession(id); err != nil {
			sm.logger.Warn("dispose idle session", zap.Stringer("session", id), zap.Error(err))
		}
	}
	return len(expired)
}

func (sm *sessionManager) cleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := sm.sweep(now); n > 0 {
				sm.logger.Info("disposed idle sessions", zap.Int("count", n))
			}
		}
	}
}

func (sm *sessionManager) closeAll() {
	sm.mu.Lock()
	ids := make([]executor.SessionID, 0, len(sm.lastUsed))
	for id := range sm.lastUsed {
		ids = append(ids, id)
	}
	clear(sm.lastUsed)
	sm.mu.Unlock()

	for _, id := range ids {
		sm.exec.DisposeSession(id) //nolint:errcheck
	}
}

type evalRequest struct {
	Code    string `json:"code"`
	Timeout string `json:"timeout,omitempty"`
}

type evalResponse struct {
	Value      *string `json:"value"`
	Kind       string  `json:"kind,omitempty"`
	DurationMs int64   `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func newEvalResponse(res executor.Result) evalResponse {
	resp := evalResponse{DurationMs: res.Duration.Milliseconds()}
	if res.Error != nil {
		resp.Error = res.Error.Error()
		return resp
	}
	resp.Kind = res.Kind.String()
	if res.Valid {
		v := res.Value
		resp.Value = &v
	}
	return resp
}

// evalContext applies the optional per-request timeout.
func evalContext(ctx context.Context, timeout string) (context.Context, context.CancelFunc, error) {
	if timeout == "" {
		return ctx, func() {}, nil
	}
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, nil
}

type server struct {
	exec     *executor.Executor
	sessions *sessionManager
	cfg      config.Config
	logger   *zap.Logger
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /sessions", s.handleCreate)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("POST /sessions/{id}/eval", s.handleEval)
	mux.HandleFunc("GET /sessions/{id}/ws", s.handleWS)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDelete)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// statusOf maps an evaluation error to an HTTP status. Script errors are
// reported in the body with 200.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, executor.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, executor.ErrArgumentMarshaling):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrClosed), errors.Is(err, executor.ErrInitialization):
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func decodeEval(w http.ResponseWriter, r *http.Request) (evalRequest, bool) {
	var req evalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, false
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *server) sessionID(w http.ResponseWriter, r *http.Request) (executor.SessionID, bool) {
	id, err := executor.ParseSessionID(r.PathValue("id"))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return 0, false
	}
	return id, true
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeEval(w, r)
	if !ok {
		return
	}

	timeout := s.cfg.Timeout
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			http.Error(w, "invalid timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}

	res := s.exec.Run(r.Context(), req.Code,
		executor.WithTimeout(timeout),
		executor.WithSessionOptions(s.sessions.opts...),
		executor.WithSessionOptions(executor.WithSessionTimeout(timeout)),
	)
	writeJSON(w, statusOf(res.Error), newEvalResponse(res))
}

func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.create(r.Context())
	if err != nil {
		s.logger.Error("create session", zap.Error(err))
		http.Error(w, "failed to create session: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: id.String()})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.list())
}

func (s *server) handleEval(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	req, ok := decodeEval(w, r)
	if !ok {
		return
	}

	ctx, cancel, err := evalContext(r.Context(), req.Timeout)
	if err != nil {
		http.Error(w, "invalid timeout", http.StatusBadRequest)
		return
	}
	defer cancel()

	res := s.sessions.evaluate(ctx, id, req.Code)
	writeJSON(w, statusOf(res.Error), newEvalResponse(res))
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	err := s.sessions.dispose(id)
	switch {
	case errors.Is(err, executor.ErrSessionNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case err != nil:
		// The session is gone even when teardown reported errors.
		s.logger.Warn("dispose session", zap.Stringer("session", id), zap.Error(err))
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleWS streams evaluations over a websocket: every text message is an
// evalRequest and gets exactly one evalResponse.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if !s.exists(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	ctx := r.Context()
	for {
		var req evalRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, io.EOF) {
				return
			}
			s.logger.Debug("websocket read", zap.Error(err))
			return
		}

		evalCtx, cancel, err := evalContext(ctx, req.Timeout)
		var resp evalResponse
		if err != nil {
			resp = evalResponse{Error: "invalid timeout"}
		} else {
			resp = newEvalResponse(s.sessions.evaluate(evalCtx, id, req.Code))
			cancel()
		}
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			s.logger.Debug("websocket write", zap.Error(err))
			return
		}
	}
}

func (s *server) exists(id executor.SessionID) bool {
	for _, sid := range s.exec.Sessions() {
		if sid == id {
			return true
		}
	}
	return false
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, exec, err := setup(cmd, true)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer exec.Close()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Serve.Addr = addr
	}
	if ttl, _ := cmd.Flags().GetDuration("session-ttl"); ttl > 0 {
		cfg.Serve.SessionTTL = ttl
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessions := newSessionManager(exec, cfg.Serve.SessionTTL, logger, sessionOptions(cfg, nil)...)
	defer sessions.closeAll()
	go sessions.cleanup(ctx, time.Minute)

	srv := &server{exec: exec, sessions: sessions, cfg: cfg, logger: logger}
	httpServer := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Serve.Addr), zap.String("engine", exec.Engine()))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

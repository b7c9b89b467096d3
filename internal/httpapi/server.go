// Package httpapi is the HTTP front end: the single-shot /execute endpoint
// plus MCP over HTTP and WebSocket, all routed through one in-process
// bridge.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"codebridge/internal/bridge"
	"codebridge/internal/logging"
	"codebridge/internal/mcp"
	"codebridge/internal/tactile"
)

// ServerName is reported by /health.
const ServerName = "codebridge-http"

const defaultMaxBody = 1 << 20

// Server serves the HTTP routes. Create it with New or NewStack.
type Server struct {
	bridge *bridge.Bridge
	mcp    *mcp.Server
	audit  *tactile.AuditLogger

	maxBody        int64
	maxConnections int
	readTimeout    time.Duration

	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithAuditLogger exposes the logger's metrics on /stats.
func WithAuditLogger(l *tactile.AuditLogger) Option {
	return func(s *Server) { s.audit = l }
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithMaxConnections caps simultaneously accepted connections. Zero means
// no cap.
func WithMaxConnections(n int) Option {
	return func(s *Server) { s.maxConnections = n }
}

// WithReadTimeout bounds reading one request.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Server) { s.readTimeout = d }
}

// New serves b for /execute and srv for the MCP routes.
func New(b *bridge.Bridge, srv *mcp.Server, opts ...Option) *Server {
	s := &Server{
		bridge:      b,
		mcp:         srv,
		maxBody:     defaultMaxBody,
		readTimeout: 30 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStack builds the in-process chain executor → mcp.Server →
// PipeTransport → Bridge and serves it. Close the returned bridge when
// done.
func NewStack(ctx context.Context, exec tactile.Executor, bridgeOpts []bridge.Option, opts ...Option) (*Server, *bridge.Bridge, error) {
	srv := mcp.NewServer(exec)
	b, err := bridge.New(ctx, mcp.NewPipeTransport(srv), bridgeOpts...)
	if err != nil {
		return nil, nil, err
	}
	return New(b, srv, opts...), b, nil
}

// Handler returns the routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/execute/", s.handleExecute)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/", s.handleHealth)
	mux.HandleFunc("/mcp", s.handleMCP)
	mux.HandleFunc("/mcp/ws", s.handleMCPWebSocket)
	mux.HandleFunc("/stats", s.handleStats)
	return cors(mux)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.maxConnections)
	}
	hs := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readTimeout,
		ReadTimeout:       s.readTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- hs.Serve(ln) }()
	logging.HTTP("Listening on http://%s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logging.HTTP("Shutting down")
		if err := hs.Shutdown(shutdownCtx); err != nil {
			_ = hs.Close()
			return err
		}
		<-errCh
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type executeRequest struct {
	Code        string   `json:"code"`
	Timeout     *float64 `json:"timeout"`
	SelfCorrect bool     `json:"self_correct"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	log := logging.Get(logging.CategoryHTTP).WithRequestID(uuid.NewString())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	var req executeRequest
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		log.Debug("Rejected body: %v", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No code provided"})
		return
	}

	var opts []bridge.CallOption
	if req.Timeout != nil {
		opts = append(opts, bridge.WithTimeout(time.Duration(*req.Timeout*float64(time.Second))))
	}
	opts = append(opts, bridge.WithSelfCorrect(req.SelfCorrect))

	start := time.Now()
	result := s.bridge.ExecutePython(r.Context(), req.Code, opts...)
	log.Info("POST /execute exit=%d attempts=%d in %v", result.ExitCode, result.Attempts, time.Since(start))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server": ServerName})
}

// Stats is the /stats response.
type Stats struct {
	Bridge     bridge.Stats                      `json:"bridge"`
	Server     mcp.ServerStats                   `json:"server"`
	Executions *tactile.ExecutionMetricsSnapshot `json:"executions,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	st := Stats{Bridge: s.bridge.Stats(), Server: s.mcp.Stats()}
	if s.audit != nil {
		snap := s.audit.GetMetrics()
		st.Executions = &snap
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	resp := s.mcp.HandleMessage(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (s *Server) handleMCPWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.HTTPWarn("WebSocket upgrade failed: %v", err)
		return
	}
	fc := mcp.NewWebSocketConn(conn)
	defer fc.Close()

	logging.HTTPDebug("MCP WebSocket session from %s", r.RemoteAddr)
	if err := s.mcp.ServeConn(r.Context(), fc); err != nil {
		logging.HTTPWarn("MCP WebSocket session ended: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error": "encoding failed"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

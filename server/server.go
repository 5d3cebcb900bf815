// Package server is the frappemcp HTTP surface: health, tool self-description
// and the MCP endpoint behind authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/frappemcp/auth"
	"github.com/petal-labs/frappemcp/mcpserver"
	fmotel "github.com/petal-labs/frappemcp/otel"
	"github.com/petal-labs/frappemcp/session"
	"github.com/petal-labs/frappemcp/tool"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Registry *tool.Registry
	// MCPPath is where the MCP endpoint is mounted (default /mcp).
	MCPPath string
	// Authenticator resolves callers. When nil every request runs as DefaultUser.
	Authenticator *auth.Authenticator
	DefaultUser   session.User
	Name          string
	Version       string
	CORSOrigin    string
	MaxBody       int64
	Logger        *slog.Logger
	// Tracer, when set, wraps every request in a server span.
	Tracer trace.Tracer
	// Metrics, when set, is served on GET /api/metrics.
	Metrics MetricsSource
}

// MetricsSource reports collected instrument values.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]fmotel.MetricPoint, error)
}

// Server is the frappemcp HTTP API server.
type Server struct {
	registry      *tool.Registry
	mcp           *mcpgo.MCPServer
	mcpPath       string
	authenticator *auth.Authenticator
	defaultUser   session.User
	version       string
	corsOrigin    string
	maxBody       int64
	logger        *slog.Logger
	tracer        trace.Tracer
	metrics       MetricsSource
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	mcpPath := strings.TrimSpace(cfg.MCPPath)
	if mcpPath == "" {
		mcpPath = mcpserver.DefaultEndpointPath
	}
	if !strings.HasPrefix(mcpPath, "/") {
		mcpPath = "/" + mcpPath
	}
	defaultUser := cfg.DefaultUser
	if strings.TrimSpace(defaultUser.Name) == "" {
		defaultUser = session.Guest
	}

	mcp, err := mcpserver.New(mcpserver.Config{
		Name:     cfg.Name,
		Version:  cfg.Version,
		Registry: cfg.Registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Server{
		registry:      cfg.Registry,
		mcp:           mcp,
		mcpPath:       mcpPath,
		authenticator: cfg.Authenticator,
		defaultUser:   defaultUser,
		version:       cfg.Version,
		corsOrigin:    corsOrigin,
		maxBody:       maxBody,
		logger:        logger,
		tracer:        cfg.Tracer,
		metrics:       cfg.Metrics,
	}, nil
}

// MCPPath returns the path the MCP endpoint is mounted on.
func (s *Server) MCPPath() string { return s.mcpPath }

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	if s.tracer != nil {
		handler = fmotel.Middleware(s.tracer, handler)
	}

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /api/tools", s.authMiddleware(http.HandlerFunc(s.handleListTools)))
	if s.metrics != nil {
		mux.Handle("GET /api/metrics", s.authMiddleware(http.HandlerFunc(s.handleMetrics)))
	}
	mux.Handle(s.mcpPath, s.authMiddleware(mcpserver.NewHTTPHandler(s.mcp, s.mcpPath)))
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

type toolResponse struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	ReadOnly    bool         `json:"read_only"`
	Params      []tool.Param `json:"params"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := s.registry.Tools()
	out := make([]toolResponse, 0, len(tools))
	for _, t := range tools {
		params := t.Params
		if params == nil {
			params = []tool.Param{}
		}
		out = append(out, toolResponse{
			Name:        t.Name,
			Description: t.Description,
			ReadOnly:    t.ReadOnly,
			Params:      params,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	points, err := s.metrics.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("collecting metrics failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "failed to collect metrics")
		return
	}
	if points == nil {
		points = []fmotel.MetricPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

// --- Middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := s.defaultUser
		if s.authenticator != nil {
			authenticated, err := s.authenticator.Authenticate(r)
			if err != nil {
				s.logger.Debug("authentication failed", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				w.Header().Set("WWW-Authenticate", `Token realm="frappemcp"`)
				code, message := "UNAUTHORIZED", "invalid credentials"
				if errors.Is(err, auth.ErrMissingCredentials) {
					message = "authentication required"
				}
				writeError(w, http.StatusUnauthorized, code, message)
				return
			}
			user = authenticated
		}
		next.ServeHTTP(w, r.WithContext(session.WithUser(r.Context(), user)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version")
		w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

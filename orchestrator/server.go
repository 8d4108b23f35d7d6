// Package orchestrator implements C7: the HTTP surface that classifies
// intent, retrieves prior memories by vector similarity, optionally
// performs a single bounded tool-use turn, and persists a typed event
// trail.
package orchestrator

import (
	"net/http"

	operator "github.com/aiop/operator"
	"github.com/aiop/operator/eventlog"
	"github.com/aiop/operator/inference"
	"github.com/aiop/operator/orchestrator/middleware"
	"github.com/aiop/operator/store"
	"github.com/aiop/operator/tool"
)

// Server holds the dependencies /ask, /trace, /healthz, and /readyz are
// built from. Store, ToolRegistry, and Inference are process-wide
// singletons the caller constructs once at startup; Server only wires
// them into an http.Handler.
type Server struct {
	store     store.Store
	inference inference.Inference
	registry  *tool.Registry
	events    *eventlog.Writer
	cfg       operator.Config
	logger    operator.Logger
}

// New builds a Server from its dependencies.
func New(st store.Store, inf inference.Inference, registry *tool.Registry, cfg operator.Config, logger operator.Logger) *Server {
	if logger == nil {
		logger = operator.NoopLogger()
	}
	return &Server{
		store:     st,
		inference: inf,
		registry:  registry,
		events:    eventlog.NewWriter(st),
		cfg:       cfg,
		logger:    logger,
	}
}

// Handler builds the routed, middleware-wrapped http.Handler: run-id
// correlation, then one-line JSON request logging, applied to every
// route, plus a per-remote-address rate limiter scoped to /ask.
func (s *Server) Handler(limiter *middleware.PerAddressLimiter) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /trace/{run_id}", s.handleTrace)

	askHandler := http.HandlerFunc(s.handleAsk)
	mux.Handle("POST /ask", middleware.RateLimit(limiter, s.logger)(askHandler))

	return middleware.RunID()(middleware.RequestLogger(s.logger)(mux))
}

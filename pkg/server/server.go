// Package server exposes the orchestrator over HTTP: agent execution and
// listing, provider status introspection, health, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/troupeai/troupe/pkg/agent"
	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/fallback"
	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/orchestrator"
	"github.com/troupeai/troupe/pkg/ratelimit"
	"github.com/troupeai/troupe/pkg/registry"
	"github.com/troupeai/troupe/pkg/tools"
)

const healthCheckTimeout = 5 * time.Second

// Server is the HTTP surface over the core.
type Server struct {
	cfg       config.ServerConfig
	orch      *orchestrator.Orchestrator
	agents    *agent.Loader
	tools     *tools.Executor
	gate      *ratelimit.RateGate
	providers *registry.Registry[llms.Provider]
	logger    *slog.Logger

	httpServer *http.Server
}

// New wires the HTTP server. Call Start to serve.
func New(
	cfg config.ServerConfig,
	orch *orchestrator.Orchestrator,
	agents *agent.Loader,
	toolExec *tools.Executor,
	gate *ratelimit.RateGate,
	providers *registry.Registry[llms.Provider],
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		orch:      orch,
		agents:    agents,
		tools:     toolExec,
		gate:      gate,
		providers: providers,
		logger:    logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/{id}/execute", s.handleExecute)
		r.Get("/providers/status", s.handleProviderStatus)
	})
	return r
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

type executeRequest struct {
	UserID string `json:"user_id"`
	Task   string `json:"task"`
	Mode   string `json:"mode,omitempty"`
}

type errorResponse struct {
	Error     string             `json:"error"`
	Kind      string             `json:"kind,omitempty"`
	Available []string           `json:"available_agents,omitempty"`
	Attempts  []fallback.Attempt `json:"attempts,omitempty"`
	Hint      string             `json:"hint,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.UserID == "" || req.Task == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id and task are required"})
		return
	}
	mode := orchestrator.Mode(req.Mode)
	if mode != "" && mode != orchestrator.ModeNormal && mode != orchestrator.ModeYolo {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown mode %q", req.Mode)})
		return
	}

	result, err := s.orch.Execute(r.Context(), req.UserID, agentID, req.Task, mode)
	if err != nil {
		s.writeExecuteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// writeExecuteError maps the failure taxonomy onto HTTP statuses.
func (s *Server) writeExecuteError(w http.ResponseWriter, err error) {
	var notFound *orchestrator.AgentNotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error:     notFound.Error(),
			Kind:      "agent_not_found",
			Available: notFound.Available,
		})
		return
	}

	var exhausted *fallback.ChainExhaustedError
	if errors.As(err, &exhausted) {
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:    exhausted.Error(),
			Kind:     string(llms.FailureChainExhausted),
			Attempts: exhausted.Attempts,
			Hint:     "inspect GET /v1/providers/status",
		})
		return
	}

	kind := llms.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case llms.FailureBadRequest:
		status = http.StatusBadRequest
	case llms.FailureAuthFailed:
		status = http.StatusBadGateway
	case llms.FailureCancelled:
		// Client went away; 499 is the de-facto convention.
		status = 499
	case llms.FailureRateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}

type agentListing struct {
	agent.Summary
	AvailableTools []string `json:"available_tools,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	defs := s.agents.List()
	toolNames := s.tools.Names()
	out := make([]agentListing, 0, len(defs))
	for _, def := range defs {
		out = append(out, agentListing{
			Summary:        def.Summarize(),
			AvailableTools: toolNames,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// providerStatus extends the rate-state snapshot with a live health probe.
type providerStatus struct {
	ratelimit.ProviderStatus
	Healthy bool `json:"healthy"`
}

func (s *Server) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.gate.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	out := make([]providerStatus, len(statuses))
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i, st := range statuses {
		out[i] = providerStatus{ProviderStatus: st}
		provider, ok := s.providers.Get(st.Name)
		if !ok {
			continue
		}
		g.Go(func() error {
			out[i].Healthy = provider.HealthCheck(gctx)
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

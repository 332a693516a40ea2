// Package server exposes the runtime over HTTP and server-sent events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/contextpack"
	"github.com/haasonsaas/strand/internal/engine"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/internal/runs"
	"github.com/haasonsaas/strand/internal/skills"
	"github.com/haasonsaas/strand/internal/stream"
	"github.com/haasonsaas/strand/internal/toolkit"
	"github.com/haasonsaas/strand/pkg/models"
)

// Options wires the server's collaborators. Manager, Kernel, and Provider
// are required; the rest default to working implementations.
type Options struct {
	Config    *config.Config
	Manager   *runs.Manager
	Kernel    *toolkit.Kernel
	Provider  engine.StepProvider
	Skills    *skills.Registry
	Assembler *contextpack.Assembler
	Memory    *memory.Service
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Tracer    trace.Tracer
	Version   string
}

// Server serves the run API and drives run execution.
type Server struct {
	config    *config.Config
	manager   *runs.Manager
	kernel    *toolkit.Kernel
	adapter   *engine.Adapter
	broker    *stream.Broker
	skills    *skills.Registry
	assembler *contextpack.Assembler
	memory    *memory.Service
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	tracer    trace.Tracer
	version   string
	logger    *slog.Logger

	httpServer  *http.Server
	unsubscribe func()
}

// New assembles a server from its collaborators.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{Port: config.DefaultPort}
	}
	assembler := opts.Assembler
	if assembler == nil {
		assembler = contextpack.NewAssembler("")
	}
	metrics := opts.Metrics
	gatherer := opts.Gatherer
	if metrics == nil {
		reg := prometheus.NewRegistry()
		metrics = observability.NewMetrics(reg)
		gatherer = reg
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("strand")
	}

	s := &Server{
		config:    cfg,
		manager:   opts.Manager,
		kernel:    opts.Kernel,
		adapter:   engine.NewAdapter(opts.Manager, opts.Kernel, opts.Provider),
		broker:    stream.NewBroker(opts.Manager),
		skills:    opts.Skills,
		assembler: assembler,
		memory:    opts.Memory,
		metrics:   metrics,
		gatherer:  gatherer,
		tracer:    tracer,
		version:   opts.Version,
		logger:    slog.Default().With("component", "server"),
	}
	s.unsubscribe = s.manager.OnEvent(s.recordEventMetrics)
	return s
}

// Handler returns the routed HTTP handler, wrapped with request metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /v1/runs/{runId}/events", s.handleRunEvents)
	mux.HandleFunc("POST /v1/approvals/{approvalId}", s.handleResolveApproval)
	mux.HandleFunc("GET /v1/sessions/list", s.handleListSessions)
	mux.HandleFunc("GET /v1/sessions/{sessionId}/state", s.handleSessionState)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return s.instrument(mux)
}

// Start listens and serves until Shutdown. It returns once the listener is
// bound; serve errors are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.config.Addr(), err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("listening", "addr", listener.Addr().String())
	return nil
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// instrument wraps the mux with per-route counters and latency histograms.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, fmt.Sprint(rec.status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// recordEventMetrics translates the event stream into counters, keeping the
// metrics path out of the run-critical emission code.
func (s *Server) recordEventMetrics(ev *models.Event) {
	switch ev.Type {
	case models.EventRunStarted:
		s.metrics.RunsStarted.Inc()
	case models.EventRunCompleted, models.EventRunFailed:
		state := "completed"
		if ev.Type == models.EventRunFailed {
			state = "failed"
		}
		s.metrics.RunsFinished.WithLabelValues(state).Inc()
		if record, err := s.manager.GetRun(ev.RunID); err == nil {
			s.metrics.RunDuration.Observe(time.Since(record.CreatedAt).Seconds())
		}
	case models.EventToolResult:
		var payload models.ToolResultPayload
		if json.Unmarshal(ev.Payload, &payload) == nil && payload.ToolID != "" {
			s.metrics.ToolExecutions.WithLabelValues(payload.ToolID, "success").Inc()
		}
	case models.EventEngineResponse:
		model := "unknown"
		if record, err := s.manager.GetRun(ev.RunID); err == nil && record.Model != "" {
			model = record.Model
		}
		s.metrics.EngineSteps.WithLabelValues(model).Inc()
		var payload models.EngineResponsePayload
		if json.Unmarshal(ev.Payload, &payload) == nil {
			s.metrics.EngineTokens.WithLabelValues(model, "output").Add(float64(payload.OutputTokens))
		}
	case models.EventApprovalRequested, models.EventApprovalResolved:
		s.metrics.ApprovalsPending.Set(float64(s.manager.Gate().Size()))
	}
}

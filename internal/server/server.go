// Package server exposes the engine over HTTP: record and outcome
// intake, on-demand evaluation, result and alert queries, the alert and
// mitigation lifecycles, monitoring status, and the audit export. All
// mutating flows delegate to the intake service and the evaluation
// runner; handlers only translate HTTP to those calls and back.
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halcyon-health/equilens/internal/audit"
	"github.com/halcyon-health/equilens/internal/auth"
	"github.com/halcyon-health/equilens/internal/evaluate"
	"github.com/halcyon-health/equilens/internal/ingest"
	"github.com/halcyon-health/equilens/internal/metrics"
	"github.com/halcyon-health/equilens/internal/monitor"
	"github.com/halcyon-health/equilens/internal/store"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultWindowSpan   = 168 * time.Hour
	DefaultRatePerSec   = 50
	DefaultRateBurst    = 100
	DefaultMaxBodyBytes = 1 << 20
)

// Options wires the HTTP layer. Ingest, Runner, and the three stores
// are required; Monitor and Audit are optional and their endpoints
// answer 503 when absent.
type Options struct {
	Ingest  *ingest.Service
	Runner  *evaluate.Runner
	Results store.ResultStore
	Alerts  store.AlertStore
	Actions store.ActionStore
	Monitor *monitor.Monitor
	Audit   *audit.Log
	Metrics *metrics.Metrics

	// Auth enforces the gateway identity contract when set; nil leaves
	// the API open, which is only sensible behind a private listener.
	Auth *auth.Config

	// Gatherer backs /metrics; nil falls back to the default registry.
	Gatherer prometheus.Gatherer
	// MetricsUser/MetricsPass guard /metrics with basic auth when set.
	MetricsUser string
	MetricsPass string

	// WindowSpan is the rolling window length used when an evaluation
	// request does not name one.
	WindowSpan time.Duration
	// RatePerSec/RateBurst bound per-source ingest throughput.
	RatePerSec float64
	RateBurst  int
	// MaxBodyBytes caps request bodies on the intake endpoints.
	MaxBodyBytes int64

	Logger *zap.Logger
}

// Server is the HTTP front of the engine.
type Server struct {
	ingest   *ingest.Service
	runner   *evaluate.Runner
	results  store.ResultStore
	alerts   store.AlertStore
	actions  store.ActionStore
	monitor  *monitor.Monitor
	auditLog *audit.Log
	metrics  *metrics.Metrics
	authCfg  *auth.Config

	gatherer    prometheus.Gatherer
	metricsUser string
	metricsPass string

	windowSpan time.Duration
	maxBody    int64
	limiter    *sourceLimiter

	logger *zap.Logger
	router chi.Router
}

// New validates the wiring and builds the route tree.
func New(opts Options) (*Server, error) {
	switch {
	case opts.Ingest == nil:
		return nil, fmt.Errorf("server: ingest service is required")
	case opts.Runner == nil:
		return nil, fmt.Errorf("server: evaluation runner is required")
	case opts.Results == nil:
		return nil, fmt.Errorf("server: result store is required")
	case opts.Alerts == nil:
		return nil, fmt.Errorf("server: alert store is required")
	case opts.Actions == nil:
		return nil, fmt.Errorf("server: action store is required")
	}
	if opts.WindowSpan <= 0 {
		opts.WindowSpan = DefaultWindowSpan
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = DefaultRatePerSec
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = DefaultRateBurst
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		ingest:      opts.Ingest,
		runner:      opts.Runner,
		results:     opts.Results,
		alerts:      opts.Alerts,
		actions:     opts.Actions,
		monitor:     opts.Monitor,
		auditLog:    opts.Audit,
		metrics:     opts.Metrics,
		authCfg:     opts.Auth,
		gatherer:    opts.Gatherer,
		metricsUser: opts.MetricsUser,
		metricsPass: opts.MetricsPass,
		windowSpan:  opts.WindowSpan,
		maxBody:     opts.MaxBodyBytes,
		limiter:     newSourceLimiter(opts.RatePerSec, opts.RateBurst),
		logger:      opts.Logger,
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.authCfg != nil {
		r.Use(auth.Middleware(s.authCfg))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.limitIngest)
			r.Post("/records", s.handleIngestRecords)
			r.Post("/outcomes", s.handleBindOutcomes)
		})

		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/results", s.handleListResults)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/{id}/acknowledge", s.handleAcknowledgeAlert)
			r.Post("/{id}/resolve", s.handleResolveAlert)
		})

		r.Route("/mitigations", func(r chi.Router) {
			r.Get("/", s.handleListMitigations)
			r.Post("/{id}/apply", s.handleApplyMitigation)
		})

		r.Route("/monitor", func(r chi.Router) {
			r.Get("/status", s.handleMonitorStatus)
			r.Get("/status/{model}", s.handleModelStatus)
			r.Get("/history/{model}", s.handleModelHistory)
			r.Post("/baseline/{model}", s.handleReplaceBaseline)
		})

		r.Get("/audit/export", s.handleAuditExport)
	})

	return r
}

// metricsHandler serves the configured gatherer, behind basic auth when
// credentials are set.
func (s *Server) metricsHandler() http.Handler {
	var h http.Handler
	if s.gatherer != nil {
		h = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	} else {
		h = promhttp.Handler()
	}
	if s.metricsUser == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsUser || pass != s.metricsPass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// limitIngest applies the per-source token bucket to the intake
// endpoints. Other routes are operator traffic and stay unthrottled.
func (s *Server) limitIngest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			// RealIP middleware strips the port when a forwarding
			// header is present.
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			w.Header().Set("Retry-After", "1")
			respondError(w, http.StatusTooManyRequests, "ingest rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sourceLimiter hands out one token bucket per client address.
type sourceLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rate    rate.Limit
	burst   int
}

func newSourceLimiter(perSec float64, burst int) *sourceLimiter {
	return &sourceLimiter{
		buckets: make(map[string]*rate.Limiter),
		rate:    rate.Limit(perSec),
		burst:   burst,
	}
}

func (l *sourceLimiter) allow(source string) bool {
	l.mu.Lock()
	lim, ok := l.buckets[source]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.buckets[source] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

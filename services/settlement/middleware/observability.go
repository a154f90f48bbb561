package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// RequestIDHeader carries the request identifier in both directions.
const RequestIDHeader = "X-Request-ID"

const contextKeyRequestID contextKey = "settle.request_id"

// RequestIDFrom returns the identifier assigned by RequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}

// RequestID propagates a caller supplied X-Request-ID or assigns a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, id)))
	})
}

type ObservabilityConfig struct {
	MetricsPrefix string
	LogRequests   bool
}

// Observability records per-route request counts and latency.
type Observability struct {
	cfg       ObservabilityConfig
	logger    *slog.Logger
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

func NewObservability(cfg ObservabilityConfig, logger *slog.Logger, registerer prometheus.Registerer) *Observability {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "settle_api"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the settlement API.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	registerer.MustRegister(requests, durations)
	return &Observability{cfg: cfg, logger: logger, requests: requests, durations: durations}
}

func (o *Observability) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		duration := time.Since(start)
		o.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		o.durations.WithLabelValues(route, r.Method).Observe(duration.Seconds())
		if o.cfg.LogRequests {
			o.logger.Info("http request",
				slog.String("request_id", RequestIDFrom(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", recorder.status),
				slog.Duration("duration", duration))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

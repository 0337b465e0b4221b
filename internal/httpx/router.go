package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the per-service prometheus registry and request collectors.
// Each service carries its own registry so `dgcd all` can run every service
// in one process without collector collisions.
type Metrics struct {
	Registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(service string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "dgc",
			Name:        "http_requests_total",
			Help:        "HTTP requests by method and status.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "dgc",
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// Counter registers and returns a plain domain counter on this registry.
func (m *Metrics) Counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "dgc", Name: name, Help: help})
	m.Registry.MustRegister(c)
	return c
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// BaseRouter builds the router skeleton every service shares: CORS, request
// logging, request metrics, /health and /metrics.
func BaseRouter(service string, log *logrus.Entry, m *Metrics) chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, req)
			elapsed := time.Since(start)
			if m != nil {
				m.requests.WithLabelValues(req.Method, strconv.Itoa(sw.status)).Inc()
				m.duration.WithLabelValues(req.Method).Observe(elapsed.Seconds())
			}
			log.WithFields(logrus.Fields{
				"method":  req.Method,
				"path":    req.URL.Path,
				"status":  sw.status,
				"elapsed": elapsed.String(),
			}).Debug("request")
		})
	})
	r.Get("/health", Health(service))
	if m != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

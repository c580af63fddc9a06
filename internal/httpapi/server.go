// Package httpapi exposes the pipeline over HTTP: GET /sub for
// subscription-client style conversion, POST /api/convert for full
// configuration control, plus /healthz and /metrics.
package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/John-Robertt/subpipe/internal/pipeline"
)

type server struct {
	orch   *pipeline.Orchestrator
	opt    Options
	logger *zap.Logger
}

// NewHandler returns the production handler (mux + observability
// middleware). logger may be nil.
func NewHandler(orch *pipeline.Orchestrator, opt Options, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return withObservability(NewMux(orch, opt, logger), logger)
}

// NewMux returns the bare routing table. Tests use it directly to avoid
// noisy logs.
func NewMux(orch *pipeline.Orchestrator, opt Options, logger *zap.Logger) *http.ServeMux {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{orch: orch, opt: opt.withDefaults(), logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", handleMetrics)
	mux.HandleFunc("GET /sub", s.handleSub)
	mux.HandleFunc("POST /api/convert", s.handleConvert)
	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "ok\n")
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func withObservability(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}

		pattern := r.Pattern
		if pattern == "" {
			// Keep it low-cardinality; never log RawQuery, it carries
			// subscription URLs with embedded secrets.
			pattern = r.Method + " " + r.URL.Path
		}

		metricsIncRequest(pattern, status)

		if r.URL.Path != "/healthz" && r.URL.Path != "/metrics" {
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("pattern", pattern),
				zap.Int("status", status),
				zap.Duration("dur", time.Since(start).Round(time.Millisecond)),
				zap.Int("bytes", sw.bytes))
		}
	})
}

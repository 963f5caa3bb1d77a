package server

import (
	"net/http"
	"runtime/debug"
	"time"

	"stampd/internal/httpx"
	"stampd/internal/logging"
)

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestIDMiddleware assigns a request id, honoring one the client
// already sent, and threads it through the response header and the
// request context.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = httpx.NewRequestID()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// accessLogMiddleware writes one line per request and feeds the HTTP
// counters.
func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		if s.requests != nil {
			s.requests.Inc()
			s.duration.Observe(elapsed.Seconds())
			if rec.status >= 500 {
				s.requestsFail.Inc()
			}
		}

		s.log.WithRequestID(logging.RequestIDFromContext(r.Context())).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// recoverMiddleware converts a handler panic into a 500 instead of
// tearing down the listener. Daemon-level crash dumps stay with the
// process supervisor; a request panic only loses that request.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				httpx.WriteError(w, http.StatusInternalServerError,
					"INTERNAL", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps request bodies at the configured size.
// Annotation payloads carry signature image data, so the cap must stay
// generous.
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// span opens a child span under the request's server span. The returned
// request carries the child context; end is always safe to call.
func (s *Server) span(r *http.Request, name string) (*http.Request, func()) {
	if s.tracer == nil {
		return r, func() {}
	}
	ctx, sp := s.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), sp.End
}

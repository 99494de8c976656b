package http

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/adamPlusPlus/allogi-sub000/internal/core/errclass"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/services"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError classifies err, mirrors it into the recursive stream via the
// classifier and writes the envelope with the category's status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	rc := errclass.RequestContext{
		Endpoint:   r.URL.Path,
		Method:     r.Method,
		SourceID:   r.Header.Get("X-Source-ID"),
		RemoteAddr: remoteHost(r),
	}
	env := s.classifier.Classify(err, rc)

	if s.metrics != nil {
		s.metrics.RecordError(env.Category)
	}
	RecordClassifiedError(string(env.Category))

	writeJSON(w, env.Category.HTTPStatus(), errclass.Response{
		Error:      env,
		RequestID:  middleware.GetReqID(r.Context()),
		ServerTime: time.Now().UTC(),
	})
}

// sourceKey is the rate-limit bucket key for a request.
func sourceKey(r *http.Request) string {
	if id := r.Header.Get("X-Source-ID"); id != "" {
		return id
	}
	return remoteHost(r)
}

// sourceInfo carries the producer identity headers into the ingest layer.
func sourceInfo(r *http.Request) services.SourceInfo {
	return services.SourceInfo{
		ID:       r.Header.Get("X-Source-ID"),
		Type:     r.Header.Get("X-Source-Type"),
		Fallback: remoteHost(r),
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestLogger logs one line per completed request through the shared
// structured logger. Websocket upgrades are logged on disconnect, which
// would be misleading, so they are skipped.
func requestLogger(next http.Handler) http.Handler {
	log := logger.Component("http")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

// rateLimit applies the per-source token bucket to ingest routes. Limiter
// backend failures fail open; only an explicit deny produces a 429.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, err := s.limiter.Allow(r.Context(), sourceKey(r))
		if err == nil && !allowed {
			s.writeError(w, r, errclass.Newf(errclass.CategoryRateLimit,
				"source %q exceeded its ingest rate", sourceKey(r)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

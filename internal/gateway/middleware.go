package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/braidhq/braid/internal/auth"
	"github.com/braidhq/braid/internal/reqctx"
)

// withAuth resolves the bearer identity and rejects requests it cannot map
// to a user. Handlers behind it read the user with auth.UserFromContext.
func (s *Server) withAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

// withObservability assigns the request id and records the access log and
// metrics for every request.
func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := reqctx.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		// The mux stamps the matched pattern on the request it serves, so
		// keep the clone around to read it afterwards.
		r = r.WithContext(ctx)
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		s.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", duration,
			"remote_addr", r.RemoteAddr,
		)
		if s.metrics != nil {
			// The matched pattern keeps the label cardinality bounded; raw
			// paths carry per-conversation ids.
			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(wrapped.status), duration.Seconds())
		}
	})
}

// statusWriter captures the response status while keeping the streaming and
// hijacking capabilities the SSE and WebSocket handlers rely on.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strings"
	"time"

	"fieldscan/internal/logger"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack passes through to the underlying writer for websocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// LoggingMiddleware logs every API request with its status and duration.
// Static files and polled endpoints are logged at debug level.
func LoggingMiddleware(logger *logger.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start).Round(time.Millisecond)
		switch {
		case rec.status >= http.StatusInternalServerError:
			logger.Warning("%s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, elapsed)
		case !strings.HasPrefix(r.URL.Path, "/api/") ||
			r.URL.Path == "/api/status" ||
			r.URL.Path == "/api/preview":
			logger.Debug("%s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, elapsed)
		default:
			logger.Info("%s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, elapsed)
		}
	})
}

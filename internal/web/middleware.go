package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/justestif/site-sync/internal/logger"
)

// requestLogger logs one line per request through the shared zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.DebugCtx(r.Context(), "HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// requireAPIKey accepts "Authorization: Bearer <key>" for any configured key.
// With no keys configured every request is rejected.
func requireAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || !validAPIKey(strings.TrimSpace(token), keys) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validAPIKey(token string, keys []string) bool {
	if token == "" {
		return false
	}
	valid := false
	for _, key := range keys {
		if key == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

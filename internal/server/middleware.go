package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jo-hoe/meshd/internal/common"
)

// requestLogger logs one line per request after it completes. Health probes are logged at debug
// level, client errors as warnings and server errors as errors.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				attrs := []any{
					"request_id", middleware.GetReqID(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start).String(),
					"remote", r.RemoteAddr,
				}
				switch {
				case status >= http.StatusInternalServerError:
					log.Error("http", attrs...)
				case status >= http.StatusBadRequest:
					log.Warn("http", attrs...)
				case r.URL.Path == common.PathHealthz || r.URL.Path == common.PathMetrics:
					log.Debug("http", attrs...)
				default:
					log.Info("http", attrs...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

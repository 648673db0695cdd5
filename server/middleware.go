package server

import (
	"net/http"

	"github.com/airbusgeo/geofed/service/log"
	"github.com/google/uuid"
)

// RequestID tags the request context with a correlation id for log grouping.
// An inbound X-Request-Id is honored so callers can chain their own ids.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, req.WithContext(log.With(req.Context(), "request", id)))
	})
}

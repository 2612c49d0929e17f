package api

import (
	"net/http"
	"strings"
	"time"
)

// actorHeader names the caller recorded in audit records.
const actorHeader = "X-Reportoor-Actor"

const anonymousActor = "anonymous"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// actorFromRequest returns the caller named in the actor header.
func actorFromRequest(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get(actorHeader)); actor != "" {
		return actor
	}

	return anonymousActor
}

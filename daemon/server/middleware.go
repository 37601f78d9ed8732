package server

import (
	"net/http"

	"github.com/containerd/log"
)

// requestLogger logs every request at debug level with its route fields.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.G(r.Context()).WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"remote": r.RemoteAddr,
		}).Debug("handling request")
		next.ServeHTTP(w, r)
	})
}

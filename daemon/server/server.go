// Package server is the HTTP boundary of the supervisor. It owns routing,
// multipart intake, and the translation of engine errors to status codes;
// all real work happens in the daemon.
package server

import (
	"net/http"

	metrics "github.com/docker/go-metrics"
	"github.com/gorilla/mux"

	"github.com/wasmiot/supervisor/daemon"
	"github.com/wasmiot/supervisor/daemon/device"
	"github.com/wasmiot/supervisor/daemon/discovery"
)

// Server handles the supervisor's HTTP API.
type Server struct {
	sup    *daemon.Supervisor
	probes *device.Probes
	// adv is nil when discovery is disabled.
	adv    *discovery.Advertiser
	router *mux.Router
}

// New builds the server and its routes.
func New(sup *daemon.Supervisor, probes *device.Probes, adv *discovery.Advertiser) *Server {
	s := &Server{sup: sup, probes: probes, adv: adv}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return requestLogger(s.router)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/.well-known/wasmiot-device-description", s.deviceDescription).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/wot-thing-description", s.thingDescription).Methods(http.MethodGet)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	// The orchestrator requests the health path with a doubled slash.
	r.HandleFunc("//health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/register", s.registerOrchestrator).Methods(http.MethodPost)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/deploy", s.deploymentList).Methods(http.MethodGet)
	r.HandleFunc("/deploy", s.deploymentCreate).Methods(http.MethodPost)
	r.HandleFunc("/deploy/{deploymentID}", s.deploymentDelete).Methods(http.MethodDelete)

	r.HandleFunc("/module_results/{deploymentID}/{module}/{filename}", s.moduleResult).Methods(http.MethodGet)

	r.HandleFunc("/request-history", s.historyList).Methods(http.MethodGet)
	r.HandleFunc("/request-history/{requestID}", s.historyGet).Methods(http.MethodGet)

	r.HandleFunc("/{deploymentID}/modules/{module}/{function}/{filename}", s.runModuleFunction).Methods(http.MethodGet)
	r.HandleFunc("/{deploymentID}/modules/{module}/{function}", s.runModuleFunction).
		Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete)

	return r
}

// Package api serves the read-mostly client API over HTTP: instance status
// for observability and the administrative state override.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/gitter-badger/rVRRPd/pkg/config"
	"github.com/gitter-badger/rVRRPd/pkg/core"
	"github.com/gitter-badger/rVRRPd/pkg/vrrp"
)

// Server exposes the dispatcher's admin surface over HTTP.
type Server struct {
	cfg        config.APIConfig
	dispatcher *core.Dispatcher
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.APIConfig, dispatcher *core.Dispatcher, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "api").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/v1/instances", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/v1/instances/{id:.+}/state", s.handleForceState).Methods(http.MethodPost)
	r.HandleFunc("/v1/instances/{id:.+}", s.handleGet).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Close is called. It blocks; run
// it in a goroutine.
func (s *Server) Start() {
	s.logger.Info().Str("listen", s.cfg.Listen).Msg("Client API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error().Err(err).Msg("Client API server failed")
	}
}

// Close shuts the listener down.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Statuses())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := s.dispatcher.InstanceStatus(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleForceState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	state, err := vrrp.ParseState(req.State)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.dispatcher.ForceState(id, state); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	s.logger.Warn().Str("id", id).Str("state", req.State).Msg("State forced via API")
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

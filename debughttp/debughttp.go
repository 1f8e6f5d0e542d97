// Package debughttp exposes a minimal gorilla/mux-routed HTTP surface
// for inspecting live sessions and their recent trace history. It is a
// trimmed-down counterpart of the teacher's server package: no embedded
// web UI, no HTMX fragments, just the JSON routes an operator needs.
package debughttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"pushmonitor/reactor"
	"pushmonitor/tracelog"
)

// Server is the debug HTTP surface for one reactor client.
type Server struct {
	addr       string
	client     *reactor.Client
	trace      *tracelog.Writer
	router     *mux.Router
	httpServer *http.Server
}

// New creates a debug server bound to addr, reporting on client's
// sessions and reading trace history from trace.
func New(addr string, client *reactor.Client, trace *tracelog.Writer) *Server {
	s := &Server{
		addr:   addr,
		client: client,
		trace:  trace,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/").Subrouter()
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}/trace", s.handleSessionTrace).Methods("GET")
}

type sessionStatus struct {
	MonitorID uint32 `json:"monitorId"`
	State     string `json:"state"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.client.Sessions()
	out := make([]sessionStatus, 0, len(sessions))
	for id, state := range sessions {
		out = append(out, sessionStatus{MonitorID: id, State: state.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionTrace(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}

	entries, err := s.trace.Tail(id, n)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading trace: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("debughttp: failed to encode response: %v", err)
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		log.Info("debughttp: context done, shutting down")
		s.httpServer.Shutdown(context.Background())
	}()

	log.Infof("debughttp: listening on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// StatusHandler serves an observability surface over HTTP: a JSON
// snapshot at GET /status and a live ConnectionEvent feed over a
// WebSocket at GET /status/events.
//
// Grounded on the teacher's agent/rest_agent.go, which wires a
// *gorilla/mux.Router into a handful of JSON endpoints; the live feed
// generalizes that to gorilla/websocket since a plain HTTP response
// can't stream events as they happen.
type StatusHandler struct {
	router   *mux.Router
	server   *Server
	upgrader websocket.Upgrader
}

// NewStatusHandler builds an http.Handler exposing s's live state.
func NewStatusHandler(s *Server) *StatusHandler {
	h := &StatusHandler{
		router: mux.NewRouter(),
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.router.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	h.router.HandleFunc("/status/events", h.handleEvents).Methods(http.MethodGet)
	return h
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type statusSnapshot struct {
	Identity        interface{} `json:"identity"`
	ActiveConnections int       `json:"active_connections"`
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.server.connMu.Lock()
	active := len(h.server.conns)
	h.server.connMu.Unlock()

	snapshot := statusSnapshot{Identity: h.server.identity, ActiveConnections: active}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		log.WithError(err).Warn("unisonserver: failed to write status response")
	}
}

// handleEvents upgrades to a WebSocket and relays ConnectionEvents
// until a write to the WebSocket fails; a client that has gone away is
// noticed at the next event relayed to it.
func (h *StatusHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("unisonserver: websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.server.SubscribeConnectionEvents()
	defer unsubscribe()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for game sessions.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	sink              CommandSink
}

// NewWebSocketHandler creates a WebSocket handler.
func NewWebSocketHandler(cm *ConnectionManager, sink CommandSink) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		sink:              sink,
	}
}

// HandleGameConnection connects a participant to a session. Participants
// address the session by PIN; the host additionally presents its verified
// identity, players a display name.
func (h *WebSocketHandler) HandleGameConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	pin := q.Get("pin")
	if pin == "" {
		http.Error(w, "pin is required", http.StatusBadRequest)
		return
	}

	role := Role(q.Get("role"))
	if role == "" {
		role = RolePlayer
	}

	ctx := r.Context()
	if err := h.sink.EnsureLive(ctx, pin); err != nil {
		http.Error(w, "unknown or expired pin", http.StatusNotFound)
		return
	}

	switch role {
	case RoleHost:
		h.connectHost(w, r, pin)
	case RolePlayer:
		h.connectPlayer(w, r, pin)
	default:
		http.Error(w, "invalid role", http.StatusBadRequest)
	}
}

func (h *WebSocketHandler) connectHost(w http.ResponseWriter, r *http.Request, pin string) {
	// The identity header is populated by the auth collaborator in front
	// of this service.
	identity := r.Header.Get("X-Host-Identity")
	if identity == "" {
		identity = r.URL.Query().Get("host")
	}
	if identity == "" {
		http.Error(w, "host identity is required", http.StatusUnauthorized)
		return
	}

	if err := h.sink.AuthorizeHost(r.Context(), pin, identity); err != nil {
		log.Warn().Err(err).Str("pin", pin).Str("identity", identity).Msg("host connection refused")
		http.Error(w, "not the host of this session", http.StatusForbidden)
		return
	}

	conn, err := h.connectionManager.Upgrade(w, r, pin, RoleHost, identity)
	if err != nil {
		log.Error().Err(err).Str("pin", pin).Msg("failed to upgrade host connection")
		return
	}

	if err := h.connectionManager.RegisterHost(conn); err != nil {
		conn.Conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(h.connectionManager.config.WriteTimeout),
		)
		conn.Conn.Close()
		return
	}

	conn.start()
	h.sink.HostConnected(pin)
}

func (h *WebSocketHandler) connectPlayer(w http.ResponseWriter, r *http.Request, pin string) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "display name is required", http.StatusBadRequest)
		return
	}

	// Admission is decided by the session worker before the upgrade, so
	// simultaneous joins under the same name resolve deterministically.
	if err := h.sink.Join(r.Context(), pin, name); err != nil {
		log.Debug().Err(err).Str("pin", pin).Str("player", name).Msg("join refused")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	conn, err := h.connectionManager.Upgrade(w, r, pin, RolePlayer, name)
	if err != nil {
		log.Error().Err(err).Str("pin", pin).Str("player", name).Msg("failed to upgrade player connection")
		return
	}

	h.connectionManager.RegisterPlayer(conn)
	conn.start()
}

// HandleConnectionStats returns statistics about active connections.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	sessions, connections := h.connectionManager.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"active_sessions":   sessions,
		"total_connections": connections,
	})
}

// RegisterRoutes registers WebSocket routes with an HTTP mux.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/game", h.HandleGameConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/go/internal/game/events"
)

// ErrHostAlreadyConnected is returned when a second connection claims the
// host role while the current host is still alive.
var ErrHostAlreadyConnected = errors.New("host already connected")

// Role distinguishes the single authoritative host connection from player
// connections.
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// ConnectionManager tracks the one host connection and N player connections
// per session, and fans server events out to them. Delivery is best-effort
// per connection: a slow or dead connection is torn down without blocking
// the rest.
type ConnectionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionConns

	upgrader websocket.Upgrader
	config   ConnectionConfig
	sink     CommandSink

	broadcastCh chan broadcastMessage
}

// sessionConns is the connection registry for one PIN.
type sessionConns struct {
	host    *Connection
	players map[string]*Connection
}

// Connection represents one WebSocket participant.
type Connection struct {
	ID      string
	PIN     string
	Role    Role
	Name    string // display name for players, verified identity for the host
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time

	pingMu   sync.Mutex
	lastPing time.Time

	// sendMu guards Send against the close/send race: the pumps close the
	// channel on teardown while the router is still delivering to it.
	sendMu     sync.Mutex
	sendClosed bool
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool

	// HostStaleAfter is how long since the last host ping before a
	// takeover by a new host connection is permitted.
	HostStaleAfter time.Duration
}

// broadcastMessage targets either every player of a session, one player, or
// the host.
type broadcastMessage struct {
	pin      string
	event    *events.GameEvent
	role     Role
	player   string // only for role == RolePlayer with a single target
	allOfPIN bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		HostStaleAfter: 75 * time.Second,
	}
}

// NewConnectionManager creates a connection manager. The command sink is
// bound separately, after the engine exists, because the engine in turn
// broadcasts through the manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[string]*sessionConns),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1024),
	}
}

// Start processes broadcast messages until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.deliver(message)
		}
	}
}

// RegisterHost attaches conn as the session's authoritative host. A second
// host connection is rejected unless the current one has missed heartbeats
// beyond the stale threshold, in which case a takeover replaces it.
func (cm *ConnectionManager) RegisterHost(conn *Connection) error {
	cm.mu.Lock()
	sc := cm.sessionConns(conn.PIN)
	prev := sc.host
	if prev != nil && !prev.stale(cm.config.HostStaleAfter) {
		cm.mu.Unlock()
		return ErrHostAlreadyConnected
	}
	sc.host = conn
	cm.mu.Unlock()

	if prev != nil {
		// Takeover: the previous host is confirmed dead.
		log.Warn().
			Str("pin", conn.PIN).
			Str("old_connection_id", prev.ID).
			Msg("host takeover; closing stale host connection")
		prev.closeSend()
		prev.Conn.Close()
	}

	log.Info().
		Str("pin", conn.PIN).
		Str("connection_id", conn.ID).
		Str("host", conn.Name).
		Msg("host connected")
	return nil
}

// RegisterPlayer attaches conn for a display name. A previous connection
// under the same name is superseded; the Player record and score are
// untouched.
func (cm *ConnectionManager) RegisterPlayer(conn *Connection) {
	cm.mu.Lock()
	sc := cm.sessionConns(conn.PIN)
	prev := sc.players[conn.Name]
	sc.players[conn.Name] = conn
	cm.mu.Unlock()

	if prev != nil {
		prev.closeSend()
		prev.Conn.Close()
	}

	log.Info().
		Str("pin", conn.PIN).
		Str("connection_id", conn.ID).
		Str("player", conn.Name).
		Msg("player connected")
}

func (cm *ConnectionManager) sessionConns(pin string) *sessionConns {
	sc, ok := cm.sessions[pin]
	if !ok {
		sc = &sessionConns{players: make(map[string]*Connection)}
		cm.sessions[pin] = sc
	}
	return sc
}

// unregister detaches conn if it is still the registered connection for its
// identity, and reports the loss to the engine.
func (cm *ConnectionManager) unregister(conn *Connection) {
	cm.mu.Lock()
	sc, ok := cm.sessions[conn.PIN]
	if !ok {
		cm.mu.Unlock()
		return
	}

	removed := false
	switch conn.Role {
	case RoleHost:
		if sc.host == conn {
			sc.host = nil
			removed = true
		}
	case RolePlayer:
		if sc.players[conn.Name] == conn {
			delete(sc.players, conn.Name)
			removed = true
		}
	}

	if sc.host == nil && len(sc.players) == 0 {
		delete(cm.sessions, conn.PIN)
	}
	cm.mu.Unlock()

	if !removed {
		// Superseded by a reconnect or takeover; the engine keeps the
		// session alive for the replacement connection.
		return
	}

	conn.closeSend()

	switch conn.Role {
	case RoleHost:
		cm.sink.HostDisconnected(conn.PIN)
	case RolePlayer:
		cm.sink.PlayerDisconnected(conn.PIN, conn.Name)
	}

	log.Info().
		Str("pin", conn.PIN).
		Str("connection_id", conn.ID).
		Str("role", string(conn.Role)).
		Msg("connection unregistered")
}

// BroadcastToPlayers queues an event for every player connection of pin.
func (cm *ConnectionManager) BroadcastToPlayers(pin string, event *events.GameEvent) {
	cm.queue(broadcastMessage{pin: pin, event: event, role: RolePlayer, allOfPIN: true})
}

// SendToHost queues an event for the session's host connection.
func (cm *ConnectionManager) SendToHost(pin string, event *events.GameEvent) {
	cm.queue(broadcastMessage{pin: pin, event: event, role: RoleHost})
}

// SendToPlayer queues an event for one player connection.
func (cm *ConnectionManager) SendToPlayer(pin, name string, event *events.GameEvent) {
	cm.queue(broadcastMessage{pin: pin, event: event, role: RolePlayer, player: name})
}

// DisconnectPlayer closes a player's connection, e.g. after a kick.
func (cm *ConnectionManager) DisconnectPlayer(pin, name string) {
	cm.mu.Lock()
	var conn *Connection
	if sc, ok := cm.sessions[pin]; ok {
		conn = sc.players[name]
		delete(sc.players, name)
	}
	cm.mu.Unlock()

	if conn != nil {
		conn.closeSend()
		conn.Conn.Close()
	}
}

func (cm *ConnectionManager) queue(m broadcastMessage) {
	select {
	case cm.broadcastCh <- m:
	default:
		log.Warn().Str("pin", m.pin).Str("type", string(m.event.Type)).Msg("broadcast channel full, dropping message")
	}
}

// deliver fans one message out to its target connections. A full send
// buffer marks the connection for teardown without failing delivery to
// others.
func (cm *ConnectionManager) deliver(m broadcastMessage) {
	cm.mu.RLock()
	sc, ok := cm.sessions[m.pin]
	if !ok {
		cm.mu.RUnlock()
		return
	}

	var targets []*Connection
	switch {
	case m.role == RoleHost:
		if sc.host != nil {
			targets = append(targets, sc.host)
		}
	case m.allOfPIN:
		for _, conn := range sc.players {
			targets = append(targets, conn)
		}
	default:
		if conn, ok := sc.players[m.player]; ok {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	data, err := json.Marshal(m.event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		switch conn.trySend(data) {
		case sendOK:
		case sendClosed:
			// Teardown already in progress; the registry cleans up.
		case sendBufferFull:
			log.Warn().
				Str("pin", conn.PIN).
				Str("connection_id", conn.ID).
				Str("role", string(conn.Role)).
				Msg("connection send buffer full, closing connection")
			cm.unregister(conn)
			conn.Conn.Close()
		}
	}
}

// Stats returns counts of active sessions and connections.
func (cm *ConnectionManager) Stats() (sessions, connections int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, sc := range cm.sessions {
		connections += len(sc.players)
		if sc.host != nil {
			connections++
		}
	}
	return len(cm.sessions), connections
}

// Upgrade turns an HTTP request into a registered WebSocket connection and
// starts its pumps.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, pin string, role Role, name string) (*Connection, error) {
	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade connection: %w", err)
	}

	now := time.Now()
	conn := &Connection{
		ID:          uuid.New().String(),
		PIN:         pin,
		Role:        role,
		Name:        name,
		Conn:        ws,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: now,
		lastPing:    now,
	}

	return conn, nil
}

func (c *Connection) touchPing() {
	c.pingMu.Lock()
	c.lastPing = time.Now()
	c.pingMu.Unlock()
}

func (c *Connection) stale(after time.Duration) bool {
	c.pingMu.Lock()
	defer c.pingMu.Unlock()
	return time.Since(c.lastPing) > after
}

// sendResult reports the outcome of a non-blocking delivery attempt.
type sendResult int

const (
	sendOK sendResult = iota
	sendBufferFull
	sendClosed
)

// trySend queues data on the connection's send buffer without blocking. The
// buffer lock makes delivery and closeSend mutually exclusive, so a send can
// never hit a just-closed channel.
func (c *Connection) trySend(data []byte) sendResult {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return sendClosed
	}

	select {
	case c.Send <- data:
		return sendOK
	default:
		return sendBufferFull
	}
}

func (c *Connection) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.Send)
}

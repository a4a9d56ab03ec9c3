package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/go/internal/game/events"
)

// CommandSink is the engine-facing side of the gateway: every inbound frame
// and connection lifecycle change is forwarded into it.
type CommandSink interface {
	EnsureLive(ctx context.Context, pin string) error
	AuthorizeHost(ctx context.Context, pin, identity string) error
	Join(ctx context.Context, pin, name string) error

	HandleHostCommand(pin string, cmd events.Command)
	HandlePlayerCommand(pin, name string, cmd events.Command)

	HostConnected(pin string)
	HostDisconnected(pin string)
	PlayerDisconnected(pin, name string)

	Heartbeat(ctx context.Context, pin string)
}

// start launches the connection's pumps after registration.
func (c *Connection) start() {
	go c.writePump()
	go c.readPump()
}

// writePump drains the send buffer and keeps the connection alive with
// pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump consumes inbound frames and forwards them to the engine. Host
// pongs double as session heartbeats.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.touchPing()
		if c.Role == RoleHost {
			c.Manager.sink.Heartbeat(context.Background(), c.PIN)
		}
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected close error")
			}
			break
		}

		c.handleFrame(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) handleFrame(message []byte) {
	var cmd events.Command
	if err := json.Unmarshal(message, &cmd); err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Str("pin", c.PIN).
			Msg("dropping malformed frame")
		return
	}

	switch c.Role {
	case RoleHost:
		c.Manager.sink.HandleHostCommand(c.PIN, cmd)
	case RolePlayer:
		c.Manager.sink.HandlePlayerCommand(c.PIN, c.Name, cmd)
	}
}

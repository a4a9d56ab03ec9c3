package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Service is the game gateway: it owns the connection registry and the
// broadcast router, and exposes the WebSocket endpoints.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
}

// Config holds configuration for the gateway service.
type Config struct {
	Connection ConnectionConfig
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Connection: DefaultConnectionConfig(),
	}
}

// NewService creates a gateway. Bind must be called with the command sink
// before Start or RegisterRoutes.
func NewService(config Config) *Service {
	return &Service{
		connectionManager: NewConnectionManager(config.Connection),
	}
}

// Bind wires the command sink in. The gateway and the engine reference each
// other, so the sink arrives after construction and before any traffic.
func (s *Service) Bind(sink CommandSink) {
	s.connectionManager.sink = sink
	s.wsHandler = NewWebSocketHandler(s.connectionManager, sink)
}

// Start runs the broadcast router until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	s.connectionManager.Start(ctx)
	log.Info().Msg("gateway service stopped")
}

// RegisterRoutes registers the WebSocket HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("gateway routes registered")
}

// Connections exposes the manager as the engine's broadcaster.
func (s *Service) Connections() *ConnectionManager {
	return s.connectionManager
}

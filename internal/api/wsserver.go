package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WSServer is the dedicated listener for the push protocol. It shares
// nothing with the REST server except the hub.
type WSServer struct {
	server *http.Server
	logger zerolog.Logger
}

// NewWSServer binds the hub's websocket handler to its own port.
func NewWSServer(port int, hub *Hub, logger zerolog.Logger) *WSServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/", hub.ServeWS)
	return &WSServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "ws_server").Logger(),
	}
}

// Start blocks serving websocket upgrades until Shutdown.
func (s *WSServer) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("websocket server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting upgrades. Established connections belong to the
// hub and are closed by Hub.Stop.
func (s *WSServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

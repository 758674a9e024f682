package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"solana-wallet-tracker/internal/database"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 200
	defaultPnlDays    = 30
	maxPnlDays        = 365
)

// MonitorStats exposes the monitor gauges the health endpoint reports.
type MonitorStats interface {
	Stats() map[string]interface{}
}

// Server is the REST read surface. All endpoints are unauthenticated
// reads; writes happen only through the monitor pipeline.
type Server struct {
	router    *gin.Engine
	http      *http.Server
	store     Store
	snapshots *SnapshotBuilder
	hub       *Hub
	monitor   MonitorStats
	started   time.Time
	logger    zerolog.Logger
}

// NewServer wires the gin router with the read endpoints.
func NewServer(port int, store Store, snapshots *SnapshotBuilder, hub *Hub, monitor MonitorStats, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router: router,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		store:     store,
		snapshots: snapshots,
		hub:       hub,
		monitor:   monitor,
		started:   time.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/users", s.handleListUsers)
		api.GET("/users/:wallet", s.handleGetUser)
		api.GET("/users/:wallet/trades", s.handleGetTrades)
		api.GET("/users/:wallet/pnl", s.handleGetPnlHistory)
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.monitor.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"uptime":           time.Since(s.started).Round(time.Second).String(),
		"activeWallets":    stats["active_wallets"],
		"connectedClients": s.hub.ClientCount(),
	})
}

func (s *Server) handleListUsers(c *gin.Context) {
	snapshots, err := s.snapshots.AllUsers(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list users")
		errorResponse(c, http.StatusInternalServerError, "failed to load users")
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (s *Server) handleGetUser(c *gin.Context) {
	wallet := c.Param("wallet")
	snapshot, err := s.snapshots.ForWallet(c.Request.Context(), wallet)
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to load user")
		errorResponse(c, http.StatusInternalServerError, "failed to load user")
		return
	}
	if snapshot == nil {
		errorResponse(c, http.StatusNotFound, "user not found")
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleGetTrades(c *gin.Context) {
	wallet := c.Param("wallet")
	limit := queryInt(c, "limit", defaultTradeLimit, 1, maxTradeLimit)
	offset := queryInt(c, "offset", 0, 0, 1<<30)

	trades, err := s.store.GetTradesByWallet(c.Request.Context(), wallet, limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to load trades")
		errorResponse(c, http.StatusInternalServerError, "failed to load trades")
		return
	}

	views := make([]*TradeWithMeta, 0, len(trades))
	for _, trade := range trades {
		views = append(views, s.snapshots.withTokenMeta(c.Request.Context(), trade))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetPnlHistory(c *gin.Context) {
	wallet := c.Param("wallet")
	days := queryInt(c, "days", defaultPnlDays, 1, maxPnlDays)

	records, err := s.store.GetPnlHistory(c.Request.Context(), wallet, days)
	if err != nil {
		s.logger.Error().Err(err).Str("wallet", wallet).Msg("failed to load pnl history")
		errorResponse(c, http.StatusInternalServerError, "failed to load pnl history")
		return
	}
	if records == nil {
		records = []*database.PnlRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// queryInt parses an integer query parameter, falling back to def and
// clamping into [min, max].
func queryInt(c *gin.Context, key string, def, min, max int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"gold-trading-bot/internal/daemon"
	"gold-trading-bot/internal/database"
	"gold-trading-bot/internal/events"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowOrigins   []string
}

// Server is the operator control surface over the daemon.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	supervisor *daemon.Supervisor
	repo       *database.Repository
	hub        *Hub
	log        zerolog.Logger
}

// NewServer creates the API server and wires the event stream hub.
func NewServer(cfg ServerConfig, supervisor *daemon.Supervisor, repo *database.Repository, bus *events.Bus, log zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	l := log.With().Str("component", "api").Logger()

	s := &Server{
		router:     router,
		supervisor: supervisor,
		repo:       repo,
		hub:        NewHub(l),
		log:        l,
	}
	s.hub.AttachBus(bus)
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	apiGroup := s.router.Group("/api")
	{
		apiGroup.POST("/daemon/start", s.handleStart)
		apiGroup.POST("/daemon/stop", s.handleStop)
		apiGroup.POST("/daemon/force-cleanup", s.handleForceCleanup)
		apiGroup.GET("/daemon/status", s.handleStatus)

		apiGroup.GET("/trades", s.handleTrades)
		apiGroup.GET("/trades/open", s.handleOpenTrades)
		apiGroup.GET("/metrics/daily", s.handleDailyMetrics)
		apiGroup.GET("/events", s.handleEvents)
	}

	s.router.GET("/ws/events", s.hub.HandleWS)
}

// Start runs the HTTP server and the websocket hub.
func (s *Server) Start() error {
	s.hub.Start()
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	return s.httpServer.Shutdown(ctx)
}

// Package api is the operational HTTP surface: trigger a cycle, drive replay
// jobs, run tuning, inspect outcomes and the ledger, stream events over
// websocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"tradepilot/config"
	"tradepilot/internal/broker"
	"tradepilot/internal/events"
	"tradepilot/internal/outcome"
	"tradepilot/internal/pipeline"
	"tradepilot/internal/replay"
	"tradepilot/internal/tuning"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Deps are the collaborators the server exposes.
type Deps struct {
	Pipeline      *pipeline.Orchestrator
	Jobs          *replay.JobManager
	Archive       *replay.Archive
	Tuning        *tuning.Orchestrator
	TuningHistory *tuning.History
	Outcomes      *outcome.Logger
	Ledger        *broker.Ledger
	Bus           *events.Bus
	BotKey        string
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	deps        Deps
	cfg         config.ServerConfig
	outcomeCfg  config.OutcomeConfig
	hub         *WSHub
	rateLimiter *RateLimiter // Guards the trigger endpoints
	logger      zerolog.Logger
}

// NewServer creates the operational API server
func NewServer(cfg config.ServerConfig, outcomeCfg config.OutcomeConfig, deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		deps:        deps,
		cfg:         cfg,
		outcomeCfg:  outcomeCfg,
		hub:         NewWSHub(logger),
		rateLimiter: NewRateLimiter(10, time.Minute),
		logger:      logger,
	}
	s.registerRoutes()

	// Forward bus events to websocket clients.
	if deps.Bus != nil {
		deps.Bus.SubscribeAll(s.hub.BroadcastEvent)
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	{
		api.POST("/cycle", s.rateLimited("cycle"), s.handleRunCycle)

		api.POST("/replay/jobs", s.handleCreateReplayJob)
		api.GET("/replay/jobs", s.handleListReplayJobs)
		api.GET("/replay/jobs/:id", s.handleGetReplayJob)
		api.POST("/replay/jobs/:id/cancel", s.handleCancelReplayJob)
		api.GET("/replay/results/:date", s.handleGetReplayResult)

		api.POST("/tuning/run", s.rateLimited("tuning"), s.handleRunTuning)
		api.GET("/tuning/history", s.handleTuningHistory)

		api.GET("/outcomes/stats", s.handleOutcomeStats)
		api.GET("/ledger", s.handleLedger)
	}
}

func (s *Server) rateLimited(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Start runs the HTTP server and the websocket hub.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Package monitor exposes the gateway's health and runtime statistics over
// HTTP for dashboards and process supervisors.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"topstep-gateway/config"
	"topstep-gateway/internal/broker"
	"topstep-gateway/internal/logging"
	"topstep-gateway/internal/mutex"
	"topstep-gateway/internal/reconcile"
	"topstep-gateway/internal/registry"
	"topstep-gateway/internal/stream"
)

// Sources provides the live readouts the endpoints serve. Any nil field is
// simply omitted from the response.
type Sources struct {
	State           func() string
	Uptime          func() time.Duration
	MarketConnected func() bool
	UserConnected   func() bool
	BusQueued       func() int
	StreamMetrics   func() stream.MarketMetrics
	LockStats       func() mutex.Stats
	ReconcileStats  func() reconcile.Stats
	HistoryStats    func() broker.HistoryStats
	PendingBrackets func() int
	Slots           func() []registry.Slot
}

// Server is the monitoring HTTP server
type Server struct {
	cfg config.ServerConfig
	log *logging.Logger
	src Sources
	srv *http.Server
}

// NewServer builds the monitoring server and its routes
func NewServer(cfg config.ServerConfig, src Sources, log *logging.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: log.WithComponent("monitor"),
		src: src,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/instances", s.handleInstances)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.MonitoringPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func corsConfig(allowedOrigins string) cors.Config {
	c := cors.DefaultConfig()
	if allowedOrigins == "" || allowedOrigins == "*" {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = strings.Split(allowedOrigins, ",")
	}
	c.AllowMethods = []string{"GET"}
	return c
}

// Start serves until Stop is called
func (s *Server) Start() {
	go func() {
		s.log.Info("monitoring server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("monitoring server failed", "error", err)
		}
	}()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	}
	if s.src.State != nil {
		state := s.src.State()
		body["state"] = state
		if state != "CONNECTED" {
			body["status"] = "degraded"
		}
	}
	if s.src.Uptime != nil {
		body["uptimeSeconds"] = int64(s.src.Uptime().Seconds())
	}

	hubs := gin.H{}
	if s.src.MarketConnected != nil {
		hubs["market"] = s.src.MarketConnected()
	}
	if s.src.UserConnected != nil {
		hubs["user"] = s.src.UserConnected()
	}
	if len(hubs) > 0 {
		body["hubs"] = hubs
	}
	if s.src.BusQueued != nil {
		body["busQueuedMessages"] = s.src.BusQueued()
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleStats(c *gin.Context) {
	body := gin.H{
		"timestamp": time.Now().UnixMilli(),
	}
	if s.src.StreamMetrics != nil {
		body["stream"] = s.src.StreamMetrics()
	}
	if s.src.LockStats != nil {
		body["orderLocks"] = s.src.LockStats()
	}
	if s.src.ReconcileStats != nil {
		body["reconciliation"] = s.src.ReconcileStats()
	}
	if s.src.HistoryStats != nil {
		body["historical"] = s.src.HistoryStats()
	}
	if s.src.PendingBrackets != nil {
		body["pendingBrackets"] = s.src.PendingBrackets()
	}

	c.JSON(http.StatusOK, body)
}

func (s *Server) handleInstances(c *gin.Context) {
	if s.src.Slots == nil {
		c.JSON(http.StatusOK, gin.H{"slots": []registry.Slot{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slots": s.src.Slots()})
}

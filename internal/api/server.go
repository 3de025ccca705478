// Package api exposes the local control surface: sync state and queue
// management over HTTP, a WebSocket state feed, the offline record
// operations and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/network"
	"github.com/salvacell/offsync/internal/offline"
	syncengine "github.com/salvacell/offsync/internal/sync"
	"github.com/salvacell/offsync/internal/sync/queue"
)

// Deps groups what the handlers operate on. Offline and Metrics are
// optional; their routes are not registered when nil.
type Deps struct {
	Engine       syncengine.SyncEngineInterface
	Queue        *queue.SyncQueue
	Network      *network.Monitor
	Offline      *offline.Service
	Metrics      http.Handler
	ProbeTimeout time.Duration
}

// Server is the HTTP server plus its WebSocket hub.
type Server struct {
	http        *http.Server
	hub         *Hub
	unsubscribe func()
}

// NewServer builds the router and subscribes the hub to state changes.
func NewServer(addr string, deps Deps) *Server {
	hub := NewHub()
	s := &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(deps, hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub: hub,
	}
	s.unsubscribe = deps.Engine.Subscribe(hub.BroadcastState)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.Info("Control API listening", map[string]interface{}{"addr": s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, closes WebSocket clients and waits
// for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

// NewRouter registers every route on a fresh gin engine.
func NewRouter(deps Deps, hub *Hub) *gin.Engine {
	if deps.ProbeTimeout <= 0 {
		deps.ProbeTimeout = 5 * time.Second
	}
	h := &handlers{deps: deps, v: validatorv10.New()}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/api/health", h.health)

	r.GET("/api/sync/state", h.syncState)
	r.POST("/api/sync/trigger", h.syncTrigger)
	r.GET("/api/sync/queue", h.listQueue)
	r.POST("/api/sync/queue/retry", h.retryQueue)
	r.DELETE("/api/sync/queue/synced", h.purgeSynced)
	r.POST("/api/sync/queue/:id/reset", h.resetItem)

	r.GET("/api/network", h.networkInfo)
	r.PUT("/api/network", h.setNetwork)

	if hub != nil {
		r.GET("/ws", handleWebSocket(hub, deps.Engine.State))
	}
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.Offline != nil {
		registerRecordRoutes(r, h)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

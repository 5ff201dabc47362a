// Package server exposes the engine's driver contract over HTTP and streams
// its state changes over a websocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/agleyzer/posesync/internal/engine"
)

// Cluster is the view of the replication layer the server reports on.
type Cluster interface {
	IsLeader() bool
	LeaderAddr() string
	GetStats() map[string]interface{}
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string
	// Commander receives every command. Nil means the engine itself.
	Commander engine.Commander
	// Cluster, when set, restricts commands to the leader.
	Cluster Cluster
	// AllowOrigins lists CORS origins. Empty allows all.
	AllowOrigins []string
	// CommandTimeout bounds each command. Zero means 10s.
	CommandTimeout time.Duration
}

// Server serves the driver API.
type Server struct {
	engine     *engine.Engine
	commander  engine.Commander
	cluster    Cluster
	opts       Options
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// New creates a new HTTP server.
func New(e *engine.Engine, opts Options, logger *slog.Logger) *Server {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 10 * time.Second
	}
	commander := opts.Commander
	if commander == nil {
		commander = e
	}
	return &Server{
		engine:    e,
		commander: commander,
		cluster:   opts.Cluster,
		opts:      opts,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.loggingMiddleware())

	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.opts.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.opts.AllowOrigins
	}
	r.Use(cors.New(corsConfig))

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleEvents)

	api := r.Group("/api")
	{
		api.GET("/state", s.handleState)
		api.GET("/streams", s.handleStreams)
		api.GET("/streams/:name", s.handleStream)
		api.GET("/time", s.handleTime)
		api.GET("/overlay", s.handleOverlay)
		api.GET("/stats", s.handleStats)
		api.PUT("/canvas", s.handleCanvas)
	}

	cmds := api.Group("", s.requireLeader)
	{
		cmds.POST("/select", s.handleSelect)
		cmds.POST("/play", s.handlePlay)
		cmds.POST("/pause", s.handlePause)
		cmds.POST("/seek", s.handleSeek)
		cmds.PUT("/keypoints/:name", s.handleKeypoint)
		cmds.PUT("/labels", s.handleLabels)
	}

	return r
}

// Start starts the HTTP server and blocks until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.opts.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"remote", c.ClientIP(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// requireLeader rejects commands on a follower and names the leader.
func (s *Server) requireLeader(c *gin.Context) {
	if s.cluster == nil || s.cluster.IsLeader() {
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"error":  "not the cluster leader",
		"leader": s.cluster.LeaderAddr(),
	})
}

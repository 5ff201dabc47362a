package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agleyzer/posesync/internal/clock"
	"github.com/agleyzer/posesync/internal/engine"
	"github.com/agleyzer/posesync/internal/overlay"
	"github.com/agleyzer/posesync/internal/timeindex"
)

type selectRequest struct {
	// Streams in master-first order. Omitted means the default selection.
	Streams []string `json:"streams"`
	// Grid selects a layout instead, in row-major order.
	Grid [][]string `json:"grid"`
}

type seekRequest struct {
	Time  *float64 `json:"time"`
	Frame *int     `json:"frame"`
}

type toggleRequest struct {
	Visible *bool `json:"visible"`
}

type canvasRequest struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownStream):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateStream),
		errors.Is(err, timeindex.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNoSelection),
		errors.Is(err, clock.ErrNoTimestampData):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// run applies a command with the command timeout and replies with the new
// state.
func (s *Server) run(c *gin.Context, cmd func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.CommandTimeout)
	defer cancel()

	if err := cmd(ctx); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

// handleHealth serves health check information
func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status": "ok",
		"state":  s.engine.State().String(),
	}
	if s.cluster != nil {
		health["leader"] = s.cluster.IsLeader()
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleStreams(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Streams())
}

func (s *Server) handleStream(c *gin.Context) {
	name := c.Param("name")
	d, ok := s.engine.Stream(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": engine.ErrUnknownStream.Error(), "stream": name})
		return
	}
	entry, _ := s.engine.LoadStatus(name)

	resp := gin.H{
		"stream": d,
		"status": entry.Status,
	}
	if entry.Err != nil {
		resp["error"] = entry.Err.Error()
	}
	if ds := s.engine.Dataset(name); ds != nil {
		resp["keypoints"] = ds.Names()
		resp["frames"] = ds.Frames()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTime(c *gin.Context) {
	ti, err := s.engine.Time()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ti)
}

func (s *Server) handleOverlay(c *gin.Context) {
	frame, err := s.engine.Frame()
	if err != nil {
		frame = -1
	}
	c.JSON(http.StatusOK, gin.H{
		"frame": frame,
		"ops":   s.engine.DrawList(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{"engine": s.engine.GetStats()}
	if s.cluster != nil {
		stats["cluster"] = s.cluster.GetStats()
	}
	c.JSON(http.StatusOK, stats)
}

// handleCanvas resizes the overlay target. The canvas is a property of this
// node's display, so it is never replicated.
func (s *Server) handleCanvas(c *gin.Context) {
	var req canvasRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Width < 0 || req.Height < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "canvas size must not be negative"})
		return
	}
	s.engine.SetCanvas(overlay.Size{Width: req.Width, Height: req.Height})
	c.JSON(http.StatusOK, gin.H{"ops": s.engine.DrawList()})
}

func (s *Server) handleSelect(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	names := req.Streams
	switch {
	case req.Grid != nil:
		_, names = s.engine.FilterGrid(req.Grid)
	case names == nil:
		names = s.engine.DefaultSelection()
	}

	s.run(c, func(ctx context.Context) error {
		return s.commander.SelectStreams(ctx, names)
	})
}

func (s *Server) handlePlay(c *gin.Context) {
	s.run(c, s.commander.Play)
}

func (s *Server) handlePause(c *gin.Context) {
	s.run(c, s.commander.Pause)
}

func (s *Server) handleSeek(c *gin.Context) {
	var req seekRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if (req.Time == nil) == (req.Frame == nil) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of time or frame is required"})
		return
	}

	s.run(c, func(ctx context.Context) error {
		if req.Frame != nil {
			return s.commander.SeekToFrame(ctx, *req.Frame)
		}
		return s.commander.SeekToTime(ctx, *req.Time)
	})
}

func (s *Server) handleKeypoint(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visible is required"})
		return
	}
	name := c.Param("name")

	s.run(c, func(ctx context.Context) error {
		return s.commander.SetKeypointVisible(ctx, name, *req.Visible)
	})
}

func (s *Server) handleLabels(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Visible == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visible is required"})
		return
	}

	s.run(c, func(ctx context.Context) error {
		return s.commander.SetLabelsVisible(ctx, *req.Visible)
	})
}

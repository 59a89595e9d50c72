package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"buildforge/internal/build"
	"buildforge/internal/store"
)

func (s *Server) handleStartBuild(c *gin.Context) {
	var req build.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.UserID = userID(c)

	record, err := s.engine.StartBuild(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"build_id":      record.ID,
		"status":        record.Status,
		"websocket_url": "/ws/builds/" + record.ID,
	})
}

func (s *Server) handleListBuilds(c *gin.Context) {
	builds, err := s.engine.ListBuilds(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list builds"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"builds": builds})
}

func (s *Server) handleGetBuild(c *gin.Context) {
	record, ok := s.loadOwnedBuild(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) handleGetBuildDetail(c *gin.Context) {
	if _, ok := s.loadOwnedBuild(c); !ok {
		return
	}
	detail, err := s.engine.GetDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load build detail"})
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleCancelBuild(c *gin.Context) {
	if _, ok := s.loadOwnedBuild(c); !ok {
		return
	}
	if err := s.engine.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

func (s *Server) handlePauseBuild(c *gin.Context) {
	if _, ok := s.loadOwnedBuild(c); !ok {
		return
	}
	if err := s.engine.Pause(c.Request.Context(), c.Param("id")); err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResumeBuild(c *gin.Context) {
	if _, ok := s.loadOwnedBuild(c); !ok {
		return
	}
	if err := s.engine.Resume(c.Request.Context(), c.Param("id")); err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// loadOwnedBuild fetches the build and enforces that it belongs to the
// caller. Foreign builds are reported as not found rather than forbidden.
func (s *Server) loadOwnedBuild(c *gin.Context) (*store.BuildRecord, bool) {
	record, err := s.engine.Status(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return nil, false
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load build"})
		return nil, false
	}
	if record.UserID != userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
		return nil, false
	}
	return record, true
}

func (s *Server) controlError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, build.ErrBuildNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "build is not running"})
	case errors.Is(err, build.ErrBuildNotPaused):
		c.JSON(http.StatusConflict, gin.H{"error": "build is not paused"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/supervisor"
)

type spawnWorkerRequest struct {
	Handle        string `json:"handle" binding:"required"`
	Role          string `json:"role" binding:"required"`
	TeamName      string `json:"teamName"`
	WorkingDir    string `json:"workingDir"`
	InitialPrompt string `json:"initialPrompt"`
	SessionID     string `json:"sessionId"`
	SwarmID       string `json:"swarmId"`
	SpawnMode     string `json:"spawnMode"`
	NoWorktree    bool   `json:"noWorktree"`
}

func (s *Server) spawnWorker(c *gin.Context) {
	var req spawnWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	w, err := s.sup.Spawn(c.Request.Context(), supervisor.SpawnRequest{
		Caller:        caller(c),
		Handle:        req.Handle,
		Role:          store.Role(req.Role),
		TeamName:      req.TeamName,
		WorkingDir:    req.WorkingDir,
		InitialPrompt: req.InitialPrompt,
		SessionID:     req.SessionID,
		SwarmID:       req.SwarmID,
		SpawnMode:     store.SpawnMode(req.SpawnMode),
		NoWorktree:    req.NoWorktree,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) listWorkers(c *gin.Context) {
	f := store.WorkerFilter{
		State:          store.WorkerState(c.Query("state")),
		Role:           store.Role(c.Query("role")),
		SwarmID:        c.Query("swarmId"),
		IncludeRetired: c.Query("includeRetired") == "true",
	}
	workers, err := s.sup.ListWorkers(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) getWorker(c *gin.Context) {
	w, err := s.sup.GetWorker(c.Request.Context(), c.Param("handle"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) readOutput(c *gin.Context) {
	lines, err := s.sup.ReadOutput(caller(c), c.Param("handle"), intQuery(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": c.Param("handle"), "lines": lines})
}

func (s *Server) dismissWorker(c *gin.Context) {
	graceful, err := s.sup.Dismiss(c.Request.Context(), caller(c), c.Param("handle"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dismissed": true, "graceful": graceful})
}

func (s *Server) heartbeat(c *gin.Context) {
	s.sup.Heartbeat(c.Request.Context(), c.Param("handle"), time.Now().UnixMilli())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type sendInputRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) sendInput(c *gin.Context) {
	var req sendInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.sup.SendInput(c.Request.Context(), c.Param("handle"), req.Message); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type broadcastRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	n, err := s.sup.Broadcast(c.Request.Context(), caller(c), req.Message)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}

func (s *Server) fleetStatus(c *gin.Context) {
	st, err := s.sup.GetStatus(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

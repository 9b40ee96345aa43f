package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

type createSwarmRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	MaxAgents   int    `json:"maxAgents"`
}

func (s *Server) createSwarm(c *gin.Context) {
	var req createSwarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	sw, err := s.swarms.Create(c.Request.Context(), req.Name, req.Description, req.MaxAgents)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sw)
}

func (s *Server) listSwarms(c *gin.Context) {
	swarms, err := s.swarms.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swarms": swarms, "count": len(swarms)})
}

func (s *Server) getSwarm(c *gin.Context) {
	sw, err := s.swarms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sw)
}

func (s *Server) killSwarm(c *gin.Context) {
	if err := s.swarms.Kill(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

type postMessageRequest struct {
	MessageType  string          `json:"messageType" binding:"required"`
	TargetHandle string          `json:"targetHandle"`
	Priority     string          `json:"priority"`
	Payload      json.RawMessage `json:"payload"`
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	m, err := s.swarms.PostMessage(c.Request.Context(), store.BlackboardMessage{
		SwarmID:      c.Param("id"),
		SenderHandle: caller(c),
		MessageType:  store.MessageType(req.MessageType),
		TargetHandle: req.TargetHandle,
		Priority:     store.Priority(req.Priority),
		Payload:      req.Payload,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) readMessages(c *gin.Context) {
	f := store.BlackboardFilter{
		MessageType:     store.MessageType(c.Query("messageType")),
		TargetHandle:    c.Query("targetHandle"),
		Since:           int64(intQuery(c, "since")),
		IncludeArchived: c.Query("includeArchived") == "true",
		Limit:           intQuery(c, "limit"),
	}
	msgs, err := s.swarms.ReadMessages(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

func (s *Server) markMessageRead(c *gin.Context) {
	reader := caller(c)
	if reader == "" {
		reader = c.Query("reader")
	}
	if err := s.swarms.MarkRead(c.Request.Context(), c.Param("id"), reader); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) archiveMessage(c *gin.Context) {
	if err := s.swarms.Archive(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type createCheckpointRequest struct {
	ToHandle string               `json:"toHandle" binding:"required"`
	Body     store.CheckpointBody `json:"body" binding:"required"`
}

func (s *Server) createCheckpoint(c *gin.Context) {
	var req createCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	now := time.Now().UnixMilli()
	cp := store.Checkpoint{
		ID:         id.Generate(),
		FromHandle: caller(c),
		ToHandle:   req.ToHandle,
		Body:       req.Body,
		Status:     store.CheckpointPending,
		CreatedAt:  now,
	}
	if err := s.store.CreateCheckpoint(c.Request.Context(), cp); err != nil {
		s.fail(c, err)
		return
	}
	s.hub.Publish(event.New(event.TypeCheckpoint, event.SubjectChat(cp.ToHandle), now,
		event.CheckpointPayload{
			CheckpointID: cp.ID,
			FromHandle:   cp.FromHandle,
			ToHandle:     cp.ToHandle,
			Goal:         cp.Body.Goal,
		}))
	c.JSON(http.StatusCreated, cp)
}

func (s *Server) listCheckpoints(c *gin.Context) {
	toHandle := c.Query("toHandle")
	if toHandle == "" {
		toHandle = caller(c)
	}
	cps, err := s.store.ListCheckpoints(c.Request.Context(), toHandle,
		store.CheckpointStatus(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps, "count": len(cps)})
}

type respondCheckpointRequest struct {
	Accept bool `json:"accept"`
}

func (s *Server) respondCheckpoint(c *gin.Context) {
	var req respondCheckpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	status := store.CheckpointRejected
	if req.Accept {
		status = store.CheckpointAccepted
	}
	if err := s.store.ResolveCheckpoint(c.Request.Context(), c.Param("id"), status); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

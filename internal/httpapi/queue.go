package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/spawnqueue"
	"github.com/fleetmux/fleetmux/internal/store"
)

type enqueueSpawnRequest struct {
	TargetAgentType string            `json:"targetAgentType" binding:"required"`
	Priority        string            `json:"priority"`
	DependsOn       []string          `json:"dependsOn"`
	Payload         store.SpawnPayload `json:"payload"`
}

func (s *Server) enqueueSpawn(c *gin.Context) {
	var req enqueueSpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	it, err := s.queue.Enqueue(c.Request.Context(), spawnqueue.Request{
		Requester:       caller(c),
		TargetAgentType: store.Role(req.TargetAgentType),
		Priority:        store.Priority(req.Priority),
		DependsOn:       req.DependsOn,
		Payload:         req.Payload,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	status := http.StatusCreated
	if it.Status == store.SpawnRejected {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, it)
}

func (s *Server) listSpawnQueue(c *gin.Context) {
	items, err := s.queue.List(c.Request.Context(), store.SpawnStatus(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) cancelSpawn(c *gin.Context) {
	requester := caller(c)
	if requester == "" {
		requester = c.Query("requester")
	}
	if err := s.queue.Cancel(c.Request.Context(), c.Param("id"), requester); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

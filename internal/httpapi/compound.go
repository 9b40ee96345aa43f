package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/compound"
	"github.com/fleetmux/fleetmux/internal/store"
)

type startCompoundRequest struct {
	Objective     string `json:"objective" binding:"required"`
	Dir           string `json:"dir" binding:"required"`
	NumWorkers    int    `json:"numWorkers"`
	MaxIterations int    `json:"maxIterations"`
	SpawnMode     string `json:"spawnMode"`
}

func (s *Server) startCompound(c *gin.Context) {
	var req startCompoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	run, err := s.runs.Start(c.Request.Context(), compound.Request{
		Objective:     req.Objective,
		Dir:           req.Dir,
		NumWorkers:    req.NumWorkers,
		MaxIterations: req.MaxIterations,
		SpawnMode:     store.SpawnMode(req.SpawnMode),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (s *Server) listCompound(c *gin.Context) {
	runs := s.runs.List()
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) getCompound(c *gin.Context) {
	run, err := s.runs.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

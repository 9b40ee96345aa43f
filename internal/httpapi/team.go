package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

type createAgentRequest struct {
	TeamName string `json:"teamName" binding:"required"`
	Handle   string `json:"handle" binding:"required"`
}

// createAgent registers a team member and mints its bearer token. The
// token is returned once, here, and never listed afterwards.
func (s *Server) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	a := store.Agent{
		ID:        id.Generate(),
		TeamName:  req.TeamName,
		Handle:    req.Handle,
		Token:     id.Generate() + id.Generate(),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := s.store.CreateAgent(c.Request.Context(), a); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context(), c.Query("teamName"))
	if err != nil {
		s.fail(c, err)
		return
	}
	for i := range agents {
		agents[i].Token = ""
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

type createWorkItemRequest struct {
	TeamName       string `json:"teamName" binding:"required"`
	Title          string `json:"title" binding:"required"`
	Description    string `json:"description"`
	AssigneeHandle string `json:"assigneeHandle"`
}

func (s *Server) createWorkItem(c *gin.Context) {
	var req createWorkItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	now := time.Now().UnixMilli()
	w := store.WorkItem{
		ID:             id.Generate(),
		TeamName:       req.TeamName,
		Title:          req.Title,
		Description:    req.Description,
		Status:         store.WorkItemOpen,
		AssigneeHandle: req.AssigneeHandle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateWorkItem(c.Request.Context(), w); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) listWorkItems(c *gin.Context) {
	items, err := s.store.ListWorkItems(c.Request.Context(), c.Query("teamName"),
		store.WorkItemStatus(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workItems": items, "count": len(items)})
}

type updateWorkItemRequest struct {
	Title          *string `json:"title"`
	Description    *string `json:"description"`
	Status         *string `json:"status"`
	AssigneeHandle *string `json:"assigneeHandle"`
}

func (s *Server) updateWorkItem(c *gin.Context) {
	var req updateWorkItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	w, err := s.store.GetWorkItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.Title != nil {
		w.Title = *req.Title
	}
	if req.Description != nil {
		w.Description = *req.Description
	}
	if req.Status != nil {
		w.Status = store.WorkItemStatus(*req.Status)
	}
	if req.AssigneeHandle != nil {
		w.AssigneeHandle = *req.AssigneeHandle
	}
	w.UpdatedAt = time.Now().UnixMilli()
	if err := s.store.UpdateWorkItem(c.Request.Context(), w); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type sendMailRequest struct {
	TeamName string `json:"teamName"`
	ToHandle string `json:"toHandle" binding:"required"`
	Subject  string `json:"subject" binding:"required"`
	Body     string `json:"body"`
}

func (s *Server) sendMail(c *gin.Context) {
	var req sendMailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	m := store.MailMessage{
		ID:         id.Generate(),
		TeamName:   req.TeamName,
		FromHandle: caller(c),
		ToHandle:   req.ToHandle,
		Subject:    req.Subject,
		Body:       req.Body,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.store.SendMail(c.Request.Context(), m); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) listMail(c *gin.Context) {
	to := c.Query("toHandle")
	if to == "" {
		to = caller(c)
	}
	mail, err := s.store.ListMail(c.Request.Context(), to, c.Query("unread") == "true")
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mail": mail, "count": len(mail)})
}

func (s *Server) markMailRead(c *gin.Context) {
	if err := s.store.MarkMailRead(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type setTLDRRequest struct {
	Summary string `json:"summary" binding:"required"`
}

func (s *Server) setTLDR(c *gin.Context) {
	var req setTLDRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	t := store.TLDR{
		Handle:    c.Param("handle"),
		Summary:   req.Summary,
		UpdatedAt: time.Now().UnixMilli(),
	}
	if err := s.store.SetTLDR(c.Request.Context(), t); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) getTLDR(c *gin.Context) {
	t, err := s.store.GetTLDR(c.Request.Context(), c.Param("handle"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

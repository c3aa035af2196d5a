package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/xiehust/owork/internal/common/errors"
)

func (s *Server) listSessions(c *gin.Context) {
	sessions, err := s.store.ListSessions(c.Request.Context(), c.Query("agent_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSession(c *gin.Context) {
	session, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if s.supervisor.IsActive(id) {
		s.respondError(c, apperrors.Conflict("session %s has a turn in flight", id).
			WithAction("Interrupt the session before deleting it"))
		return
	}
	if err := s.store.DeleteSession(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.store.GetSession(ctx, c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	messages, err := s.store.ListMessages(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (s *Server) interruptSession(c *gin.Context) {
	if err := s.supervisor.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "interrupting"})
}

func (s *Server) listPendingPermissions(c *gin.Context) {
	requests, err := s.store.ListPendingPermissions(c.Request.Context(), c.Query("session_id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

type resolvePermissionRequest struct {
	Approve  *bool  `json:"approve" binding:"required"`
	Feedback string `json:"feedback"`
}

func (s *Server) resolvePermission(c *gin.Context) {
	var req resolvePermissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	if err := s.supervisor.ResolvePermission(c.Request.Context(), c.Param("id"), *req.Approve, req.Feedback); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

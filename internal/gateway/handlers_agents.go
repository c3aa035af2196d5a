package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/storage"
)

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.store.ListAgents(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) getAgent(c *gin.Context) {
	ag, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag)
}

func (s *Server) createAgent(c *gin.Context) {
	var ag storage.Agent
	if err := c.ShouldBindJSON(&ag); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid agent payload: %v", err))
		return
	}
	if ag.Name == "" {
		s.respondError(c, apperrors.ValidationError("agent name is required"))
		return
	}

	ctx := c.Request.Context()
	if err := s.store.PutAgent(ctx, &ag); err != nil {
		s.respondError(c, err)
		return
	}
	s.rebuildWorkspace(c, &ag)
	c.JSON(http.StatusCreated, ag)
}

func (s *Server) updateAgent(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := s.store.GetAgent(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	var ag storage.Agent
	if err := c.ShouldBindJSON(&ag); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid agent payload: %v", err))
		return
	}
	ag.ID = existing.ID
	ag.CreatedAt = existing.CreatedAt

	if err := s.store.UpdateAgent(ctx, &ag); err != nil {
		s.respondError(c, err)
		return
	}
	s.rebuildWorkspace(c, &ag)
	c.JSON(http.StatusOK, ag)
}

func (s *Server) deleteAgent(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteAgent(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	if err := s.workspaces.DeleteAgentWorkspace(id); err != nil {
		s.logger.Warn("Failed to remove agent workspace",
			zap.String("agent_id", id), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

// rebuildWorkspace refreshes the agent's skill symlinks. Failures do not
// fail the request; the workspace is rebuilt again before each turn.
func (s *Server) rebuildWorkspace(c *gin.Context, ag *storage.Agent) {
	if ag.GlobalUserMode {
		return
	}
	if _, err := s.workspaces.RebuildAgentWorkspace(c.Request.Context(), ag.ID, ag.SkillIDs, ag.AllowAllSkills); err != nil {
		s.logger.Warn("Failed to rebuild agent workspace",
			zap.String("agent_id", ag.ID), zap.Error(err))
	}
}

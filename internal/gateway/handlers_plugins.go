package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/storage"
)

func (s *Server) listMarketplaces(c *gin.Context) {
	marketplaces, err := s.store.ListMarketplaces(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marketplaces": marketplaces})
}

type createMarketplaceRequest struct {
	Name   string `json:"name" binding:"required"`
	Type   string `json:"type"`
	URL    string `json:"url" binding:"required"`
	Branch string `json:"branch"`
}

func (s *Server) createMarketplace(c *gin.Context) {
	var req createMarketplaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	if req.Type == "" {
		req.Type = storage.MarketplaceGit
	}
	mp := &storage.Marketplace{
		Name:   req.Name,
		Type:   req.Type,
		URL:    req.URL,
		Branch: req.Branch,
	}
	if err := s.store.PutMarketplace(c.Request.Context(), mp); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mp)
}

func (s *Server) deleteMarketplace(c *gin.Context) {
	if err := s.store.DeleteMarketplace(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// syncMarketplace fetches the marketplace repository and re-enumerates
// its plugins.
func (s *Server) syncMarketplace(c *gin.Context) {
	ctx := c.Request.Context()
	mp, err := s.store.GetMarketplace(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	outcome, err := s.plugins.Sync(ctx, mp)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// listMarketplacePlugins lists the cached plugin catalog without
// touching the network.
func (s *Server) listMarketplacePlugins(c *gin.Context) {
	mp, err := s.store.GetMarketplace(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	outcome, err := s.plugins.ListCached(mp)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) listPlugins(c *gin.Context) {
	plugins, err := s.store.ListPlugins(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plugins": plugins})
}

type installPluginRequest struct {
	MarketplaceID string `json:"marketplace_id" binding:"required"`
	Name          string `json:"name" binding:"required"`
}

func (s *Server) installPlugin(c *gin.Context) {
	var req installPluginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	ctx := c.Request.Context()
	mp, err := s.store.GetMarketplace(ctx, req.MarketplaceID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	installed, err := s.plugins.Install(ctx, req.Name, mp)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, installed)
}

func (s *Server) uninstallPlugin(c *gin.Context) {
	if err := s.plugins.Uninstall(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listMCPServers(c *gin.Context) {
	servers, err := s.store.ListMCPServers(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mcp_servers": servers})
}

func (s *Server) getMCPServer(c *gin.Context) {
	server, err := s.store.GetMCPServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) createMCPServer(c *gin.Context) {
	var server storage.MCPServer
	if err := c.ShouldBindJSON(&server); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	if server.Name == "" {
		s.respondError(c, apperrors.ValidationError("server name is required"))
		return
	}
	if err := s.store.PutMCPServer(c.Request.Context(), &server); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, server)
}

func (s *Server) updateMCPServer(c *gin.Context) {
	ctx := c.Request.Context()
	existing, err := s.store.GetMCPServer(ctx, c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	var server storage.MCPServer
	if err := c.ShouldBindJSON(&server); err != nil {
		s.respondError(c, apperrors.BadRequest("invalid payload: %v", err))
		return
	}
	server.ID = existing.ID
	server.CreatedAt = existing.CreatedAt
	if err := s.store.PutMCPServer(ctx, &server); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, server)
}

func (s *Server) deleteMCPServer(c *gin.Context) {
	if err := s.store.DeleteMCPServer(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

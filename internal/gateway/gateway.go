// Package gateway exposes the orchestrator over HTTP: REST resources for
// agents, skills, plugins, and sessions, SSE conversation streams, and a
// WebSocket mirror of the event bus.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/xiehust/owork/internal/common/config"
	apperrors "github.com/xiehust/owork/internal/common/errors"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/plugin"
	"github.com/xiehust/owork/internal/skill"
	"github.com/xiehust/owork/internal/storage"
	"github.com/xiehust/owork/internal/supervisor"
	"github.com/xiehust/owork/internal/workspace"
)

// Server is the HTTP gateway.
type Server struct {
	cfg        *config.Config
	store      *storage.Store
	bus        bus.EventBus
	supervisor *supervisor.Supervisor
	skills     *skill.Manager
	plugins    *plugin.Manager
	workspaces *workspace.Manager
	logger     *logger.Logger

	engine *gin.Engine
	srv    *http.Server
}

// New builds the gateway and registers all routes.
func New(cfg *config.Config, store *storage.Store, eventBus bus.EventBus, sup *supervisor.Supervisor, skills *skill.Manager, plugins *plugin.Manager, workspaces *workspace.Manager, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		store:      store,
		bus:        eventBus,
		supervisor: sup,
		skills:     skills,
		plugins:    plugins,
		workspaces: workspaces,
		logger:     log.WithFields(zap.String("component", "gateway")),
		engine:     engine,
	}
	engine.Use(s.corsMiddleware())
	s.registerRoutes()
	return s
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
	}
	s.logger.Info("Gateway listening", zap.String("addr", addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api/v1")

	api.GET("/agents", s.listAgents)
	api.POST("/agents", s.createAgent)
	api.GET("/agents/:id", s.getAgent)
	api.PUT("/agents/:id", s.updateAgent)
	api.DELETE("/agents/:id", s.deleteAgent)

	api.GET("/skills", s.listSkills)
	api.POST("/skills/upload", s.uploadSkill)
	api.POST("/skills/finalize", s.finalizeSkill)
	api.POST("/skills/refresh", s.refreshSkills)
	api.GET("/skills/:id", s.getSkill)
	api.GET("/skills/:id/versions", s.listSkillVersions)
	api.POST("/skills/:id/publish", s.publishSkillDraft)
	api.POST("/skills/:id/discard-draft", s.discardSkillDraft)
	api.POST("/skills/:id/rollback", s.rollbackSkill)
	api.DELETE("/skills/:id", s.deleteSkill)

	api.GET("/marketplaces", s.listMarketplaces)
	api.POST("/marketplaces", s.createMarketplace)
	api.DELETE("/marketplaces/:id", s.deleteMarketplace)
	api.POST("/marketplaces/:id/sync", s.syncMarketplace)
	api.GET("/marketplaces/:id/plugins", s.listMarketplacePlugins)

	api.GET("/plugins", s.listPlugins)
	api.POST("/plugins/install", s.installPlugin)
	api.DELETE("/plugins/:id", s.uninstallPlugin)

	api.GET("/mcp-servers", s.listMCPServers)
	api.POST("/mcp-servers", s.createMCPServer)
	api.GET("/mcp-servers/:id", s.getMCPServer)
	api.PUT("/mcp-servers/:id", s.updateMCPServer)
	api.DELETE("/mcp-servers/:id", s.deleteMCPServer)

	api.GET("/sessions", s.listSessions)
	api.GET("/sessions/:id", s.getSession)
	api.DELETE("/sessions/:id", s.deleteSession)
	api.GET("/sessions/:id/messages", s.listMessages)
	api.POST("/sessions/:id/answer", s.answerSession)
	api.POST("/sessions/:id/interrupt", s.interruptSession)

	api.GET("/permissions", s.listPendingPermissions)
	api.POST("/permissions/:id/resolve", s.resolvePermission)

	api.POST("/conversations", s.startConversation)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"bus_connected": s.bus.IsConnected(),
	})
}

// respondError maps application errors to HTTP responses.
func (s *Server) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	body := gin.H{"error": gin.H{"message": err.Error()}}
	if appErr, ok := err.(*apperrors.AppError); ok {
		errBody := gin.H{"code": appErr.Code, "message": appErr.Message}
		if appErr.SuggestedAction != "" {
			errBody["suggested_action"] = appErr.SuggestedAction
		}
		body = gin.H{"error": errBody}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, body)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := map[string]bool{}
	for _, origin := range s.cfg.Server.CORSOrigins {
		allowed[origin] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

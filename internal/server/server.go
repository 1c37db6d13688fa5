package server

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/internal/config"
	"conductor/internal/delegation"
	"conductor/internal/logging"
	"conductor/internal/registry"
	"conductor/internal/types"
)

// Querier is the delegation surface the control endpoints need.
type Querier interface {
	Query(ctx context.Context, query string, debug bool) (*delegation.QueryResult, error)
	Metrics() *delegation.Metrics
}

// ModuleReloader re-runs install admission for one module, refreshing its
// loaded adapter.
type ModuleReloader func(moduleID string) error

// Server is the admin HTTP surface.
type Server struct {
	engine   *gin.Engine
	cfg      *config.Manager
	keys     *APIKeyStore
	modules  *registry.ModuleRegistry
	adapters *registry.AdapterRegistry
	querier  Querier
	reload   ModuleReloader
}

// Options carries the server's dependencies.
type Options struct {
	ConfigManager  *config.Manager
	Keys           *APIKeyStore
	Modules        *registry.ModuleRegistry
	Adapters       *registry.AdapterRegistry
	Querier        Querier
	ModuleReloader ModuleReloader
}

// New assembles the gin engine with all routes registered.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:   gin.New(),
		cfg:      opts.ConfigManager,
		keys:     opts.Keys,
		modules:  opts.Modules,
		adapters: opts.Adapters,
		querier:  opts.Querier,
		reload:   opts.ModuleReloader,
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Engine exposes the underlying gin engine, mainly for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	logging.Get(logging.CategoryServer).Info("admin server listening on %s", addr)
	return s.engine.Run(addr)
}

func (s *Server) routes() {
	// Health and metrics stay public.
	s.engine.GET("/admin/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.engine.Group("/admin", AuthMiddleware(s.keys))
	{
		admin.GET("/routing-config", RequirePermission(PermReadConfig), s.handleGetConfig)
		admin.PUT("/routing-config", RequirePermission(PermWriteConfig), s.handlePutConfig)
		admin.PATCH("/routing-config/category/:name", RequirePermission(PermWriteConfig), s.handlePatchCategory)
		admin.DELETE("/routing-config/category/:name", RequirePermission(PermWriteConfig), s.handleDeleteCategory)
		admin.POST("/routing-config/reload", RequirePermission(PermWriteConfig), s.handleReloadConfig)

		admin.GET("/modules", RequirePermission(PermReadConfig), s.handleListModules)
		admin.GET("/modules/:cat/:plat", RequirePermission(PermReadConfig), s.handleGetModule)
		admin.POST("/modules/:cat/:plat/:action", RequirePermission(PermManageModules), s.handleModuleAction)
		admin.DELETE("/modules/:cat/:plat", RequirePermission(PermManageModules), s.handleDeleteModule)
	}

	v1 := s.engine.Group("/v1", AuthMiddleware(s.keys))
	{
		v1.POST("/query", s.handleQuery)
		v1.GET("/metrics", s.handleMetrics)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	loaded := 0
	if s.adapters != nil {
		loaded = s.adapters.Len()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"modules_loaded": loaded,
		"config_manager": s.cfg != nil,
	})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.GetConfig())
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var cfg config.RoutingConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config payload: " + err.Error()})
		return
	}
	if err := s.cfg.UpdateConfig(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handlePatchCategory(c *gin.Context) {
	name := c.Param("name")
	var cat config.CategoryConfig
	if err := c.ShouldBindJSON(&cat); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid category payload: " + err.Error()})
		return
	}
	if err := s.cfg.UpsertCategory(name, cat); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "category": name})
}

func (s *Server) handleDeleteCategory(c *gin.Context) {
	name := c.Param("name")
	deleted, err := s.cfg.DeleteCategory(name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "category not found", "category": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "category": name})
}

func (s *Server) handleReloadConfig(c *gin.Context) {
	if err := s.cfg.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "reloaded",
		"categories": len(s.cfg.GetConfig().Categories),
	})
}

func (s *Server) handleListModules(c *gin.Context) {
	records, err := s.modules.List("")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modules": records, "count": len(records)})
}

func (s *Server) handleGetModule(c *gin.Context) {
	moduleID := types.ModuleID(c.Param("cat"), c.Param("plat"))
	rec, err := s.modules.Get(moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module not found", "module_id": moduleID})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleModuleAction(c *gin.Context) {
	moduleID := types.ModuleID(c.Param("cat"), c.Param("plat"))
	switch c.Param("action") {
	case "enable", "disable":
		enabled := c.Param("action") == "enable"
		found, err := s.modules.SetEnabled(moduleID, enabled)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !found {
			c.JSON(http.StatusNotFound, gin.H{"error": "module not found", "module_id": moduleID})
			return
		}
		if !enabled && s.adapters != nil {
			s.adapters.Unload(moduleID)
		}
		c.JSON(http.StatusOK, gin.H{"status": c.Param("action") + "d", "module_id": moduleID})
	case "reload":
		if s.reload == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "module reload not configured"})
			return
		}
		if err := s.reload(moduleID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "module_id": moduleID})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "reloaded", "module_id": moduleID})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown action"})
	}
}

func (s *Server) handleDeleteModule(c *gin.Context) {
	moduleID := types.ModuleID(c.Param("cat"), c.Param("plat"))
	found, err := s.modules.Uninstall(moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "module not found", "module_id": moduleID})
		return
	}
	if s.adapters != nil {
		s.adapters.Unload(moduleID)
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "module_id": moduleID})
}

func (s *Server) handleQuery(c *gin.Context) {
	var req struct {
		Query     string `json:"query" binding:"required"`
		DebugMode bool   `json:"debug_mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}
	if s.querier == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delegation manager not initialized"})
		return
	}
	result, err := s.querier.Query(c.Request.Context(), req.Query, req.DebugMode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.querier == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delegation manager not initialized"})
		return
	}
	c.JSON(http.StatusOK, s.querier.Metrics().Snapshot())
}

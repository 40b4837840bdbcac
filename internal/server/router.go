package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gatekeeper/internal/events"
	"github.com/loykin/gatekeeper/internal/gateway"
	"github.com/loykin/gatekeeper/internal/installer"
	"github.com/loykin/gatekeeper/internal/llm"
	"github.com/loykin/gatekeeper/internal/location"
	"github.com/loykin/gatekeeper/internal/node"
	"github.com/loykin/gatekeeper/internal/platform"
	"github.com/loykin/gatekeeper/internal/tool"
)

// Backend is the command surface served over HTTP. The root App
// implements it.
type Backend interface {
	RuntimeStatus(ctx context.Context) node.Status
	RuntimeEnv() map[string]string
	InstallRuntime(ctx context.Context, goos, arch string) (node.Status, error)

	ToolStatus(ctx context.Context) tool.Status
	InstallTool(ctx context.Context) (tool.Status, error)
	UpdateTool(ctx context.Context) (tool.Status, error)
	CheckToolUpdate(ctx context.Context) (tool.UpdateInfo, error)

	StartGateway(ctx context.Context, port int, env map[string]string) (gateway.Status, error)
	StopGateway() (gateway.Status, error)
	GatewayStatus() gateway.Status
	HealthCheck(ctx context.Context, port int) bool

	Platform(ctx context.Context) platform.Info
	Prerequisites(ctx context.Context) []platform.Check

	InstallLocation() location.State
	SetInstallLocation(path string) (location.State, error)
	ResetInstallLocation() (location.State, error)

	Providers() []llm.Provider
	LLMState() (llm.State, error)
	SaveLLMConfig(provider, model, apiKey string) error

	Subscribe(buffer int, names ...string) (<-chan events.Event, func())
}

// Router provides embeddable HTTP handlers for gatekeeper.
// Endpoints (all below basePath):
//
//	GET  /runtime/status           POST /runtime/install   GET /runtime/env
//	GET  /tool/status              POST /tool/install      POST /tool/update
//	GET  /tool/update              (update check)
//	POST /gateway/start            POST /gateway/stop      GET /gateway/status
//	GET  /health?port=N
//	GET  /platform                 GET  /platform/prerequisites
//	GET|PUT|DELETE /location
//	GET  /llm/providers            GET  /llm/state         PUT /llm/config
//	GET  /events                   (server-sent events)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	b          Backend
	basePath   string
	keepAlive  time.Duration
	extraRoute func(*gin.RouterGroup)
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(b Backend, basePath string) *Router {
	return &Router{b: b, basePath: sanitizeBase(basePath), keepAlive: 15 * time.Second}
}

// WithMetrics mounts h at GET {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.extraRoute = func(g *gin.RouterGroup) { g.GET("/metrics", gin.WrapH(h)) }
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)

	group.GET("/runtime/status", r.handleRuntimeStatus)
	group.GET("/runtime/env", r.handleRuntimeEnv)
	group.POST("/runtime/install", r.handleRuntimeInstall)

	group.GET("/tool/status", r.handleToolStatus)
	group.POST("/tool/install", r.handleToolInstall)
	group.POST("/tool/update", r.handleToolUpdate)
	group.GET("/tool/update", r.handleToolCheckUpdate)

	group.POST("/gateway/start", r.handleGatewayStart)
	group.POST("/gateway/stop", r.handleGatewayStop)
	group.GET("/gateway/status", r.handleGatewayStatus)
	group.GET("/health", r.handleHealth)

	group.GET("/platform", r.handlePlatform)
	group.GET("/platform/prerequisites", r.handlePrerequisites)

	group.GET("/location", r.handleLocationGet)
	group.PUT("/location", r.handleLocationSet)
	group.DELETE("/location", r.handleLocationReset)

	group.GET("/llm/providers", r.handleProviders)
	group.GET("/llm/state", r.handleLLMState)
	group.PUT("/llm/config", r.handleLLMSave)

	group.GET("/events", r.handleEvents)
	if r.extraRoute != nil {
		r.extraRoute(group)
	}
	return g
}

// NewServer builds a standalone HTTP server on addr using this router.
// The caller runs ListenAndServe and Shutdown.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// installs and the event stream are long-lived
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, installer.ErrInProgress),
		errors.Is(err, gateway.ErrAlreadyRunning),
		errors.Is(err, gateway.ErrStopping),
		errors.Is(err, gateway.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, node.ErrUnsupportedPlatform),
		errors.Is(err, llm.ErrUnknownProvider),
		errors.Is(err, llm.ErrInvalidModel),
		errors.Is(err, location.ErrEmptyPath):
		return http.StatusBadRequest
	case errors.Is(err, tool.ErrRuntimeMissing):
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

func (r *Router) handleRuntimeStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.RuntimeStatus(c.Request.Context()))
}

func (r *Router) handleRuntimeEnv(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.RuntimeEnv())
}

type installRuntimeReq struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

func (r *Router) handleRuntimeInstall(c *gin.Context) {
	var req installRuntimeReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	st, err := r.b.InstallRuntime(c.Request.Context(), req.OS, req.Arch)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleToolStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.ToolStatus(c.Request.Context()))
}

func (r *Router) handleToolInstall(c *gin.Context) {
	st, err := r.b.InstallTool(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleToolUpdate(c *gin.Context) {
	st, err := r.b.UpdateTool(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleToolCheckUpdate(c *gin.Context) {
	info, err := r.b.CheckToolUpdate(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

type startGatewayReq struct {
	Port int               `json:"port"`
	Env  map[string]string `json:"env"`
}

func (r *Router) handleGatewayStart(c *gin.Context) {
	var req startGatewayReq
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	if req.Port < 0 || req.Port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "port must be between 1 and 65535"})
		return
	}
	for k := range req.Env {
		if !isEnvName(k) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid env name: " + strconv.Quote(k)})
			return
		}
	}
	// the child outlives this request
	st, err := r.b.StartGateway(context.WithoutCancel(c.Request.Context()), req.Port, req.Env)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleGatewayStop(c *gin.Context) {
	st, err := r.b.StopGateway()
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleGatewayStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.GatewayStatus())
}

type healthResp struct {
	Port    int  `json:"port"`
	Healthy bool `json:"healthy"`
}

func (r *Router) handleHealth(c *gin.Context) {
	port := 0
	if p := c.Query("port"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid port: " + p})
			return
		}
		port = n
	}
	if port == 0 {
		port = r.b.GatewayStatus().Port
	}
	writeJSON(c, http.StatusOK, healthResp{Port: port, Healthy: r.b.HealthCheck(c.Request.Context(), port)})
}

func (r *Router) handlePlatform(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Platform(c.Request.Context()))
}

func (r *Router) handlePrerequisites(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Prerequisites(c.Request.Context()))
}

func (r *Router) handleLocationGet(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.InstallLocation())
}

type locationReq struct {
	Path string `json:"path"`
}

func (r *Router) handleLocationSet(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	// remote callers have no working directory to resolve against
	if req.Path != "" && !isSafeAbsPath(req.Path) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid path: must be absolute path without traversal"})
		return
	}
	st, err := r.b.SetInstallLocation(req.Path)
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLocationReset(c *gin.Context) {
	st, err := r.b.ResetInstallLocation()
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleProviders(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Providers())
}

func (r *Router) handleLLMState(c *gin.Context) {
	st, err := r.b.LLMState()
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

type llmConfigReq struct {
	Provider string `json:"provider" binding:"required"`
	Model    string `json:"model" binding:"required"`
	APIKey   string `json:"api_key"`
}

func (r *Router) handleLLMSave(c *gin.Context) {
	var req llmConfigReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.b.SaveLLMConfig(req.Provider, req.Model, req.APIKey); err != nil {
		fail(c, err)
		return
	}
	st, err := r.b.LLMState()
	if err != nil {
		fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

// Package httpapi exposes the workflow engine over HTTP using echo. All
// endpoints sit behind bearer-token auth; the token's claims carry the
// caller's identity and tenant, so request bodies never name a tenant
// themselves.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metatocome/hyperflow/internal/cache"
	"github.com/metatocome/hyperflow/pkg/api"
	"github.com/metatocome/hyperflow/pkg/worker"
)

// Server wires the engine, scheduler and cache into HTTP handlers.
type Server struct {
	engine    api.Engine
	scheduler *worker.Scheduler
	cache     cache.Cache
	logger    *slog.Logger
	jwtSecret []byte
}

// Config describes how to construct a Server. Engine and JWTSecret are
// required; Scheduler may be nil when the process does not serve crontab
// management.
type Config struct {
	Engine    api.Engine
	Scheduler *worker.Scheduler
	Cache     cache.Cache
	Logger    *slog.Logger
	JWTSecret []byte
}

// NewServer creates a Server from cfg.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewMemCache()
	}
	return &Server{
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		cache:     cfg.Cache,
		logger:    cfg.Logger,
		jwtSecret: cfg.JWTSecret,
	}
}

// NewEcho builds a fully routed echo instance.
func (s *Server) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.errorHandler
	s.RegisterRoutes(e)
	return e
}

// RegisterRoutes mounts every endpoint on e. The health and metrics
// endpoints are open; everything else requires a bearer token.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api/v1", s.requireAuth)

	g.POST("/template", s.saveTemplate)
	g.GET("/template", s.listTemplates)
	g.GET("/template/:tplid", s.getTemplate)
	g.DELETE("/template/:tplid", s.deleteTemplate)

	g.POST("/workflow/start", s.startWorkflow)
	g.POST("/workflow/op", s.workflowOp)
	g.POST("/workflow/docallback", s.doCallback)
	g.GET("/workflow", s.listWorkflows)
	g.GET("/workflow/:wfid", s.getWorkflow)
	g.GET("/workflow/:wfid/routes", s.listRoutes)

	g.POST("/work/do", s.doWork)
	g.GET("/todo", s.listTodos)
	g.POST("/todo/sendback", s.sendback)
	g.POST("/todo/revoke", s.revoke)
	g.POST("/todo/transfer", s.transferTodo)

	if s.scheduler != nil {
		g.POST("/crontab", s.createCrontab)
		g.GET("/crontab", s.listCrontabs)
		g.DELETE("/crontab/:cronid", s.deleteCrontab)
	}
}

// errBody is the uniform error payload of every failed request.
type errBody struct {
	ErrMsg  string `json:"errMsg"`
	ErrType string `json:"errType,omitempty"`
	WFID    string `json:"wfid,omitempty"`
	NodeID  string `json:"nodeid,omitempty"`
	TodoID  string `json:"todoid,omitempty"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		_ = c.JSON(statusOf(apiErr.Type), errBody{
			ErrMsg:  apiErr.Msg,
			ErrType: string(apiErr.Type),
			WFID:    apiErr.WFID,
			NodeID:  apiErr.NodeID,
			TodoID:  apiErr.TodoID,
		})
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, errBody{ErrMsg: fmt.Sprintf("%v", httpErr.Message)})
		return
	}

	s.logger.Error("request failed", "path", c.Path(), "err", err)
	_ = c.JSON(http.StatusInternalServerError, errBody{ErrMsg: "internal error"})
}

func statusOf(t api.ErrType) int {
	switch t {
	case api.ErrTplNotFound, api.ErrWorkflowNotFound, api.ErrTodoNotFound, api.ErrCbPointNotFound:
		return http.StatusNotFound
	case api.ErrNoPerm:
		return http.StatusForbidden
	case api.ErrEngineBusy:
		return http.StatusServiceUnavailable
	case api.ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case api.ErrStaleTemplate:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// conditionalList answers a list GET with ETag support: a request whose
// If-None-Match equals the current tag gets 304 and no body.
func (s *Server) conditionalList(c echo.Context, key string, load func() (any, error)) error {
	etag, err := s.cache.GetETag(c.Request().Context(), key)
	if err != nil {
		// The cache is a convenience; serve uncached instead of failing.
		s.logger.Warn("etag lookup failed", "key", key, "err", err)
		etag = ""
	}
	if etag != "" {
		if match := c.Request().Header.Get("If-None-Match"); match == etag {
			return c.NoContent(http.StatusNotModified)
		}
		c.Response().Header().Set("ETag", etag)
	}
	body, err := load()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, body)
}

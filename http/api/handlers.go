package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/metatocome/hyperflow/internal/cache"
	"github.com/metatocome/hyperflow/pkg/api"
)

// --- templates ---

func (s *Server) saveTemplate(c echo.Context) error {
	var tpl api.Template
	if err := c.Bind(&tpl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	id := identity(c)
	tpl.Tenant = id.Tenant
	if tpl.Author == "" {
		tpl.Author = id.EID
	}
	saved, err := s.engine.SaveTemplate(c.Request().Context(), &tpl)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) getTemplate(c echo.Context) error {
	tpl, err := s.engine.GetTemplate(c.Request().Context(), identity(c).Tenant, c.Param("tplid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpl)
}

func (s *Server) deleteTemplate(c echo.Context) error {
	if err := s.engine.DeleteTemplate(c.Request().Context(), identity(c).Tenant, c.Param("tplid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listTemplates(c echo.Context) error {
	id := identity(c)
	return s.conditionalList(c, cache.ETagTemplateList(id.Tenant), func() (any, error) {
		return s.engine.ListTemplates(c.Request().Context(), id.Tenant)
	})
}

// --- workflows ---

type startRequest struct {
	TplID     string         `json:"tplid"`
	WFID      string         `json:"wfid,omitempty"`
	Title     string         `json:"title,omitempty"`
	TeamID    string         `json:"teamid,omitempty"`
	PBO       string         `json:"pbo,omitempty"`
	KVars     map[string]any `json:"kvars,omitempty"`
	RunMode   string         `json:"runmode,omitempty"`
	Rehearsal bool           `json:"rehearsal,omitempty"`
}

func (s *Server) startWorkflow(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	id := identity(c)
	wf, err := s.engine.StartWorkflow(c.Request().Context(), api.StartRequest{
		Tenant:    id.Tenant,
		TplID:     req.TplID,
		Starter:   id.EID,
		WFID:      req.WFID,
		Title:     req.Title,
		TeamID:    req.TeamID,
		PBO:       req.PBO,
		KVars:     req.KVars,
		RunMode:   req.RunMode,
		Rehearsal: req.Rehearsal,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

type opRequest struct {
	WFID string `json:"wfid"`
	Op   string `json:"op"`
}

func (s *Server) workflowOp(c echo.Context) error {
	var req opRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	ctx := c.Request().Context()
	tenant := identity(c).Tenant

	switch req.Op {
	case "pause":
		if err := s.engine.PauseWorkflow(ctx, tenant, req.WFID); err != nil {
			return err
		}
	case "resume":
		if err := s.engine.ResumeWorkflow(ctx, tenant, req.WFID); err != nil {
			return err
		}
	case "stop":
		if err := s.engine.StopWorkflow(ctx, tenant, req.WFID); err != nil {
			return err
		}
	case "destroy":
		if err := s.engine.DestroyWorkflow(ctx, tenant, req.WFID); err != nil {
			return err
		}
	case "restart":
		wf, err := s.engine.RestartWorkflow(ctx, tenant, req.WFID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, wf)
	case "restartthendestroy":
		wf, err := s.engine.RestartThenDestroy(ctx, tenant, req.WFID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, wf)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown op "+req.Op)
	}
	return c.JSON(http.StatusOK, map[string]string{"wfid": req.WFID, "op": req.Op})
}

type callbackRequest struct {
	CbpID    string         `json:"cbpid"`
	Decision string         `json:"decision,omitempty"`
	KVars    map[string]any `json:"kvars,omitempty"`
}

func (s *Server) doCallback(c echo.Context) error {
	var req callbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	wf, err := s.engine.DoCallback(c.Request().Context(), identity(c).Tenant, req.CbpID, req.Decision, req.KVars)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.engine.GetWorkflow(c.Request().Context(), identity(c).Tenant, c.Param("wfid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) listWorkflows(c echo.Context) error {
	id := identity(c)
	filter := api.WorkflowFilter{
		Tenant:  id.Tenant,
		TplID:   c.QueryParam("tplid"),
		Status:  api.Status(c.QueryParam("status")),
		Starter: c.QueryParam("starter"),
	}
	return s.conditionalList(c, cache.ETagWorkflowList(id.Tenant), func() (any, error) {
		return s.engine.ListWorkflows(c.Request().Context(), filter)
	})
}

func (s *Server) listRoutes(c echo.Context) error {
	routes, err := s.engine.ListRoutes(c.Request().Context(), identity(c).Tenant, c.Param("wfid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, routes)
}

// --- work and todos ---

type doWorkRequest struct {
	TodoID  string         `json:"todoid,omitempty"`
	WFID    string         `json:"wfid,omitempty"`
	NodeID  string         `json:"nodeid,omitempty"`
	Route   string         `json:"route,omitempty"`
	KVars   map[string]any `json:"kvars,omitempty"`
	Comment string         `json:"comment,omitempty"`
}

// doWork completes a work item. The todo is addressed either directly by
// todoid or by a wfid+nodeid pair, which resolves to the caller's own
// active todo at that node.
func (s *Server) doWork(c echo.Context) error {
	var req doWorkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	id := identity(c)
	if req.TodoID == "" {
		if req.WFID == "" || req.NodeID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "todoid or wfid+nodeid required")
		}
		todoid, err := s.resolveTodo(c, req.WFID, req.NodeID)
		if err != nil {
			return err
		}
		req.TodoID = todoid
	}
	wf, err := s.engine.DoWork(c.Request().Context(), api.DoWorkRequest{
		Tenant:  id.Tenant,
		Doer:    id.EID,
		TodoID:  req.TodoID,
		Route:   req.Route,
		KVars:   req.KVars,
		Comment: req.Comment,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// resolveTodo finds the caller's single active todo at a node.
func (s *Server) resolveTodo(c echo.Context, wfid, nodeid string) (string, error) {
	id := identity(c)
	todos, err := s.engine.ListTodos(c.Request().Context(), api.TodoFilter{
		Tenant: id.Tenant, WFID: wfid, Doer: id.EID, Status: api.StatusRun,
	})
	if err != nil {
		return "", err
	}
	var match []*api.Todo
	for _, td := range todos {
		if td.NodeID == nodeid {
			match = append(match, td)
		}
	}
	switch len(match) {
	case 1:
		return match[0].TodoID, nil
	case 0:
		return "", api.NewError(api.ErrTodoNotFound,
			"no active todo for %s at node %s", id.EID, nodeid).WithWFID(wfid).WithNode(nodeid)
	default:
		return "", echo.NewHTTPError(http.StatusBadRequest,
			"multiple active todos at node "+nodeid+", address one by todoid")
	}
}

// listTodos defaults to the caller's own worklist; passing wfid or doer
// widens or shifts the scope.
func (s *Server) listTodos(c echo.Context) error {
	id := identity(c)
	filter := api.TodoFilter{
		Tenant:   id.Tenant,
		WFID:     c.QueryParam("wfid"),
		Doer:     c.QueryParam("doer"),
		Status:   api.Status(c.QueryParam("status")),
		WfStatus: api.Status(c.QueryParam("wfstatus")),
	}
	if filter.WFID == "" && filter.Doer == "" {
		filter.Doer = id.EID
	}
	return s.conditionalList(c, cache.ETagTodoList(id.Tenant), func() (any, error) {
		return s.engine.ListTodos(c.Request().Context(), filter)
	})
}

type todoRequest struct {
	TodoID string `json:"todoid"`
	Doer   string `json:"doer,omitempty"`
}

func (s *Server) sendback(c echo.Context) error {
	var req todoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	id := identity(c)
	if err := s.engine.Sendback(c.Request().Context(), id.Tenant, id.EID, req.TodoID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) revoke(c echo.Context) error {
	var req todoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	id := identity(c)
	if err := s.engine.Revoke(c.Request().Context(), id.Tenant, id.EID, req.TodoID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) transferTodo(c echo.Context) error {
	var req todoRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	if req.Doer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "transfer requires a doer")
	}
	if err := s.engine.TransferTodo(c.Request().Context(), identity(c).Tenant, req.TodoID, req.Doer); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// --- crontabs ---

type crontabRequest struct {
	TplID    string `json:"tplid"`
	Expr     string `json:"expr"`
	Starters string `json:"starters"`
	Method   string `json:"method,omitempty"`
}

func (s *Server) createCrontab(c echo.Context) error {
	var req crontabRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body: "+err.Error())
	}
	row, err := s.scheduler.CreateCrontab(c.Request().Context(), &api.Crontab{
		Tenant:   identity(c).Tenant,
		TplID:    req.TplID,
		Expr:     req.Expr,
		Starters: req.Starters,
		Method:   req.Method,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, row)
}

func (s *Server) listCrontabs(c echo.Context) error {
	rows, err := s.scheduler.ListCrontabs(c.Request().Context(), identity(c).Tenant)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rows)
}

func (s *Server) deleteCrontab(c echo.Context) error {
	if err := s.scheduler.DeleteCrontab(c.Request().Context(), identity(c).Tenant, c.Param("cronid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

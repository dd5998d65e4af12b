package httpapi

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/trace"
)

// GetContext returns one context.
// GET /v1/contexts/:id
func (h *Handler) GetContext(c echo.Context) error {
	id := c.Param("id")
	ctx, err := h.engine.Store().GetContext(c.Request().Context(), core.ByID(id))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if ctx == nil {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("context %s not found", id))
	}
	return c.JSON(http.StatusOK, ctx)
}

// GetContextItems returns the timeline of a context.
// GET /v1/contexts/:id/items
func (h *Handler) GetContextItems(c echo.Context) error {
	id := c.Param("id")
	st := h.engine.Store()
	reqCtx := c.Request().Context()

	ctx, err := st.GetContext(reqCtx, core.ByID(id))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if ctx == nil {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("context %s not found", id))
	}
	items, err := st.GetItems(reqCtx, core.ByID(id))
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"contextId": id,
		"items":     items,
	})
}

// GetExecution returns an execution with its steps.
// GET /v1/executions/:id
func (h *Handler) GetExecution(c echo.Context) error {
	id := c.Param("id")
	st := h.engine.Store()
	reqCtx := c.Request().Context()

	exec, err := st.GetExecution(reqCtx, id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if exec == nil {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("execution %s not found", id))
	}
	steps, err := st.GetSteps(reqCtx, id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

// GetStepParts returns the persisted parts of a step.
// GET /v1/steps/:id/parts
func (h *Handler) GetStepParts(c echo.Context) error {
	id := c.Param("id")
	parts, err := h.engine.Store().GetStepParts(c.Request().Context(), id)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"stepId": id,
		"parts":  parts,
	})
}

// TraceResponse is the body of GET /v1/runs/:run_id/trace.
type TraceResponse struct {
	Run     *trace.Run     `json:"run"`
	Records []trace.Record `json:"records"`
	Spans   []trace.Span   `json:"spans"`
}

// GetRunTrace returns the trace of one run.
// GET /v1/runs/:run_id/trace
func (h *Handler) GetRunTrace(c echo.Context) error {
	runID := c.Param("run_id")
	reqCtx := c.Request().Context()

	run, err := h.opts.Traces.GetRun(reqCtx, runID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	if run == nil {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
	}
	records, err := h.opts.Traces.ListRecords(reqCtx, runID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	spans, err := h.opts.Traces.ListSpans(reqCtx, runID)
	if err != nil {
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusOK, TraceResponse{Run: run, Records: records, Spans: spans})
}

// Package httpapi exposes the engine over HTTP: synchronous and SSE
// streamed reactions, a WebSocket stream, read endpoints for persisted
// records and traces, health and metrics.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/logging"
	"github.com/hupe1980/threadmesh/registry"
	"github.com/hupe1980/threadmesh/runner"
	"github.com/hupe1980/threadmesh/trace"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Options configure a Handler.
type Options struct {
	// Traces serves GET /v1/runs/:run_id/trace. Nil disables the route.
	Traces trace.Store
	// Metrics is mounted at GET /metrics. Nil disables the route.
	Metrics http.Handler
	// Defaults seed the per-call options of every reaction.
	Defaults engine.ReactOptions
	// CheckOrigin guards WebSocket upgrades. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      logging.Logger
}

// Handler handles HTTP requests.
type Handler struct {
	engine   *engine.Engine
	runner   *runner.Runner
	registry *registry.Registry
	opts     Options
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewHandler creates a new handler.
func NewHandler(eng *engine.Engine, run *runner.Runner, reg *registry.Registry, optFns ...func(o *Options)) *Handler {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		engine:   eng,
		runner:   run,
		registry: reg,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logging.OrNoOp(opts.Logger),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	if h.opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.opts.Metrics))
	}

	v1 := e.Group("/v1")
	v1.GET("/threads", h.ListThreads)
	v1.POST("/threads/:key/react", h.React)
	v1.GET("/threads/:key/ws", h.Socket)

	v1.GET("/contexts/:id", h.GetContext)
	v1.GET("/contexts/:id/items", h.GetContextItems)
	v1.GET("/executions/:id", h.GetExecution)
	v1.GET("/steps/:id/parts", h.GetStepParts)

	v1.DELETE("/runs/:run_id", h.CancelRun)
	if h.opts.Traces != nil {
		v1.GET("/runs/:run_id/trace", h.GetRunTrace)
	}
}

// NewServer returns an echo instance with recovery, request logging and
// the handler's routes.
func NewServer(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				h.logger.Warn("http.request.failed", append(args, "error", v.Error.Error())...)
				return nil
			}
			h.logger.Debug("http.request", args...)
			return nil
		},
	}))
	h.RegisterRoutes(e)
	return e
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

// ListThreads returns the registered thread keys.
func (h *Handler) ListThreads(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"threads": h.registry.List()})
}

// CancelRun aborts a streamed run.
// DELETE /v1/runs/:run_id
func (h *Handler) CancelRun(c echo.Context) error {
	runID := c.Param("run_id")
	if err := h.runner.Cancel(runID); err != nil {
		if errors.Is(err, runner.ErrRunNotFound) {
			return errorJSON(c, http.StatusNotFound, err)
		}
		return errorJSON(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"runId": runID, "status": "cancelling"})
}

// statusFor maps engine and registry errors that carry no result.
func statusFor(err error) int {
	var transition *core.StateTransitionError
	switch {
	case errors.Is(err, registry.ErrUnknownThread):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrContextClosed):
		return http.StatusConflict
	case errors.Is(err, core.ErrInvalidIdentifier):
		return http.StatusBadRequest
	case errors.As(err, &transition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorJSON(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"error": err.Error()})
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/runner"
	"github.com/hupe1980/threadmesh/stream"
)

// ReactRequest is the body of POST /v1/threads/:key/react and of every
// WebSocket message.
type ReactRequest struct {
	// Trigger is the full inbound item. Text is a shorthand for a trigger
	// with one text part.
	Trigger *core.Item       `json:"trigger,omitempty"`
	Text    string           `json:"text,omitempty"`
	Channel core.Channel     `json:"channel,omitempty"`
	Context *core.Identifier `json:"context,omitempty"`
	Env     map[string]any   `json:"env,omitempty"`
	Options RequestOptions   `json:"options"`
}

// RequestOptions are the per-call knobs a client may set.
type RequestOptions struct {
	MaxIterations *int   `json:"maxIterations,omitempty"`
	MaxModelSteps int    `json:"maxModelSteps,omitempty"`
	SendFinish    *bool  `json:"sendFinish,omitempty"`
	Silent        *bool  `json:"silent,omitempty"`
	EventIDPolicy string `json:"eventIdPolicy,omitempty"`
	RunID         string `json:"runId,omitempty"`
}

// ReactResponse is the synchronous result. Error is set when the execution
// failed; the identifiers stay valid.
type ReactResponse struct {
	*engine.Result
	Error string `json:"error,omitempty"`
}

// RunFinished is the last message of an SSE or WebSocket stream.
type RunFinished struct {
	RunID string `json:"runId"`
	Error string `json:"error,omitempty"`
}

func (r ReactRequest) trigger() (core.Item, error) {
	if r.Trigger != nil {
		item := r.Trigger.Clone()
		if item.Channel == "" {
			item.Channel = r.Channel
		}
		if item.Type != "" && !item.Type.Valid() {
			return core.Item{}, fmt.Errorf("unknown item type %q", item.Type)
		}
		return item, nil
	}
	if strings.TrimSpace(r.Text) == "" {
		return core.Item{}, errors.New("trigger or text is required")
	}
	return core.Item{
		Type:    core.ItemTypeInputText,
		Channel: r.Channel,
		Content: core.ItemContent{Parts: []core.Part{core.NewTextPart(r.Text)}},
	}, nil
}

func (h *Handler) params(r ReactRequest) (engine.Params, error) {
	if r.Context != nil {
		if err := r.Context.Validate(); err != nil {
			return engine.Params{}, err
		}
	}
	if r.Channel != "" && !r.Channel.Valid() {
		return engine.Params{}, fmt.Errorf("unknown channel %q", r.Channel)
	}
	policy, err := engine.ParseEventIDPolicy(r.Options.EventIDPolicy)
	if err != nil {
		return engine.Params{}, err
	}

	o := h.opts.Defaults
	o.Sink = nil
	if r.Options.MaxIterations != nil {
		o.MaxIterations = r.Options.MaxIterations
	}
	if r.Options.MaxModelSteps > 0 {
		o.MaxModelSteps = r.Options.MaxModelSteps
	}
	if r.Options.SendFinish != nil {
		o.SendFinish = r.Options.SendFinish
	}
	if r.Options.Silent != nil {
		o.Silent = *r.Options.Silent
	}
	if r.Options.EventIDPolicy != "" {
		o.EventIDPolicy = policy
	}
	if r.Options.RunID != "" {
		o.RunID = r.Options.RunID
	}
	return engine.Params{Env: r.Env, Context: r.Context, Options: o}, nil
}

// React runs one execution of the thread.
// POST /v1/threads/:key/react
//
// With "Accept: text/event-stream" the lifecycle events are streamed as SSE
// (event name = event type) followed by a run.finished event. Otherwise the
// call blocks and returns the execution result as JSON.
func (h *Handler) React(c echo.Context) error {
	key := c.Param("key")

	var req ReactRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
	}
	trigger, err := req.trigger()
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}
	p, err := h.params(req)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, err)
	}

	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "text/event-stream") {
		return h.streamSSE(c, key, trigger, p)
	}

	def, err := h.registry.Get(key)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}
	res, err := h.engine.React(c.Request().Context(), def, trigger, p)
	if res == nil {
		return errorJSON(c, statusFor(err), err)
	}
	resp := ReactResponse{Result: res}
	if err != nil {
		resp.Error = core.ErrorText(err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) streamSSE(c echo.Context, key string, trigger core.Item, p engine.Params) error {
	reqCtx := c.Request().Context()

	// The run outlives a disconnecting client only until Cancel lands.
	ref, events, errs, err := h.runner.Invoke(context.WithoutCancel(reqCtx), key, trigger, p)
	if err != nil {
		return errorJSON(c, statusFor(err), err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "run.started", ref); err != nil {
		return h.abandon(ref, events, err)
	}

	for {
		select {
		case <-reqCtx.Done():
			return h.abandon(ref, events, reqCtx.Err())
		case ev, ok := <-events:
			if !ok {
				fin := RunFinished{RunID: ref.RunID}
				if err := <-errs; err != nil {
					fin.Error = core.ErrorText(err)
				}
				return writeSSE(w, "run.finished", fin)
			}
			if err := writeSSE(w, string(ev.Type), ev); err != nil {
				return h.abandon(ref, events, err)
			}
		}
	}
}

// abandon cancels a run whose client went away and drains what is left.
func (h *Handler) abandon(ref runner.ExecutionRef, events <-chan stream.Event, cause error) error {
	h.logger.Info("http.sse.client_gone", "run_id", ref.RunID, "cause", cause.Error())
	if err := h.runner.Cancel(ref.RunID); err != nil && !errors.Is(err, runner.ErrRunNotFound) {
		h.logger.Warn("http.sse.cancel_failed", "run_id", ref.RunID, "error", err.Error())
	}
	go func() {
		for range events {
		}
	}()
	return nil
}

func writeSSE(w *echo.Response, event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	w.Flush()
	return nil
}

package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/registry"
	"github.com/hupe1980/threadmesh/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxMessage   = 1 << 20
)

// WebSocketSink writes every event as one JSON text message. Writes are
// serialized. Close only stops further writes; the connection stays owned
// by the caller.
type WebSocketSink struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed bool
}

var _ stream.Sink = (*WebSocketSink)(nil)

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn) *WebSocketSink {
	return &WebSocketSink{conn: conn}
}

// Send implements stream.Sink.
func (s *WebSocketSink) Send(ctx context.Context, ev stream.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeJSON(ev)
}

// Close implements stream.Sink.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *WebSocketSink) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stream.ErrSinkClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Socket upgrades to a WebSocket. Every text message is a ReactRequest;
// executions on one connection run one after another and their events are
// followed by a run.finished message.
// GET /v1/threads/:key/ws
func (h *Handler) Socket(c echo.Context) error {
	key := c.Param("key")
	if !h.registry.Has(key) {
		return errorJSON(c, http.StatusNotFound, fmt.Errorf("%w: %q", registry.ErrUnknownThread, key))
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("http.ws.upgrade_failed", "error", err.Error())
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessage)

	sink := NewWebSocketSink(conn)
	ctx := context.WithoutCancel(c.Request().Context())

	for {
		var req ReactRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("http.ws.read_failed", "error", err.Error())
			}
			return nil
		}
		if err := h.socketReact(ctx, key, req, sink); err != nil {
			h.logger.Warn("http.ws.write_failed", "error", err.Error())
			return nil
		}
	}
}

func (h *Handler) socketReact(ctx context.Context, key string, req ReactRequest, sink *WebSocketSink) error {
	reply := func(msgType string, data any) error {
		return sink.writeJSON(wsMessage{Type: msgType, Data: data})
	}

	trigger, err := req.trigger()
	if err != nil {
		return reply("error", map[string]string{"error": err.Error()})
	}
	p, err := h.params(req)
	if err != nil {
		return reply("error", map[string]string{"error": err.Error()})
	}
	def, err := h.registry.Get(key)
	if err != nil {
		return reply("error", map[string]string{"error": err.Error()})
	}

	p.Options.Sink = sink
	p.Options.PreventClose = true
	res, err := h.engine.Stream(ctx, def, trigger, p)

	fin := RunFinished{}
	if res != nil {
		fin.RunID = res.ExecutionID
		if p.Options.RunID != "" {
			fin.RunID = p.Options.RunID
		}
	}
	if err != nil {
		fin.Error = core.ErrorText(err)
	}
	return reply("run.finished", fin)
}

package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/reactor"
	"github.com/hupe1980/threadmesh/registry"
	"github.com/hupe1980/threadmesh/runner"
	"github.com/hupe1980/threadmesh/store/memstore"
	"github.com/hupe1980/threadmesh/trace"
)

type fixture struct {
	server *httptest.Server
	traces *trace.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	traces := trace.NewMemoryStore()
	eng := engine.New(func(o *engine.Options) {
		o.Store = memstore.New()
		o.Trace = trace.NewRecorder(traces)
	})

	reg := registry.New()
	reg.MustRegister("echo", func() (*engine.Definition, error) {
		rx, err := reactor.NewScripted([]reactor.ScriptedStep{reactor.Reply("pong")}, func(o *reactor.ScriptedOptions) {
			o.RepeatLast = true
		})
		if err != nil {
			return nil, err
		}
		return &engine.Definition{Reactor: rx}, nil
	})
	reg.MustRegister("ticket", func() (*engine.Definition, error) {
		return &engine.Definition{
			CloseOnComplete: true,
			Reactor:         reactor.MustScripted(reactor.Reply("resolved")),
		}, nil
	})

	h := NewHandler(eng, runner.New(eng, reg), reg, func(o *Options) {
		o.Traces = traces
		o.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("threadmesh_executions_total 1\n"))
		})
	})
	srv := httptest.NewServer(NewServer(h))
	t.Cleanup(srv.Close)
	return &fixture{server: srv, traces: traces}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]string
	decode(t, resp, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, Version, health["version"])

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/threads", "", nil)
	var threads map[string][]string
	decode(t, resp, &threads)
	assert.Equal(t, []string{"echo", "ticket"}, threads["threads"])
}

func TestReact_Sync(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/threads/echo/react", `{"text":"ping","context":{"key":"web:1"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out ReactResponse
	decode(t, resp, &out)
	require.NotNil(t, out.Result)
	assert.Empty(t, out.Error)
	assert.Equal(t, core.ExecutionStatusCompleted, out.Status)
	assert.NotEmpty(t, out.ContextID)
	assert.NotEmpty(t, out.ReactionItemID)

	resp = f.do(t, http.MethodGet, "/v1/contexts/"+out.ContextID+"/items", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items struct {
		Items []core.Item `json:"items"`
	}
	decode(t, resp, &items)
	require.Len(t, items.Items, 2)
	assert.Equal(t, "ping", core.TextOf(items.Items[0].Content.Parts))
	assert.Equal(t, "pong", core.TextOf(items.Items[1].Content.Parts))

	resp = f.do(t, http.MethodGet, "/v1/executions/"+out.ExecutionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var exec struct {
		Execution core.Execution `json:"execution"`
		Steps     []core.Step    `json:"steps"`
	}
	decode(t, resp, &exec)
	assert.Equal(t, core.ExecutionStatusCompleted, exec.Execution.Status)
	require.Len(t, exec.Steps, 1)

	resp = f.do(t, http.MethodGet, "/v1/steps/"+exec.Steps[0].ID+"/parts", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/runs/"+out.ExecutionID+"/trace", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tr TraceResponse
	decode(t, resp, &tr)
	require.NotNil(t, tr.Run)
	assert.NotEmpty(t, tr.Records)
}

func TestReact_Errors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/threads/missing/react", `{"text":"hi"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/threads/echo/react", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/threads/echo/react", `{"text":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/threads/echo/react", `{"text":"hi","channel":"fax"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/threads/ticket/react", `{"text":"help","context":{"key":"t-1"}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/v1/threads/ticket/react", `{"text":"again","context":{"key":"t-1"}}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/contexts/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/executions/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/v1/runs/nope/trace", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/v1/runs/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReact_SSE(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/v1/threads/echo/react",
		`{"text":"ping","options":{"runId":"run-sse"}}`,
		map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var names []string
	var last string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			last = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, sc.Err())

	require.NotEmpty(t, names)
	assert.Equal(t, "run.started", names[0])
	assert.Equal(t, "run.finished", names[len(names)-1])
	assert.Contains(t, names, "item.created")
	assert.Contains(t, names, "thread.finished")

	var fin RunFinished
	require.NoError(t, json.Unmarshal([]byte(last), &fin))
	assert.Equal(t, "run-sse", fin.RunID)
	assert.Empty(t, fin.Error)

	resp = f.do(t, http.MethodGet, "/v1/runs/run-sse/trace", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSocket(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/threads/echo/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	defer conn.Close()

	readUntilFinished := func() (types []string, fin RunFinished) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		for {
			var msg struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			require.NoError(t, conn.ReadJSON(&msg))
			types = append(types, msg.Type)
			if msg.Type == "run.finished" {
				require.NoError(t, json.Unmarshal(msg.Data, &fin))
				return types, fin
			}
		}
	}

	for _, text := range []string{"one", "two"} {
		require.NoError(t, conn.WriteJSON(ReactRequest{Text: text, Context: &core.Identifier{Key: "ws:1"}}))
		types, fin := readUntilFinished()
		assert.Contains(t, types, "thread.finished")
		assert.NotEmpty(t, fin.RunID)
		assert.Empty(t, fin.Error)
	}

	require.NoError(t, conn.WriteJSON(ReactRequest{}))
	var msg wsMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type)
}

func TestSocket_UnknownThread(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/threads/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

package reactor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It plays the child side of the
// JSON-RPC protocol when re-executed by helperExecutor.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("THREADMESH_HELPER_PROCESS")
	if mode == "" {
		return
	}
	defer os.Exit(0)

	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		os.Exit(2)
	}
	var req struct {
		ID     int         `json:"id"`
		Method string      `json:"method"`
		Params TurnRequest `json:"params"`
	}
	if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
		os.Exit(3)
	}
	fmt.Fprintln(os.Stderr, "helper started")

	enc := json.NewEncoder(os.Stdout)
	switch mode {
	case "ok":
		_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "turn/started", "params": map[string]any{"turnId": "turn-9"}})
		_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "method": "item/agentMessage/delta", "params": map[string]any{"delta": "ok"}})
		_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
			"threadId":      "thr-9",
			"turnId":        "turn-9",
			"assistantText": "echo: " + req.Params.Instruction,
		}})
	case "error":
		_ = enc.Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32000, "message": "agent unavailable"}})
	case "exit":
		os.Exit(0)
	}
}

func helperExecutor(t *testing.T, mode string) *ProcessTurnExecutor {
	t.Helper()
	p, err := NewProcessTurnExecutor(os.Args[0], func(o *ProcessOptions) {
		o.Args = []string{"-test.run=TestHelperProcess"}
		o.Env = append(os.Environ(), "THREADMESH_HELPER_PROCESS="+mode)
	})
	require.NoError(t, err)
	return p
}

func TestProcessTurnExecutor_NotificationsAndResult(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
	)
	req := TurnRequest{
		Instruction: "ping",
		EmitChunk: func(_ context.Context, chunk map[string]any) error {
			mu.Lock()
			defer mu.Unlock()
			methods = append(methods, chunk["method"].(string))
			return nil
		},
	}

	res, err := helperExecutor(t, "ok").ExecuteTurn(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "turn-9", res.TurnID)
	assert.Equal(t, "echo: ping", res.AssistantText)
	assert.Equal(t, []string{"turn/started", "item/agentMessage/delta"}, methods)
}

func TestProcessTurnExecutor_RPCError(t *testing.T) {
	_, err := helperExecutor(t, "error").ExecuteTurn(context.Background(), TurnRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent unavailable")
}

func TestProcessTurnExecutor_ExitWithoutResponse(t *testing.T) {
	_, err := helperExecutor(t, "exit").ExecuteTurn(context.Background(), TurnRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before responding")
}

func TestProcessTurnExecutor_RequiresCommand(t *testing.T) {
	_, err := NewProcessTurnExecutor(" ")
	assert.Error(t, err)
}

func TestDelegated_WithProcessExecutor(t *testing.T) {
	d, err := NewDelegated(helperExecutor(t, "ok"), func(o *DelegatedOptions) { o.ToolName = "codex" })
	require.NoError(t, err)

	rec := &chunkRecorder{}
	in := userInput("run it")
	in.Stream = rec

	out, err := d.React(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "echo: run it", out.AssistantItem.Content.Parts[0].Text())
	assert.Equal(t, []string{ChunkTypeStart, ChunkTypeTextDelta}, rec.types())
}

package action

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
)

func echoAction(name string) *Function {
	return NewFunction(name, "echo", nil, func(_ context.Context, actx ActionContext, in map[string]any) (any, error) {
		return map[string]any{"callId": actx.ToolCallID, "input": in}, nil
	})
}

func TestExecutor_PartialFailureIsolation(t *testing.T) {
	failing := NewFunction("fail", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		return nil, errors.New("boom")
	})
	ex := NewExecutor()
	results := ex.Execute(context.Background(), Batch{
		Actions: NewSet(echoAction("echo"), failing),
		Calls: []core.ToolCall{
			{ToolCallID: "c1", ToolName: "echo", Input: map[string]any{"x": 1}},
			{ToolCallID: "c2", ToolName: "fail"},
		},
	})
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, "c1", results[0].ToolCallID)
	assert.False(t, results[1].Success)
	assert.Equal(t, "boom", results[1].ErrorText)
}

func TestExecutor_PreservesOrderUnderParallelism(t *testing.T) {
	slow := NewFunction("slow", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "slow", nil
	})
	fast := NewFunction("fast", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		return "fast", nil
	})
	ex := NewExecutor(func(o *ExecutorOptions) { o.MaxParallel = 2 })
	results := ex.Execute(context.Background(), Batch{
		Actions: NewSet(slow, fast),
		Calls: []core.ToolCall{
			{ToolCallID: "1", ToolName: "slow"},
			{ToolCallID: "2", ToolName: "fast"},
			{ToolCallID: "3", ToolName: "fast"},
		},
	})
	require.Len(t, results, 3)
	assert.Equal(t, []any{"slow", "fast", "fast"}, []any{results[0].Output, results[1].Output, results[2].Output})
}

func TestExecutor_MaxParallelBoundsConcurrency(t *testing.T) {
	var current, peak int32
	busy := NewFunction("busy", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil, nil
	})
	calls := make([]core.ToolCall, 6)
	for i := range calls {
		calls[i] = core.ToolCall{ToolCallID: string(rune('a' + i)), ToolName: "busy"}
	}
	NewExecutor(func(o *ExecutorOptions) { o.MaxParallel = 2 }).Execute(context.Background(), Batch{Actions: NewSet(busy), Calls: calls})
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestExecutor_NotFoundAndPanic(t *testing.T) {
	panicky := NewFunction("panicky", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		panic("kaboom")
	})
	results := NewExecutor().Execute(context.Background(), Batch{
		Actions: NewSet(panicky),
		Calls: []core.ToolCall{
			{ToolCallID: "1", ToolName: "missing"},
			{ToolCallID: "2", ToolName: "panicky"},
		},
	})
	assert.Equal(t, `action "missing" not found`, results[0].ErrorText)
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].ErrorText, "kaboom")
}

func TestExecutor_DecodesJSONStringInput(t *testing.T) {
	results := NewExecutor().Execute(context.Background(), Batch{
		Actions: NewSet(echoAction("echo")),
		Calls:   []core.ToolCall{{ToolCallID: "1", ToolName: "echo", Input: `{"city":"Berlin"}`}},
		Scope:   ActionContext{ExecutionID: "exec-1"},
	})
	require.True(t, results[0].Success)
	out := results[0].Output.(map[string]any)
	assert.Equal(t, map[string]any{"city": "Berlin"}, out["input"])
	assert.Equal(t, "1", out["callId"])
}

func TestExecutor_ManualActionWithoutApproverIsDenied(t *testing.T) {
	manual := NewFunction("deploy", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
		return "deployed", nil
	}, RequireApproval)

	var reviews []Review
	var mu sync.Mutex
	results := NewExecutor().Execute(context.Background(), Batch{
		Actions: NewSet(manual),
		Calls:   []core.ToolCall{{ToolCallID: "c1", ToolName: "deploy"}},
		Scope:   ActionContext{ExecutionID: "exec-1"},
		OnReview: func(_ context.Context, r Review) {
			mu.Lock()
			defer mu.Unlock()
			reviews = append(reviews, r)
		},
	})
	assert.Equal(t, "Tool execution not approved", results[0].ErrorText)
	require.Len(t, reviews, 1)
	assert.Equal(t, "exec-1", reviews[0].ExecutionID)
	assert.Equal(t, "c1", reviews[0].ToolCallID)
}

func TestExecutor_ApprovalCommentAndArgs(t *testing.T) {
	manual := NewFunction("deploy", "", nil, func(_ context.Context, _ ActionContext, in map[string]any) (any, error) {
		return in["env"], nil
	}, RequireApproval)

	deny := NewExecutor(func(o *ExecutorOptions) {
		o.Approver = ApproverFunc(func(context.Context, Review) (Approval, error) {
			return Approval{Approved: false, Comment: "not on friday"}, nil
		})
	})
	res := deny.Execute(context.Background(), Batch{Actions: NewSet(manual), Calls: []core.ToolCall{{ToolCallID: "c1", ToolName: "deploy"}}})
	assert.Equal(t, "Tool execution not approved: not on friday", res[0].ErrorText)

	allow := NewExecutor(func(o *ExecutorOptions) {
		o.Approver = ApproverFunc(func(context.Context, Review) (Approval, error) {
			return Approval{Approved: true, Args: map[string]any{"env": "staging"}}, nil
		})
	})
	res = allow.Execute(context.Background(), Batch{
		Actions: NewSet(manual),
		Calls:   []core.ToolCall{{ToolCallID: "c1", ToolName: "deploy", Input: map[string]any{"env": "prod"}}},
	})
	require.True(t, res[0].Success)
	assert.Equal(t, "staging", res[0].Output)
}

func TestExecutor_GateDecisions(t *testing.T) {
	gate := GateFunc(func(_ context.Context, in GateInput) (Verdict, error) {
		switch in.ActionName {
		case "rm":
			return Verdict{Decision: DecisionBlock, Reason: "destructive"}, nil
		case "pay":
			return Verdict{Decision: DecisionRequireApproval}, nil
		}
		return Verdict{Decision: DecisionAllow}, nil
	})
	var approverCalls int32
	ex := NewExecutor(func(o *ExecutorOptions) {
		o.Gate = gate
		o.Approver = ApproverFunc(func(context.Context, Review) (Approval, error) {
			atomic.AddInt32(&approverCalls, 1)
			return Approval{Approved: true}, nil
		})
	})
	results := ex.Execute(context.Background(), Batch{
		Actions: NewSet(echoAction("rm"), echoAction("pay"), echoAction("ls")),
		Calls: []core.ToolCall{
			{ToolCallID: "1", ToolName: "rm"},
			{ToolCallID: "2", ToolName: "pay"},
			{ToolCallID: "3", ToolName: "ls"},
		},
	})
	assert.Equal(t, "Tool execution blocked: destructive", results[0].ErrorText)
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)
	assert.Equal(t, int32(1), atomic.LoadInt32(&approverCalls))
}

func TestExecutor_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := NewExecutor().Execute(ctx, Batch{
		Actions: NewSet(echoAction("echo")),
		Calls:   []core.ToolCall{{ToolCallID: "1", ToolName: "echo"}},
	})
	assert.False(t, results[0].Success)
	assert.Equal(t, context.Canceled.Error(), results[0].ErrorText)
}

func TestExecutor_EmptyBatch(t *testing.T) {
	assert.Empty(t, NewExecutor().Execute(context.Background(), Batch{}))
}

type mockApprover struct{ mock.Mock }

func (m *mockApprover) Approve(ctx context.Context, r Review) (Approval, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(Approval), args.Error(1)
}

func TestExecutor_ReviewCarriesScope(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.MatchedBy(func(r Review) bool {
		return r.ToolCallID == "c1" && r.ActionName == "deploy" && r.ExecutionID == "exec-1" && r.Input["env"] == "prod"
	})).Return(Approval{Approved: true}, nil).Once()

	var observed []Review
	ex := NewExecutor(func(o *ExecutorOptions) { o.Approver = approver })
	res := ex.Execute(context.Background(), Batch{
		Actions: NewSet(NewFunction("deploy", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
			return "ok", nil
		}, RequireApproval)),
		Calls: []core.ToolCall{{ToolCallID: "c1", ToolName: "deploy", Input: map[string]any{"env": "prod"}}},
		Scope: ActionContext{ExecutionID: "exec-1"},
		OnReview: func(_ context.Context, r Review) {
			observed = append(observed, r)
		},
	})

	require.Len(t, res, 1)
	assert.True(t, res[0].Success)
	require.Len(t, observed, 1)
	assert.Equal(t, "c1", observed[0].ToolCallID)
	approver.AssertExpectations(t)
}

func TestExecutor_ApproverErrorDenies(t *testing.T) {
	approver := &mockApprover{}
	approver.On("Approve", mock.Anything, mock.Anything).Return(Approval{}, errors.New("queue down")).Once()

	ex := NewExecutor(func(o *ExecutorOptions) { o.Approver = approver })
	res := ex.Execute(context.Background(), Batch{
		Actions: NewSet(NewFunction("deploy", "", nil, func(context.Context, ActionContext, map[string]any) (any, error) {
			return "ok", nil
		}, RequireApproval)),
		Calls: []core.ToolCall{{ToolCallID: "c1", ToolName: "deploy"}},
	})

	require.Len(t, res, 1)
	assert.False(t, res[0].Success)
	assert.NotEmpty(t, res[0].ErrorText)
	approver.AssertExpectations(t)
}

package core

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifier_Validate(t *testing.T) {
	assert.NoError(t, ByID("a").Validate())
	assert.NoError(t, ByKey("k").Validate())
	assert.True(t, errors.Is(Identifier{}.Validate(), ErrInvalidIdentifier))
	assert.True(t, errors.Is(Identifier{ID: "a", Key: "k"}.Validate(), ErrInvalidIdentifier))
	assert.True(t, errors.Is(Identifier{ID: "  "}.Validate(), ErrInvalidIdentifier))
}

func TestItemContent_JSONPreservesExtra(t *testing.T) {
	raw := `{"parts":[{"type":"text","text":"hi"}],"metadata":{"source":"web"},"score":1}`
	var c ItemContent
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	require.Len(t, c.Parts, 1)
	assert.Equal(t, "hi", c.Parts[0].Text())
	assert.Equal(t, map[string]any{"source": "web"}, c.Extra["metadata"])

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestItemContent_MalformedPartsDropped(t *testing.T) {
	var c ItemContent
	require.NoError(t, json.Unmarshal([]byte(`{"parts":"nope","x":true}`), &c))
	assert.Nil(t, c.Parts)
	assert.Equal(t, true, c.Extra["x"])
}

func TestMergeContent(t *testing.T) {
	current := map[string]any{
		"a":     1,
		"ns":    map[string]any{"x": 1, "y": 2},
		"gone":  true,
		"other": "keep",
	}
	merged := MergeContent(current, map[string]any{
		"a":    2,
		"ns":   map[string]any{"y": 3, "x": nil},
		"gone": nil,
	})

	assert.Equal(t, map[string]any{
		"a":     2,
		"ns":    map[string]any{"y": 3},
		"other": "keep",
	}, merged)
	assert.Equal(t, 1, current["a"], "current must not be mutated")
	assert.Equal(t, map[string]any{"k": "v"}, MergeContent(nil, map[string]any{"k": "v"}))
}

func TestStepPatch_Apply(t *testing.T) {
	status := StepStatusCompleted
	cont := true
	s := Step{Status: StepStatusRunning, ErrorText: "x"}
	StepPatch{Status: &status, ContinueLoop: &cont, ToolCalls: []ToolCall{{ToolCallID: "c"}}}.Apply(&s, s.CreatedAt)
	assert.Equal(t, StepStatusCompleted, s.Status)
	require.NotNil(t, s.ContinueLoop)
	assert.True(t, *s.ContinueLoop)
	assert.Equal(t, "x", s.ErrorText)
	assert.Len(t, s.ToolCalls, 1)
}

func TestErrorText_UnwrapsReactorError(t *testing.T) {
	assert.Equal(t, "boom", ErrorText(&ReactorError{Reactor: "scripted", Err: errors.New("boom")}))
	assert.Equal(t, "store save: disk", ErrorText(NewStoreError("save", errors.New("disk"))))
	assert.Equal(t, "", ErrorText(nil))
}

func TestStepLimiter(t *testing.T) {
	l := NewStepLimiter(2)
	require.NoError(t, l.Take())
	require.NoError(t, l.Take())
	assert.Error(t, l.Take())
	assert.Equal(t, 2, l.Used())
	assert.Equal(t, 0, l.Remaining())

	assert.Equal(t, 5, ResolveMaxModelSteps(5, 2))
	assert.Equal(t, 2, ResolveMaxModelSteps(0, 2))
	assert.Equal(t, 1, ResolveMaxModelSteps(0, 0))
}

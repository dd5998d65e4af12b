package core

import (
	"encoding/json"
	"strings"
	"time"
)

// Identifier addresses a Thread or Context by id or by key. Exactly one of
// the two must be set.
type Identifier struct {
	ID  string `json:"id,omitempty"`
	Key string `json:"key,omitempty"`
}

// ByID returns an id-based identifier.
func ByID(id string) Identifier { return Identifier{ID: id} }

// ByKey returns a key-based identifier.
func ByKey(key string) Identifier { return Identifier{Key: key} }

// Validate enforces the exactly-one-of rule.
func (i Identifier) Validate() error {
	hasID := strings.TrimSpace(i.ID) != ""
	hasKey := strings.TrimSpace(i.Key) != ""
	if hasID == hasKey {
		return ErrInvalidIdentifier
	}
	return nil
}

func (i Identifier) String() string {
	if i.ID != "" {
		return "id:" + i.ID
	}
	return "key:" + i.Key
}

// Thread is the top-level conversational container.
type Thread struct {
	ID        string       `json:"id"`
	Key       string       `json:"key,omitempty"`
	Name      string       `json:"name,omitempty"`
	Status    ThreadStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt,omitzero"`
}

// Context holds user-defined conversation state. Content is opaque to the
// engine and round-tripped verbatim.
type Context struct {
	ID                 string         `json:"id"`
	ThreadID           string         `json:"threadId,omitempty"`
	Key                string         `json:"key,omitempty"`
	Status             ContextStatus  `json:"status"`
	Content            map[string]any `json:"content"`
	CurrentExecutionID string         `json:"currentExecutionId,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt,omitzero"`
}

// Identifier returns the id-based identifier of c.
func (c *Context) Identifier() Identifier { return ByID(c.ID) }

// Clone deep-copies the content map.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Content = cloneMap(c.Content)
	return &out
}

// ItemContent is the payload of an Item: ordered parts plus arbitrary extra
// fields that are preserved on round-trip.
type ItemContent struct {
	Parts []Part
	Extra map[string]any
}

// MarshalJSON flattens Extra next to "parts".
func (c ItemContent) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+1)
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.Parts != nil {
		m["parts"] = c.Parts
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits "parts" from the remaining fields.
func (c *ItemContent) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Parts = nil
	c.Extra = nil
	for k, v := range raw {
		if k == "parts" {
			var parts []Part
			// Malformed parts are dropped instead of failing the whole item.
			if err := json.Unmarshal(v, &parts); err == nil {
				c.Parts = parts
			}
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if c.Extra == nil {
			c.Extra = map[string]any{}
		}
		c.Extra[k] = val
	}
	return nil
}

// Item is one message-like unit in a context timeline.
type Item struct {
	ID        string      `json:"id"`
	Type      ItemType    `json:"type"`
	Channel   Channel     `json:"channel"`
	CreatedAt time.Time   `json:"createdAt"`
	Status    ItemStatus  `json:"status,omitempty"`
	Content   ItemContent `json:"content"`
}

// Clone copies the item including its parts.
func (i Item) Clone() Item {
	out := i
	out.Content.Parts = CloneParts(i.Content.Parts)
	out.Content.Extra = cloneMap(i.Content.Extra)
	return out
}

// Execution is one turn cycle triggered by one inbound item.
type Execution struct {
	ID             string          `json:"id"`
	ContextID      string          `json:"contextId"`
	ThreadID       string          `json:"threadId"`
	Status         ExecutionStatus `json:"status"`
	TriggerItemID  string          `json:"triggerItemId"`
	ReactionItemID string          `json:"reactionItemId"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt,omitzero"`
}

// Step is one loop iteration of an execution.
type Step struct {
	ID                   string                `json:"id"`
	ExecutionID          string                `json:"executionId"`
	Iteration            int                   `json:"iteration"`
	Status               StepStatus            `json:"status"`
	TriggerItemID        string                `json:"triggerItemId,omitempty"`
	ReactionItemID       string                `json:"reactionItemId,omitempty"`
	EventID              string                `json:"eventId"`
	ToolCalls            []ToolCall            `json:"toolCalls,omitempty"`
	ToolExecutionResults []ToolExecutionResult `json:"toolExecutionResults,omitempty"`
	ContinueLoop         *bool                 `json:"continueLoop,omitempty"`
	ErrorText            string                `json:"errorText,omitempty"`
	CreatedAt            time.Time             `json:"createdAt"`
	UpdatedAt            time.Time             `json:"updatedAt,omitzero"`
}

// StepInput carries the arguments of Store.CreateStep.
type StepInput struct {
	ExecutionID string `json:"executionId"`
	Iteration   int    `json:"iteration"`
}

// StepPatch is a partial step update. Nil fields are left unchanged.
type StepPatch struct {
	Status               *StepStatus
	ToolCalls            []ToolCall
	ToolExecutionResults []ToolExecutionResult
	ContinueLoop         *bool
	ErrorText            *string
	UpdatedAt            time.Time
}

// Apply writes the non-nil fields of p onto s. The status edge is not
// validated here.
func (p StepPatch) Apply(s *Step, now time.Time) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ToolCalls != nil {
		s.ToolCalls = append([]ToolCall(nil), p.ToolCalls...)
	}
	if p.ToolExecutionResults != nil {
		s.ToolExecutionResults = append([]ToolExecutionResult(nil), p.ToolExecutionResults...)
	}
	if p.ContinueLoop != nil {
		v := *p.ContinueLoop
		s.ContinueLoop = &v
	}
	if p.ErrorText != nil {
		s.ErrorText = *p.ErrorText
	}
	if !p.UpdatedAt.IsZero() {
		s.UpdatedAt = p.UpdatedAt
	} else {
		s.UpdatedAt = now
	}
}

// StepPart is a persisted part addressed by "<stepId>:<idx>".
type StepPart struct {
	Key       string    `json:"key"`
	StepID    string    `json:"stepId"`
	Idx       int       `json:"idx"`
	Type      string    `json:"type,omitempty"`
	Part      Part      `json:"part"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// Validate checks the part key invariant.
func (sp StepPart) Validate() error {
	return AssertPartKey(sp.StepID, sp.Idx, sp.Key)
}

// NewStepParts decomposes parts into StepParts carrying derived keys.
func NewStepParts(stepID string, parts []Part) []StepPart {
	out := make([]StepPart, 0, len(parts))
	for idx, p := range parts {
		out = append(out, StepPart{
			Key:    PartKey(stepID, idx),
			StepID: stepID,
			Idx:    idx,
			Type:   p.Type(),
			Part:   p.Clone(),
		})
	}
	return out
}

// ToolCall is a normalized tool invocation request.
type ToolCall struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Input      any    `json:"input,omitempty"`
}

// ToolExecutionResult is the per-call outcome of an action execution.
type ToolExecutionResult struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
	Success    bool   `json:"success"`
	Output     any    `json:"output,omitempty"`
	ErrorText  string `json:"errorText,omitempty"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// MergeContent performs the read-merge-write step used for context content.
// Top-level keys of patch replace those of current, except that nested
// objects are merged one level deep so writers owning different namespaced
// sub-keys do not clobber each other. A nil value in patch deletes the key.
func MergeContent(current, patch map[string]any) map[string]any {
	out := cloneMap(current)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		next, nextIsMap := v.(map[string]any)
		prev, prevIsMap := out[k].(map[string]any)
		if nextIsMap && prevIsMap {
			merged := cloneMap(prev)
			for nk, nv := range next {
				if nv == nil {
					delete(merged, nk)
					continue
				}
				merged[nk] = nv
			}
			out[k] = merged
			continue
		}
		if nextIsMap {
			out[k] = cloneMap(next)
			continue
		}
		out[k] = v
	}
	return out
}

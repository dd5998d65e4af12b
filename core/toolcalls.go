package core

// ExtractToolCalls scans parts for tool invocation markers ("tool-<name>"
// parts carrying a toolCallId). Malformed parts are skipped.
func ExtractToolCalls(parts []Part) []ToolCall {
	calls := make([]ToolCall, 0)
	for _, p := range parts {
		if !p.IsTool() {
			continue
		}
		name := p.ToolName()
		if name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ToolCallID: p.String("toolCallId"),
			ToolName:   name,
			Input:      p["input"],
		})
	}
	return calls
}

// ApplyToolExecutionResult returns a copy of parts where the tool part
// matching the result's call id and tool name carries the settled outcome.
// The input slice is not mutated.
func ApplyToolExecutionResult(parts []Part, res ToolExecutionResult) []Part {
	out := make([]Part, len(parts))
	for i, p := range parts {
		if p.Type() != toolPartPrefix+res.ToolName || p.String("toolCallId") != res.ToolCallID {
			out[i] = p
			continue
		}
		np := p.Clone()
		if res.Success {
			np["state"] = ToolStateOutputAvailable
			np["output"] = res.Output
		} else {
			msg := res.ErrorText
			if msg == "" {
				msg = "Error"
			}
			np["state"] = ToolStateOutputError
			np["errorText"] = msg
		}
		out[i] = np
	}
	return out
}

// DidToolExecute reports whether item holds a settled result for toolName.
func DidToolExecute(item Item, toolName string) bool {
	for _, p := range item.Content.Parts {
		if p.Type() != toolPartPrefix+toolName {
			continue
		}
		switch p.String("state") {
		case ToolStateOutputAvailable, ToolStateOutputError:
			return true
		}
	}
	return false
}

// Usage is normalized provider token accounting.
type Usage struct {
	PromptTokens         int `json:"promptTokens"`
	PromptTokensCached   int `json:"promptTokensCached,omitempty"`
	PromptTokensUncached int `json:"promptTokensUncached,omitempty"`
	CompletionTokens     int `json:"completionTokens"`
	TotalTokens          int `json:"totalTokens"`
}

// NormalizeUsage reads token counts from a provider usage object accepting
// camelCase and snake_case spellings as well as input/output naming. The
// total defaults to prompt + completion. It reports false when no count is
// present.
func NormalizeUsage(raw map[string]any) (Usage, bool) {
	if raw == nil {
		return Usage{}, false
	}
	prompt, hasPrompt := firstInt(raw, "promptTokens", "prompt_tokens", "inputTokens", "input_tokens")
	completion, hasCompletion := firstInt(raw, "completionTokens", "completion_tokens", "outputTokens", "output_tokens")
	total, hasTotal := firstInt(raw, "totalTokens", "total_tokens")
	if !hasPrompt && !hasCompletion && !hasTotal {
		return Usage{}, false
	}
	if !hasTotal {
		total = prompt + completion
	}
	u := Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}
	cached, hasCached := firstInt(raw, "cachedTokens", "cached_tokens", "promptTokensCached")
	if !hasCached {
		for _, key := range []string{"prompt_tokens_details", "promptTokensDetails", "input_tokens_details"} {
			if details, ok := raw[key].(map[string]any); ok {
				cached, hasCached = firstInt(details, "cached_tokens", "cachedTokens")
				if hasCached {
					break
				}
			}
		}
	}
	if hasCached {
		u.PromptTokensCached = cached
		if prompt >= cached {
			u.PromptTokensUncached = prompt - cached
		}
	}
	return u, true
}

// ExtractUsage surfaces provider usage recorded on an item, either under
// content.usage or content.metadata.usage. It never fails.
func ExtractUsage(item Item) (Usage, bool) {
	if raw, ok := item.Content.Extra["usage"].(map[string]any); ok {
		return NormalizeUsage(raw)
	}
	if meta, ok := item.Content.Extra["metadata"].(map[string]any); ok {
		if raw, ok := meta["usage"].(map[string]any); ok {
			return NormalizeUsage(raw)
		}
	}
	return Usage{}, false
}

func firstInt(m map[string]any, keys ...string) (int, bool) {
	for _, k := range keys {
		if n, ok := toInt(m[k]); ok {
			return n, true
		}
	}
	return 0, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

package reactor

import (
	"strings"
)

// Normalized chunk types produced by MapProviderChunk.
const (
	ChunkTypeStart                = "chunk.start"
	ChunkTypeStartStep            = "chunk.start_step"
	ChunkTypeFinish               = "chunk.finish"
	ChunkTypeFinishStep           = "chunk.finish_step"
	ChunkTypeTextStart            = "chunk.text_start"
	ChunkTypeTextDelta            = "chunk.text_delta"
	ChunkTypeTextEnd              = "chunk.text_end"
	ChunkTypeReasoningStart       = "chunk.reasoning_start"
	ChunkTypeReasoningDelta       = "chunk.reasoning_delta"
	ChunkTypeReasoningEnd         = "chunk.reasoning_end"
	ChunkTypeActionInputStart     = "chunk.action_input_start"
	ChunkTypeActionInputDelta     = "chunk.action_input_delta"
	ChunkTypeActionInputAvailable = "chunk.action_input_available"
	ChunkTypeActionOutput         = "chunk.action_output_available"
	ChunkTypeActionOutputError    = "chunk.action_output_error"
	ChunkTypeMessageMetadata      = "chunk.message_metadata"
	ChunkTypeResponseMetadata     = "chunk.response_metadata"
	ChunkTypeSourceURL            = "chunk.source_url"
	ChunkTypeSourceDocument       = "chunk.source_document"
	ChunkTypeFile                 = "chunk.file"
	ChunkTypeError                = "chunk.error"
	ChunkTypeUnknown              = "chunk.unknown"
)

// ChunkMapping is the normalized form of one provider chunk.
type ChunkMapping struct {
	ChunkType         string
	ProviderChunkType string
	ActionRef         string
	Data              any
	// Skip drops the chunk entirely.
	Skip bool
}

// MapProviderChunkType classifies a free-form provider chunk type by
// substring.
func MapProviderChunkType(providerChunkType string) string {
	v := strings.ToLower(providerChunkType)
	has := func(s ...string) bool {
		for _, x := range s {
			if strings.Contains(v, x) {
				return true
			}
		}
		return false
	}
	switch {
	case has("start_step"):
		return ChunkTypeStartStep
	case v == "start":
		return ChunkTypeStart
	case has("finish_step"):
		return ChunkTypeFinishStep
	case v == "finish":
		return ChunkTypeFinish
	case has("reasoning_start"):
		return ChunkTypeReasoningStart
	case has("reasoning_delta"):
		return ChunkTypeReasoningDelta
	case has("reasoning_end"):
		return ChunkTypeReasoningEnd
	case has("action_input_start", "tool_input_start"):
		return ChunkTypeActionInputStart
	case has("action_input_delta", "tool_input_delta"):
		return ChunkTypeActionInputDelta
	case has("action_input_available", "tool_input_available", "action_call"):
		return ChunkTypeActionInputAvailable
	case has("action_output_available", "tool_output_available"):
		return ChunkTypeActionOutput
	case has("action_output_error", "tool_output_error"):
		return ChunkTypeActionOutputError
	case has("message_metadata"):
		return ChunkTypeMessageMetadata
	case has("response_metadata"):
		return ChunkTypeResponseMetadata
	case has("text_start"):
		return ChunkTypeTextStart
	case has("text_delta"), has("message") && has("delta"):
		return ChunkTypeTextDelta
	case has("text_end"):
		return ChunkTypeTextEnd
	case has("source_url"):
		return ChunkTypeSourceURL
	case has("source_document"):
		return ChunkTypeSourceDocument
	case has("file"):
		return ChunkTypeFile
	case has("error"):
		return ChunkTypeError
	}
	return ChunkTypeUnknown
}

// MapProviderChunk is the default chunk mapping. JSON-RPC style
// notifications ({"method", "params"}) are mapped by method; anything else
// by its "type" field.
func MapProviderChunk(chunk map[string]any) (ChunkMapping, bool) {
	if m, ok := mapNotification(chunk); ok {
		return m, true
	}
	providerType := str(chunk["type"])
	if providerType == "" {
		providerType = "unknown"
	}
	data := map[string]any{}
	for _, k := range []string{"id", "delta", "text", "finishReason", "actionName", "toolName", "toolCallId"} {
		if v, ok := chunk[k]; ok && v != nil {
			data[k] = v
		}
	}
	return ChunkMapping{
		ChunkType:         MapProviderChunkType(providerType),
		ProviderChunkType: providerType,
		ActionRef:         firstString(chunk["actionRef"], chunk["toolCallId"], chunk["id"]),
		Data:              data,
	}, true
}

func mapNotification(chunk map[string]any) (ChunkMapping, bool) {
	method := strings.TrimSpace(str(chunk["method"]))
	if method == "" {
		return ChunkMapping{}, false
	}
	if strings.HasPrefix(method, "codex/event/") {
		return ChunkMapping{ChunkType: ChunkTypeUnknown, ProviderChunkType: method, Skip: true}, true
	}

	params, _ := chunk["params"].(map[string]any)
	item, _ := params["item"].(map[string]any)
	itemType := strings.ToLower(strings.TrimSpace(str(item["type"])))
	itemStatus := strings.ToLower(strings.TrimSpace(str(item["status"])))
	failed := item["error"] != nil || itemStatus == "failed" || itemStatus == "declined"
	actionRef := firstString(params["itemId"], params["toolCallId"], params["id"], item["id"], item["toolCallId"])

	build := func(chunkType string) (ChunkMapping, bool) {
		m := ChunkMapping{
			ChunkType:         chunkType,
			ProviderChunkType: method,
			Data:              map[string]any{"method": method, "params": params},
		}
		if strings.HasPrefix(chunkType, "chunk.action_") {
			m.ActionRef = actionRef
		}
		return m, true
	}

	switch method {
	case "turn/started":
		return build(ChunkTypeStart)
	case "turn/completed":
		return build(ChunkTypeFinish)
	case "turn/diff/updated", "turn/plan/updated", "thread/tokenUsage/updated", "account/rateLimits/updated":
		return build(ChunkTypeResponseMetadata)
	case "app/list/updated", "authStatusChange", "sessionConfigured", "loginChatGptComplete", "mcpServer/oauthLogin/completed":
		return build(ChunkTypeMessageMetadata)
	case "item/agentMessage/delta":
		return build(ChunkTypeTextDelta)
	case "item/reasoning/summaryTextDelta", "item/reasoning/textDelta":
		return build(ChunkTypeReasoningDelta)
	case "item/reasoning/summaryPartAdded":
		return build(ChunkTypeReasoningStart)
	case "item/commandExecution/outputDelta", "item/fileChange/outputDelta", "item/mcpToolCall/progress":
		return build(ChunkTypeActionOutput)
	case "item/started":
		switch {
		case itemType == "agentmessage":
			return build(ChunkTypeTextStart)
		case itemType == "reasoning":
			return build(ChunkTypeReasoningStart)
		case isActionItemType(itemType):
			return build(ChunkTypeActionInputAvailable)
		}
		return build(ChunkTypeMessageMetadata)
	case "item/completed":
		switch {
		case itemType == "agentmessage":
			return build(ChunkTypeTextEnd)
		case itemType == "reasoning":
			return build(ChunkTypeReasoningEnd)
		case itemType == "usermessage":
			return build(ChunkTypeMessageMetadata)
		case isActionItemType(itemType) && failed:
			return build(ChunkTypeActionOutputError)
		case isActionItemType(itemType):
			return build(ChunkTypeActionOutput)
		case failed:
			return build(ChunkTypeError)
		}
		return build(ChunkTypeMessageMetadata)
	case "error":
		return build(ChunkTypeError)
	}

	switch {
	case strings.HasPrefix(method, "item/"), strings.HasPrefix(method, "turn/"):
		return build(ChunkTypeResponseMetadata)
	case strings.HasPrefix(method, "thread/"), strings.HasPrefix(method, "account/"):
		return build(ChunkTypeMessageMetadata)
	}
	return build(ChunkTypeUnknown)
}

func isActionItemType(itemType string) bool {
	switch itemType {
	case "", "agentmessage", "reasoning", "usermessage":
		return false
	}
	for _, marker := range []string{"commandexecution", "filechange", "mcptoolcall", "tool", "action"} {
		if strings.Contains(itemType, marker) {
			return true
		}
	}
	return false
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(vs ...any) string {
	for _, v := range vs {
		if s := str(v); s != "" {
			return s
		}
	}
	return ""
}

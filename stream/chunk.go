package stream

// Chunk types the engine itself emits. Reactors may emit any other chunk
// type; it is passed through opaquely.
const (
	ChunkStart               = "start"
	ChunkContextID           = "data-context-id"
	ChunkContextSubstate     = "data-context-substate"
	ChunkThreadPing          = "data-thread-ping"
	ChunkToolOutputAvailable = "tool-output-available"
	ChunkToolOutputError     = "tool-output-error"
	ChunkFinish              = "finish"
	ChunkTextDelta           = "text-delta"
)

// SubstateActions marks the window in which actions execute.
const SubstateActions = "actions"

// ContextIDData is the payload of a data-context-id chunk.
func ContextIDData(contextID string) map[string]any {
	return map[string]any{"contextId": contextID}
}

// PingData is the payload of a transient data-thread-ping chunk.
func PingData(label string) map[string]any {
	return map[string]any{"label": label, "transient": true}
}

// SubstateData is the payload of a transient data-context-substate chunk. An
// empty key clears the substate.
func SubstateData(key string) map[string]any {
	var k any
	if key != "" {
		k = key
	}
	return map[string]any{"key": k, "transient": true}
}

// ToolOutputData is the payload of a tool-output-available chunk.
func ToolOutputData(toolCallID string, output any) map[string]any {
	return map[string]any{"toolCallId": toolCallID, "output": output}
}

// ToolErrorData is the payload of a tool-output-error chunk.
func ToolErrorData(toolCallID, errorText string) map[string]any {
	return map[string]any{"toolCallId": toolCallID, "errorText": errorText}
}

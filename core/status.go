package core

// EntityKind names one of the five status-bearing record types.
type EntityKind string

const (
	// EntityThread identifies Thread records.
	EntityThread EntityKind = "thread"
	// EntityContext identifies Context records.
	EntityContext EntityKind = "context"
	// EntityExecution identifies Execution records.
	EntityExecution EntityKind = "execution"
	// EntityStep identifies Step records.
	EntityStep EntityKind = "step"
	// EntityItem identifies Item records.
	EntityItem EntityKind = "item"
)

// ThreadStatus is the lifecycle status of a Thread.
type ThreadStatus string

const (
	ThreadStatusOpen      ThreadStatus = "open"
	ThreadStatusStreaming ThreadStatus = "streaming"
	ThreadStatusClosed    ThreadStatus = "closed"
	ThreadStatusFailed    ThreadStatus = "failed"
)

// ContextStatus is the lifecycle status of a Context.
type ContextStatus string

const (
	ContextStatusOpen      ContextStatus = "open"
	ContextStatusStreaming ContextStatus = "streaming"
	ContextStatusClosed    ContextStatus = "closed"
)

// ExecutionStatus is the lifecycle status of an Execution.
type ExecutionStatus string

const (
	ExecutionStatusExecuting ExecutionStatus = "executing"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// StepStatus is the lifecycle status of a Step.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether no further transition can leave s.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// ItemStatus is the lifecycle status of an Item.
type ItemStatus string

const (
	ItemStatusStored    ItemStatus = "stored"
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusCompleted ItemStatus = "completed"
)

// ItemType classifies what an Item represents in a timeline.
type ItemType string

const (
	// ItemTypeInputText is an inbound user message.
	ItemTypeInputText ItemType = "input_text"
	// ItemTypeOutputText is an assistant reaction.
	ItemTypeOutputText ItemType = "output_text"
	// ItemTypeSystem is an internal system marker.
	ItemTypeSystem ItemType = "system"
)

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeInputText, ItemTypeOutputText, ItemTypeSystem:
		return true
	}
	return false
}

// Channel tags the delivery surface an Item arrived on or is sent to.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelWhatsApp, ChannelEmail:
		return true
	}
	return false
}

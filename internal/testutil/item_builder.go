package testutil

import (
	"time"

	"github.com/hupe1980/threadmesh/core"
)

// ItemBuilder provides a fluent helper for constructing items in tests.
// Example:
//
//	it := NewItemBuilder().Channel(core.ChannelEmail).Text("hello").Build()
//
// Chain only the parts you need; an input_text item on the web channel is
// the default.
type ItemBuilder struct {
	id        string
	itemType  core.ItemType
	channel   core.Channel
	status    core.ItemStatus
	createdAt time.Time
	parts     []core.Part
}

// NewItemBuilder creates a builder for an inbound text item.
func NewItemBuilder() *ItemBuilder {
	return &ItemBuilder{itemType: core.ItemTypeInputText, channel: core.ChannelWeb}
}

// ID sets the item id (chainable). Stores assign one when empty.
func (b *ItemBuilder) ID(id string) *ItemBuilder { b.id = id; return b }

// Type sets the item type (chainable).
func (b *ItemBuilder) Type(t core.ItemType) *ItemBuilder { b.itemType = t; return b }

// Output marks the item as an assistant output (chainable).
func (b *ItemBuilder) Output() *ItemBuilder { b.itemType = core.ItemTypeOutputText; return b }

// Channel sets the channel (chainable).
func (b *ItemBuilder) Channel(c core.Channel) *ItemBuilder { b.channel = c; return b }

// Status sets the item status (chainable).
func (b *ItemBuilder) Status(s core.ItemStatus) *ItemBuilder { b.status = s; return b }

// CreatedAt sets the creation time (chainable).
func (b *ItemBuilder) CreatedAt(t time.Time) *ItemBuilder { b.createdAt = t; return b }

// Text appends a text part (chainable).
func (b *ItemBuilder) Text(t string) *ItemBuilder {
	b.parts = append(b.parts, core.NewTextPart(t))
	return b
}

// ToolCall appends an action call part (chainable).
func (b *ItemBuilder) ToolCall(name, callID string, input map[string]any) *ItemBuilder {
	b.parts = append(b.parts, core.NewToolPart(name, callID, input))
	return b
}

// AddPart appends a custom part (chainable).
func (b *ItemBuilder) AddPart(p core.Part) *ItemBuilder {
	b.parts = append(b.parts, p)
	return b
}

// Build constructs the core.Item value.
func (b *ItemBuilder) Build() core.Item {
	return core.Item{
		ID:        b.id,
		Type:      b.itemType,
		Channel:   b.channel,
		Status:    b.status,
		CreatedAt: b.createdAt,
		Content:   core.ItemContent{Parts: append([]core.Part(nil), b.parts...)},
	}
}

// TextItem is shorthand for NewItemBuilder().Text(text).Build().
func TextItem(text string) core.Item { return NewItemBuilder().Text(text).Build() }

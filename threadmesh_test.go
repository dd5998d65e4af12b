package threadmesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/threadmesh/core"
	"github.com/hupe1980/threadmesh/engine"
	"github.com/hupe1980/threadmesh/internal/testutil"
	"github.com/hupe1980/threadmesh/reactor"
	"github.com/hupe1980/threadmesh/registry"
	"github.com/hupe1980/threadmesh/stream"
)

func TestMesh_React(t *testing.T) {
	ctx := context.Background()
	m := New(func(o *Options) {
		o.Engine = append(o.Engine, func(eo *engine.Options) { eo.MaxIterations = 3 })
	})
	require.NoError(t, m.RegisterThread(&engine.Definition{
		Key:     "echo",
		Reactor: reactor.MustScripted(reactor.Reply("pong")),
	}))

	res, err := m.React(ctx, "echo", testutil.TextItem("ping"), engine.Params{
		Context: &core.Identifier{Key: "mesh:1"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.ExecutionStatusCompleted, res.Status)

	items, err := m.Store().GetItems(ctx, core.ByKey("mesh:1"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "pong", core.TextOf(items[1].Content.Parts))
}

func TestMesh_InvokeSync(t *testing.T) {
	ctx := context.Background()
	m := New()
	require.NoError(t, m.Register("echo", func() (*engine.Definition, error) {
		return &engine.Definition{Reactor: reactor.MustScripted(reactor.Reply("pong"))}, nil
	}))

	ref, events, err := m.InvokeSync(ctx, "echo", testutil.TextItem("ping"), engine.Params{})
	require.NoError(t, err)
	assert.Equal(t, "echo", ref.ThreadKey)
	assert.NotEmpty(t, ref.RunID)
	require.NotEmpty(t, events)
	assert.NoError(t, stream.ValidateTimeline(events))
}

func TestMesh_Errors(t *testing.T) {
	ctx := context.Background()
	m := New()

	require.Error(t, m.RegisterThread(&engine.Definition{Key: "empty"}))

	_, err := m.React(ctx, "missing", testutil.TextItem("hi"), engine.Params{})
	require.ErrorIs(t, err, registry.ErrUnknownThread)

	_, _, err = m.InvokeSync(ctx, "missing", testutil.TextItem("hi"), engine.Params{})
	require.ErrorIs(t, err, registry.ErrUnknownThread)

	require.Error(t, m.Cancel("unknown-run"))
}

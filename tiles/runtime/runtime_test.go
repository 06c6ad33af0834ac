package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tiledepot/tilekit/tiles"
)

func TestNewWiresVPLFactoryIntoRegistry(t *testing.T) {
	rt := New(Options{})
	src, err := rt.OpenReader(context.Background(), "vpl:from_debug")
	require.NoError(t, err)
	require.NotNil(t, src)

	tile, err := src.GetTile(context.Background(), tiles.NewTileCoord(1, 0, 0))
	require.NoError(t, err)
	assert.NotNil(t, tile)
}

func TestTilesRuntimeLeafCacheRoundTrips(t *testing.T) {
	rt := New(Options{})
	_, ok := rt.CachedLeaf("missing")
	assert.False(t, ok)

	rt.PutCachedLeaf("k", []byte("hello"))
	data, ok := rt.CachedLeaf("k")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)
}

func TestEventBusPublishesToSubscribers(t *testing.T) {
	bus := NewEventBus(zap.NewNop())
	ch := bus.Subscribe()
	bus.Publish(Event{Kind: EventStep, Message: "hello"})
	select {
	case ev := <-ch:
		assert.Equal(t, "hello", ev.Message)
	default:
		t.Fatal("expected a buffered event")
	}
}

package maintenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHolds_LocalSet(t *testing.T) {
	h := NewHolds(nil, zap.NewNop())
	ctx := context.Background()
	require.NoError(t, h.Init(ctx))

	require.NoError(t, h.Set(ctx, "beta", true))
	require.NoError(t, h.Set(ctx, "alpha", true))
	assert.True(t, h.IsHeld("alpha"))
	assert.Equal(t, []string{"alpha", "beta"}, h.List())

	require.NoError(t, h.Set(ctx, "alpha", false))
	assert.False(t, h.IsHeld("alpha"))
	assert.Equal(t, []string{"beta"}, h.List())
}

func TestHolds_ProcessSignal(t *testing.T) {
	h := NewHolds(nil, zap.NewNop())

	h.processSignal("alpha:on")
	assert.True(t, h.IsHeld("alpha"))

	h.processSignal("alpha:off")
	assert.False(t, h.IsHeld("alpha"))

	for _, bad := range []string{"", ":on", "alpha", "alpha:maybe"} {
		h.processSignal(bad)
	}
	assert.Empty(t, h.List())
}

func TestHolds_ListenWithoutRedisReturns(t *testing.T) {
	h := NewHolds(nil, zap.NewNop())
	h.Listen(context.Background()) // не блокируется
}

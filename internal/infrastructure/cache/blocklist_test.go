package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNumberBlocklist(t *testing.T) {
	client := newTestRedis(t)
	bl := NewNumberBlocklist(client, zap.NewNop())
	ctx := context.Background()

	blocked, err := bl.IsBlocked(ctx, "+15551234567")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, bl.Block(ctx, "+15551234567"))
	blocked, err = bl.IsBlocked(ctx, "+15551234567")
	require.NoError(t, err)
	assert.True(t, blocked)

	// Other numbers unaffected.
	blocked, err = bl.IsBlocked(ctx, "+15559999999")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, bl.Unblock(ctx, "+15551234567"))
	blocked, err = bl.IsBlocked(ctx, "+15551234567")
	require.NoError(t, err)
	assert.False(t, blocked)
}

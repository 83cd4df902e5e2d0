package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancelManagerLifecycle(t *testing.T) {
	cm := NewCancelManager()

	ctx, id, release := cm.Start(context.Background(), ExecutionRelay)
	assert.Contains(t, id, "exec_")
	assert.Equal(t, []string{id}, cm.Active())
	assert.Equal(t, 1, cm.Count(ExecutionRelay))
	assert.Equal(t, 0, cm.Count(ExecutionThink))

	assert.True(t, cm.Cancel(id))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.False(t, cm.Cancel(id))
	release()
	assert.Empty(t, cm.Active())
}

func TestCancelManagerReleaseRemoves(t *testing.T) {
	cm := NewCancelManager()
	ctx, id, release := cm.Start(context.Background(), ExecutionThink)

	release()
	require.Error(t, ctx.Err())
	assert.False(t, cm.Cancel(id))
}

func TestCancelManagerCancelAll(t *testing.T) {
	cm := NewCancelManager()
	first, _, releaseFirst := cm.Start(context.Background(), ExecutionRelay)
	second, _, releaseSecond := cm.Start(context.Background(), ExecutionThink)
	defer releaseFirst()
	defer releaseSecond()

	assert.Len(t, cm.Active(), 2)
	assert.Equal(t, 2, cm.CancelAll())
	assert.Error(t, first.Err())
	assert.Error(t, second.Err())
	assert.Empty(t, cm.Active())
}

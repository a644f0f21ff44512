package archimedes

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskSpawnerCompletes(t *testing.T) {
	s := NewTaskSpawner(TasksConfig{MaxConcurrent: 10, MaxRegistrySize: 100, HistoryRetentionSecs: 60})

	handle, err := s.Spawn("add", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)

	val, err := handle.Join(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.True(t, handle.IsFinished())
}

func TestTaskSpawnerDomainError(t *testing.T) {
	s := NewTaskSpawner(TasksConfig{MaxConcurrent: 10, MaxRegistrySize: 100, HistoryRetentionSecs: 60})

	handle, err := s.Spawn("fails", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)

	_, err = handle.Join(context.Background())
	assert.Error(t, err)
}

func TestTaskSpawnerTimeout(t *testing.T) {
	s := NewTaskSpawner(TasksConfig{MaxConcurrent: 10, MaxRegistrySize: 100, HistoryRetentionSecs: 60})

	handle, err := s.SpawnWithTimeout("slow", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = handle.Join(context.Background())
	assert.Error(t, err)
}

func TestTaskSpawnerCancelCooperative(t *testing.T) {
	s := NewTaskSpawner(TasksConfig{MaxConcurrent: 10, MaxRegistrySize: 100, HistoryRetentionSecs: 60})

	started := make(chan struct{})
	handle, err := s.Spawn("cancellable", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	handle.Cancel()

	_, err = handle.Join(context.Background())
	assert.Error(t, err)
}

func TestTaskSpawnerRespectsMaxConcurrent(t *testing.T) {
	s := NewTaskSpawner(TasksConfig{MaxConcurrent: 1, MaxRegistrySize: 100, HistoryRetentionSecs: 60})

	block := make(chan struct{})
	_, err := s.Spawn("blocker", func(ctx context.Context) (interface{}, error) {
		<-block
		return nil, nil
	})
	require.NoError(t, err)

	_, err = s.Spawn("second", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.Error(t, err)

	close(block)
}

func TestTaskSpawnerShutdownWaitsForRunning(t *testing.T) {
	s := NewTaskSpawner(TasksConfig{MaxConcurrent: 10, MaxRegistrySize: 100, HistoryRetentionSecs: 60})

	_, err := s.Spawn("quick", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	timedOut := s.Shutdown(time.Second)
	assert.False(t, timedOut)
	assert.Equal(t, 0, s.RunningCount())
}

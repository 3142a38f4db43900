package task

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/clayne/389-ds-base/internal/csn"
	"github.com/clayne/389-ds-base/internal/errors"
)

func newManager(t *testing.T, workers, queue int) *Manager {
	t.Helper()
	pool := NewPool(PoolConfig{Name: "test", Workers: workers, QueueSize: queue}, zap.NewNop())
	t.Cleanup(func() { pool.Stop(time.Second) })
	return NewManager(pool, 10, zap.NewNop())
}

func waitFinished(t *testing.T, m *Manager, id string) Info {
	t.Helper()
	var info Info
	require.Eventually(t, func() bool {
		var err error
		info, err = m.Get(id)
		require.NoError(t, err)
		return info.Status == StatusCompleted || info.Status == StatusFailed
	}, 5*time.Second, 5*time.Millisecond)
	return info
}

func TestManager_ReportsResultAndFailure(t *testing.T) {
	m := newManager(t, 2, 4)

	ok, err := m.Submit("echo", func(ctx context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, ok.Status)
	assert.NotEmpty(t, ok.ID)

	bad, err := m.Submit("boom", func(ctx context.Context) (any, error) { return nil, fmt.Errorf("boom") })
	require.NoError(t, err)

	panicky, err := m.Submit("panic", func(ctx context.Context) (any, error) { panic("oops") })
	require.NoError(t, err)

	info := waitFinished(t, m, ok.ID)
	assert.Equal(t, StatusCompleted, info.Status)
	assert.Equal(t, 42, info.Result)

	info = waitFinished(t, m, bad.ID)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "boom", info.Error)

	info = waitFinished(t, m, panicky.ID)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Contains(t, info.Error, "task panicked")

	assert.Len(t, m.List(), 3)
	assert.Equal(t, uint64(1), m.Stats().Completed)
}

func TestManager_PanickingTaskIsFailed(t *testing.T) {
	m := newManager(t, 1, 1)

	info, err := m.Submit(KindCSNGenTest, func(ctx context.Context) (any, error) { panic("generator went backwards") })
	require.NoError(t, err)

	info = waitFinished(t, m, info.ID)
	assert.Equal(t, StatusFailed, info.Status)
	assert.Equal(t, "task panicked: generator went backwards", info.Error)
	assert.False(t, info.Finished.IsZero())

	// the pool still sees the panic
	require.Eventually(t, func() bool { return m.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_UnknownTask(t *testing.T) {
	m := newManager(t, 1, 1)
	_, err := m.Get("nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestManager_QueueFull(t *testing.T) {
	m := newManager(t, 1, 1)
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}

	first, err := m.Submit("block", block)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ := m.Get(first.ID)
		return info.Status == StatusRunning
	}, time.Second, time.Millisecond)

	_, err = m.Submit("block", block)
	require.NoError(t, err)
	_, err = m.Submit("block", block)
	assert.Error(t, err)
	assert.Len(t, m.List(), 2)
	assert.Equal(t, uint64(1), m.Stats().Rejected)
}

func TestCSNGenTest_LogsThroughTheGenerator(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	gen := csn.NewGenerator(3, csn.WithLogger(zap.New(core)))
	m := newManager(t, 1, 1)

	submitted, err := m.Submit(KindCSNGenTest, CSNGenTest(gen, 4, 50*time.Millisecond))
	require.NoError(t, err)

	info := waitFinished(t, m, submitted.ID)
	require.Equal(t, StatusCompleted, info.Status, info.Error)
	res, ok := info.Result.(csn.SelfTestResult)
	require.True(t, ok)
	assert.Equal(t, 4, res.Workers)
	assert.Positive(t, res.Issued)

	assert.Equal(t, 1, logs.FilterMessage("csngen self-test started").Len())
	assert.Equal(t, 1, logs.FilterMessage("csngen self-test completed").Len())
}

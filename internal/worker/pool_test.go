package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skovert/relay/internal/envelope"
	"github.com/skovert/relay/internal/task"
	"github.com/skovert/relay/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// poolFixture wires a pool over the in-memory transport.
type poolFixture struct {
	pool      *Pool
	registry  *task.Registry
	results   *task.MemoryResultStore
	transport *memory.Transport
}

func newPoolFixture(t *testing.T, cfg PoolConfig) *poolFixture {
	t.Helper()

	tr := memory.New()
	t.Cleanup(func() { _ = tr.Close() })

	sub, err := tr.Subscribe(context.Background(), testTopic, testGroup)
	require.NoError(t, err)

	registry := task.NewRegistry()
	results := task.NewMemoryResultStore()
	coordinator := NewCoordinator(results, time.Millisecond, 10*time.Millisecond, testLogger())
	engine := NewEngine(registry, results, coordinator, tr, EngineConfig{
		DeadLetterTopic:   testDLQ,
		VisibilityTimeout: time.Minute,
	}, testLogger())

	pool, err := NewPool(engine, sub, cfg, testLogger())
	require.NoError(t, err)

	return &poolFixture{
		pool:      pool,
		registry:  registry,
		results:   results,
		transport: tr,
	}
}

func (f *poolFixture) submit(t *testing.T, tk *task.Task) {
	t.Helper()

	data, err := envelope.Encode(tk)
	require.NoError(t, err)
	require.NoError(t, f.transport.Publish(context.Background(), testTopic, tk.PartitionKey(), data))
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func TestPoolProcessesTasks(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, PoolConfig{MinWorkers: 2, MaxWorkers: 4})
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	var ids []*task.Task
	for i := 0; i < 5; i++ {
		tk, err := task.New("echo", []byte("hello"), task.Options{MaxRetries: 1})
		require.NoError(t, err)
		ids = append(ids, tk)
		f.submit(t, tk)
	}

	require.NoError(t, f.pool.Start())
	defer f.pool.Stop()

	eventually(t, func() bool { return f.results.Len() == 5 }, "all tasks should finalize")

	for _, tk := range ids {
		record, err := f.results.GetResult(context.Background(), tk.ID)
		require.NoError(t, err)
		assert.Equal(t, task.StateSucceeded, record.State)
		assert.Equal(t, []byte("hello"), record.Output)
	}
}

func TestPoolRequiresHandlers(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	err := f.pool.Start()
	assert.ErrorIs(t, err, task.ErrNoHandlers)
}

func TestPoolConfigValidation(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, PoolConfig{MinWorkers: 1, MaxWorkers: 1})

	_, err := NewPool(f.pool.engine, f.pool.sub, PoolConfig{MinWorkers: 0, MaxWorkers: 4}, testLogger())
	assert.Error(t, err)

	_, err = NewPool(f.pool.engine, f.pool.sub, PoolConfig{MinWorkers: 4, MaxWorkers: 2}, testLogger())
	assert.Error(t, err)
}

func TestPoolScalingBounds(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, PoolConfig{MinWorkers: 2, MaxWorkers: 4})
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	require.NoError(t, f.pool.Start())
	defer f.pool.Stop()

	stats := f.pool.Stats(context.Background())
	assert.Equal(t, 2, stats.ActiveSlots)

	// Growing past MaxWorkers is clamped.
	assert.Equal(t, 2, f.pool.Grow(10), "only two more slots fit under MaxWorkers")
	stats = f.pool.Stats(context.Background())
	assert.Equal(t, 4, stats.ActiveSlots)
	assert.Equal(t, 0, f.pool.Grow(1), "pool is at MaxWorkers")

	// Shrinking below MinWorkers is clamped.
	assert.Equal(t, 2, f.pool.Shrink(10), "only two slots may drain above MinWorkers")
	eventually(t, func() bool {
		return f.pool.Stats(context.Background()).ActiveSlots == 2
	}, "drained slots should retire")
	assert.Equal(t, 0, f.pool.Shrink(1), "pool is at MinWorkers")
}

func TestPoolShrinkStepwise(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, PoolConfig{MinWorkers: 1, MaxWorkers: 4})
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	}))

	require.NoError(t, f.pool.Start())
	defer f.pool.Stop()

	require.Equal(t, 3, f.pool.Grow(3))

	// Each call spends exactly one slot of the budget above MinWorkers,
	// regardless of slots still draining from earlier calls.
	assert.Equal(t, 1, f.pool.Shrink(1))
	assert.Equal(t, 1, f.pool.Shrink(1))
	assert.Equal(t, 1, f.pool.Shrink(1))
	assert.Equal(t, 0, f.pool.Shrink(1), "pool is at MinWorkers")

	eventually(t, func() bool {
		return f.pool.Stats(context.Background()).ActiveSlots == 1
	}, "drained slots should retire")
}

func TestPoolDrainFinishesCurrentTask(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, PoolConfig{MinWorkers: 1, MaxWorkers: 2})

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, f.registry.Register("blocker", func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		<-release
		return []byte("finished"), nil
	}))

	tk, err := task.New("blocker", nil, task.Options{MaxRetries: 0})
	require.NoError(t, err)
	f.submit(t, tk)

	require.NoError(t, f.pool.Start())
	defer f.pool.Stop()

	// Grow so draining one slot stays above MinWorkers, then drain the
	// busy slot while its handler is still running.
	require.Equal(t, 1, f.pool.Grow(1))
	<-started
	require.Equal(t, 1, f.pool.Shrink(1))

	// The draining slot must not abort mid-execution.
	_, err = f.results.GetResult(context.Background(), tk.ID)
	assert.Error(t, err, "task should still be running")

	close(release)

	eventually(t, func() bool { return f.results.Len() == 1 }, "drained slot should finish its task")

	record, err := f.results.GetResult(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateSucceeded, record.State)
	assert.Equal(t, []byte("finished"), record.Output)
}

func TestPoolStatsTrackExecution(t *testing.T) {
	t.Parallel()

	f := newPoolFixture(t, PoolConfig{MinWorkers: 1, MaxWorkers: 1})

	release := make(chan struct{})
	var running atomic.Bool
	require.NoError(t, f.registry.Register("blocker", func(ctx context.Context, payload []byte) ([]byte, error) {
		running.Store(true)
		<-release
		return nil, nil
	}))

	tk, err := task.New("blocker", nil, task.Options{MaxRetries: 0})
	require.NoError(t, err)
	f.submit(t, tk)

	require.NoError(t, f.pool.Start())
	defer f.pool.Stop()

	eventually(t, func() bool { return running.Load() }, "handler should start")

	stats := f.pool.Stats(context.Background())
	assert.Equal(t, 1, stats.ActiveSlots)
	assert.Equal(t, 1, stats.ExecutingSlots)
	assert.Equal(t, 0, stats.IdleSlots)

	close(release)

	eventually(t, func() bool {
		s := f.pool.Stats(context.Background())
		return s.IdleSlots == 1 && s.ExecutingSlots == 0
	}, "slot should report idle after finishing")
}

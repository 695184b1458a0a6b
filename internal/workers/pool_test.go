package workers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTask struct {
	id      string
	fail    bool
	sleep   time.Duration
}

func (t *fakeTask) ID() string { return t.id }

func (t *fakeTask) Execute(ctx context.Context) (interface{}, error) {
	if t.sleep > 0 {
		select {
		case <-time.After(t.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.fail {
		return nil, fmt.Errorf("task %s failed", t.id)
	}
	return t.id + "-done", nil
}

func TestPoolExecuteAllPreservesOrder(t *testing.T) {
	pool := NewPool(Config{WorkerCount: 3, BufferSize: 10})
	require.NoError(t, pool.Start())
	defer pool.Shutdown()

	tasks := []Task{
		&fakeTask{id: "a"},
		&fakeTask{id: "b", fail: true},
		&fakeTask{id: "c"},
	}

	results, err := pool.ExecuteAll(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, "a", results[0].TaskID)
	require.NoError(t, results[0].Error)
	require.Equal(t, "a-done", results[0].Value)

	require.Equal(t, "b", results[1].TaskID)
	require.Error(t, results[1].Error)

	require.Equal(t, "c", results[2].TaskID)
	require.NoError(t, results[2].Error)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := NewPool(Config{WorkerCount: 2, BufferSize: 10})
	require.NoError(t, pool.Start())
	defer pool.Shutdown()

	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = &fakeTask{id: fmt.Sprintf("t%d", i), sleep: 20 * time.Millisecond}
	}

	start := time.Now()
	_, err := pool.ExecuteAll(context.Background(), tasks)
	require.NoError(t, err)

	// With 2 workers and 6 tasks of 20ms each, three sequential batches are
	// required; wall time should be well above a single batch's duration.
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPoolSubmitAfterShutdownFails(t *testing.T) {
	pool := NewPool(Config{WorkerCount: 1})
	require.NoError(t, pool.Start())
	require.NoError(t, pool.Shutdown())

	err := pool.Submit(&fakeTask{id: "late"})
	require.Error(t, err)
}

package taskmanager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_BasicSubmit(t *testing.T) {
	m := New()
	defer m.Close()

	id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})
	require.NoError(t, err)

	record, err := m.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
	assert.Equal(t, "result", record.Result)
	assert.Empty(t, record.Error)
}

func TestManager_JobError(t *testing.T) {
	m := New()
	defer m.Close()

	id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)

	record, err := m.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Equal(t, "boom", record.Error)
}

func TestManager_JobPanicCaptured(t *testing.T) {
	m := New()
	defer m.Close()

	id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		panic("oops")
	})
	require.NoError(t, err)

	record, err := m.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	assert.Contains(t, record.Error, "panicked")

	// The lane consumer survived.
	id2, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	record, err = m.Await(context.Background(), id2)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
}

func TestManager_LaneExclusivity(t *testing.T) {
	m := New()
	defer m.Close()

	var running, maxRunning int32
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			cur := atomic.AddInt32(&running, 1)
			for {
				prev := atomic.LoadInt32(&maxRunning)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxRunning, prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		_, err := m.Await(context.Background(), id)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxRunning))
}

func TestManager_FIFOWithinLane(t *testing.T) {
	m := New()
	defer m.Close()

	var mu sync.Mutex
	var order []int
	var ids []string
	for i := 0; i < 5; i++ {
		i := i
		id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		_, err := m.Await(context.Background(), id)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestManager_CrossLaneParallelism(t *testing.T) {
	m := New()
	defer m.Close()

	release := make(chan struct{})
	started := make(chan string, 2)

	idA, err := m.Submit(context.Background(), "session-a", func(ctx context.Context) (interface{}, error) {
		started <- "a"
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	idB, err := m.Submit(context.Background(), "session-b", func(ctx context.Context) (interface{}, error) {
		started <- "b"
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	// Both lanes start without either finishing.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not run in parallel")
		}
	}
	close(release)

	_, err = m.Await(context.Background(), idA)
	require.NoError(t, err)
	_, err = m.Await(context.Background(), idB)
	require.NoError(t, err)
}

func TestManager_CancelPending(t *testing.T) {
	m := New()
	defer m.Close()

	release := make(chan struct{})
	blocker, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	var executed int32
	pending, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		atomic.StoreInt32(&executed, 1)
		return nil, nil
	})
	require.NoError(t, err)

	assert.True(t, m.Cancel(pending))
	close(release)

	_, err = m.Await(context.Background(), blocker)
	require.NoError(t, err)

	record, ok := m.Status(pending)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, record.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&executed))
}

func TestManager_CancelRunning(t *testing.T) {
	m := New()
	defer m.Close()

	started := make(chan struct{})
	id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	assert.True(t, m.Cancel(id))

	record, err := m.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, record.Status)

	// A terminal task never reports completed later.
	record, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, record.Status)
}

func TestManager_CancelIdempotence(t *testing.T) {
	m := New()
	defer m.Close()

	started := make(chan struct{})
	id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	<-started
	assert.True(t, m.Cancel(id))
	assert.False(t, m.Cancel(id))

	_, err = m.Await(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, m.Cancel(id))
}

func TestManager_CancelUnknownTask(t *testing.T) {
	m := New()
	defer m.Close()
	assert.False(t, m.Cancel("nope-1"))
}

func TestManager_StatusTransitions(t *testing.T) {
	m := New()
	defer m.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	id, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return "done", nil
	})
	require.NoError(t, err)

	<-started
	record, ok := m.Status(id)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, record.Status)

	close(release)
	record, err = m.Await(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, record.Status)
}

func TestManager_Drain(t *testing.T) {
	m := New()
	defer m.Close()

	for i := 0; i < 3; i++ {
		_, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Second):
				return nil, nil
			}
		})
		require.NoError(t, err)
	}

	assert.True(t, m.Drain(2*time.Second))
}

func TestManager_SubmitAfterClose(t *testing.T) {
	m := New()
	require.NoError(t, m.Close())

	_, err := m.Submit(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrManagerClosed)
}

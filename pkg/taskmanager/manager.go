package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/idham/relay/internal/observability"
	"github.com/idham/relay/internal/tracing"
	"github.com/rs/zerolog/log"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is an asynchronous operation scheduled by the manager.
type Job func(ctx context.Context) (interface{}, error)

// Record is the externally visible state of a task.
type Record struct {
	ID         string
	Lane       string
	Status     Status
	Result     interface{}
	Error      string
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// ErrManagerClosed is returned by Submit after shutdown.
var ErrManagerClosed = errors.New("task manager closed")

type task struct {
	record          Record
	job             Job
	submitCtx       context.Context
	cancel          context.CancelFunc
	cancelRequested bool
	done            chan struct{}
}

type laneState struct {
	queue   []string
	running bool
}

// Manager runs submitted jobs with per-lane FIFO ordering and exactly one
// running job per lane. Sharding lanes by session gives cross-session
// parallelism while keeping each session's work sequential. Job panics and
// errors are captured on the task record; the consumer never dies.
type Manager struct {
	mu     sync.Mutex
	lanes  map[string]*laneState
	tasks  map[string]*task
	seq    int
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a task manager. It lives for the whole process; call Drain
// then Close at shutdown.
func New() *Manager {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		lanes:  make(map[string]*laneState),
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit enqueues a job on a lane and returns its task ID. Jobs on the same
// lane run in submission order.
func (m *Manager) Submit(ctx context.Context, lane string, job Job) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if lane == "" {
		return "", fmt.Errorf("lane is required")
	}
	if job == nil {
		return "", fmt.Errorf("job is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}

	m.seq++
	id := fmt.Sprintf("%s-%d", lane, m.seq)

	t := &task{
		record: Record{
			ID:         id,
			Lane:       lane,
			Status:     StatusPending,
			EnqueuedAt: time.Now(),
		},
		job:       job,
		submitCtx: ctx,
		done:      make(chan struct{}),
	}
	m.tasks[id] = t

	ls, ok := m.lanes[lane]
	if !ok {
		ls = &laneState{}
		m.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, id)
	queueSize := len(ls.queue)

	startRunner := !ls.running
	if startRunner {
		ls.running = true
		m.wg.Add(1)
	}
	m.mu.Unlock()

	observability.RecordTaskEnqueue(lane, queueSize)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("task_id", id).
		Int("queue_size", queueSize).
		Msg("Task submitted")

	if startRunner {
		go m.runLane(lane)
	}

	return id, nil
}

// Status returns a snapshot of a task record.
func (m *Manager) Status(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Record{}, false
	}
	return t.record, true
}

// Await blocks until the task reaches a terminal state or the context ends.
func (m *Manager) Await(ctx context.Context, id string) (Record, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("task not found: %s", id)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return Record{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return t.record, nil
}

// Cancel requests cancellation of a task. A pending task is cancelled
// immediately and skipped when dequeued; a running task gets cooperative
// context cancellation. Returns true only when the task was still in a
// cancellable state, so a second Cancel on the same task returns false.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return false
	}

	switch t.record.Status {
	case StatusPending:
		t.record.Status = StatusCancelled
		t.record.FinishedAt = time.Now()
		close(t.done)
		log.Info().Str("task_id", id).Msg("Pending task cancelled")
		return true
	case StatusRunning:
		if t.cancelRequested {
			return false
		}
		t.cancelRequested = true
		if t.cancel != nil {
			t.cancel()
		}
		log.Info().Str("task_id", id).Msg("Cancellation requested for running task")
		return true
	default:
		return false
	}
}

// runLane is the single consumer for one lane.
func (m *Manager) runLane(lane string) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		ls := m.lanes[lane]
		if len(ls.queue) == 0 {
			ls.running = false
			m.mu.Unlock()
			return
		}

		id := ls.queue[0]
		ls.queue = ls.queue[1:]
		t := m.tasks[id]

		if t.record.Status != StatusPending {
			// Cancelled while queued; skip.
			m.mu.Unlock()
			continue
		}

		t.record.Status = StatusRunning
		t.record.StartedAt = time.Now()

		runCtx, cancel := context.WithCancel(t.submitCtx)
		stop := context.AfterFunc(m.ctx, cancel)
		t.cancel = cancel
		m.mu.Unlock()

		value, err := m.execute(runCtx, t)
		stop()
		cancel()

		m.mu.Lock()
		cancelled := t.cancelRequested || errors.Is(err, context.Canceled)
		switch {
		case cancelled:
			t.record.Status = StatusCancelled
		case err != nil:
			t.record.Status = StatusFailed
			t.record.Error = err.Error()
		default:
			t.record.Status = StatusCompleted
			t.record.Result = value
		}
		t.record.FinishedAt = time.Now()
		duration := t.record.FinishedAt.Sub(t.record.StartedAt)
		status := t.record.Status
		queueSize := len(ls.queue)
		close(t.done)
		m.mu.Unlock()

		observability.RecordTaskCompletion(lane, string(status), duration, queueSize)
		logger := tracing.LoggerFromContext(t.submitCtx, log.Logger)
		if err != nil && status == StatusFailed {
			logger.Error().
				Str("lane", lane).
				Str("task_id", id).
				Dur("duration", duration).
				Err(err).
				Msg("Task failed")
		} else {
			logger.Debug().
				Str("lane", lane).
				Str("task_id", id).
				Dur("duration", duration).
				Str("status", string(status)).
				Msg("Task finished")
		}
	}
}

// execute runs a job and converts panics into errors so a misbehaving job
// can never kill the lane consumer.
func (m *Manager) execute(ctx context.Context, t *task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return t.job(ctx)
}

// Drain cancels all outstanding tasks and waits for them to settle,
// ignoring their errors. Returns false if the timeout elapsed first.
func (m *Manager) Drain(timeout time.Duration) bool {
	m.mu.Lock()
	var ids []string
	for id, t := range m.tasks {
		if !t.record.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("cancelled", len(ids)).Msg("Task manager drained")
		return true
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Timeout draining task manager")
		return false
	}
}

// Close shuts the manager down. Submissions fail afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}

// QueueSize returns the number of queued (not yet running) tasks on a lane.
func (m *Manager) QueueSize(lane string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls, ok := m.lanes[lane]
	if !ok {
		return 0
	}
	return len(ls.queue)
}

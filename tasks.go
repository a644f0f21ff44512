package archimedes

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of a spawned task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskCancelled TaskState = "cancelled"
	TaskTimedOut  TaskState = "timed_out"
	TaskPanicked  TaskState = "panicked"
)

func (s TaskState) terminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled, TaskTimedOut, TaskPanicked:
		return true
	default:
		return false
	}
}

// TaskRecord is the lifecycle record for one spawned task. A terminal
// record stays in the registry until it is older than the configured
// history window and a spawn finds the registry full, which purges it.
type TaskRecord struct {
	ID          string
	Name        string
	State       TaskState
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskFunc is the work a spawned task performs. It should select on ctx.Done()
// at its own suspension points to honor a cooperative Cancel().
type TaskFunc func(ctx context.Context) (interface{}, error)

// ErrRegistryFull is returned by Spawn when the registry is at capacity
// and purging history did not free a slot.
var ErrRegistryFull = NewCodedError("REGISTRY_FULL", CategoryInternal, "task registry is full")

// TaskError is the CodedError a Join() returns for a non-successful
// outcome: category internal for panics, timeout for cancellation/timeout.
func taskError(state TaskState) *CodedError {
	switch state {
	case TaskTimedOut:
		return NewCodedError("TASK_TIMED_OUT", CategoryTimeout, "task did not complete before its timeout")
	case TaskCancelled:
		return NewCodedError("TASK_CANCELLED", CategoryTimeout, "task was cancelled")
	case TaskPanicked:
		return NewCodedError("TASK_PANICKED", CategoryInternal, "task panicked")
	default:
		return NewCodedError("TASK_FAILED", CategoryInternal, "task failed")
	}
}

// TaskHandle is the caller's handle to a spawned task.
type TaskHandle struct {
	ID string

	mu        sync.Mutex
	state     TaskState
	cancelFn  context.CancelFunc
	done      chan struct{}
	result    interface{}
	resultErr error
	aborted   bool
}

// IsFinished reports whether the task has reached a terminal state.
func (h *TaskHandle) IsFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.terminal()
}

// Cancel delivers a cooperative cancellation signal; the task must itself
// observe ctx.Done() to actually stop.
func (h *TaskHandle) Cancel() {
	h.cancelFn()
}

// Abort is non-cooperative: the handle stops waiting on the task and marks
// it as cancelled for Join()'s purposes. Go cannot forcibly kill a running
// goroutine, so the underlying work keeps running to completion in the
// background; Abort only severs the caller's relationship to its result.
func (h *TaskHandle) Abort() {
	h.mu.Lock()
	h.aborted = true
	h.mu.Unlock()
	h.cancelFn()
}

// Join blocks until the task reaches a terminal state (or ctx is done) and
// returns its result, mapping cancelled/timed-out/panicked outcomes to a
// TaskError.
func (h *TaskHandle) Join(ctx context.Context) (interface{}, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return nil, taskError(TaskCancelled)
	}
	if h.state == TaskCompleted {
		return h.result, h.resultErr
	}
	if h.state == TaskPanicked && h.resultErr != nil {
		return nil, taskError(TaskPanicked).WithDetails(map[string]interface{}{"panic": h.resultErr.Error()})
	}
	return nil, taskError(h.state)
}

// TaskSpawner spawns background work with lifecycle tracking, bounded
// concurrency, and a retention-purged registry.
type TaskSpawner struct {
	maxConcurrent    int
	maxRegistrySize  int
	historyRetention time.Duration

	mu       sync.Mutex
	running  int
	records  map[string]*TaskRecord
	handles  map[string]*TaskHandle
	shutdown bool
}

// NewTaskSpawner builds a spawner bounded by cfg.
func NewTaskSpawner(cfg TasksConfig) *TaskSpawner {
	return &TaskSpawner{
		maxConcurrent:    cfg.MaxConcurrent,
		maxRegistrySize:  cfg.MaxRegistrySize,
		historyRetention: time.Duration(cfg.HistoryRetentionSecs) * time.Second,
		records:          map[string]*TaskRecord{},
		handles:          map[string]*TaskHandle{},
	}
}

// Spawn runs fn in a new goroutine under lifecycle tracking, with no
// deadline beyond whatever ctx the caller later cancels via the handle.
func (s *TaskSpawner) Spawn(name string, fn TaskFunc) (*TaskHandle, error) {
	return s.spawn(name, fn, 0)
}

// SpawnWithTimeout runs fn with an enforced wall-clock timeout; a task
// still running at the deadline transitions to TaskTimedOut.
func (s *TaskSpawner) SpawnWithTimeout(name string, fn TaskFunc, timeout time.Duration) (*TaskHandle, error) {
	return s.spawn(name, fn, timeout)
}

// SpawnDetached is Spawn without a returned handle; the task still
// participates in registry tracking and the concurrency limit, but the
// caller has no way to cancel, abort, or join it.
func (s *TaskSpawner) SpawnDetached(name string, fn TaskFunc) error {
	_, err := s.spawn(name, fn, 0)
	return err
}

func (s *TaskSpawner) spawn(name string, fn TaskFunc, timeout time.Duration) (*TaskHandle, error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, NewCodedError("SPAWNER_SHUTTING_DOWN", CategoryInternal, "task spawner is shutting down").WithStatus(503)
	}
	if s.running >= s.maxConcurrent {
		s.mu.Unlock()
		return nil, NewCodedError("TOO_MANY_TASKS", CategoryRateLimited, "max_concurrent tasks already running")
	}
	if len(s.records) >= s.maxRegistrySize {
		s.purgeLocked()
		if len(s.records) >= s.maxRegistrySize {
			s.mu.Unlock()
			return nil, ErrRegistryFull
		}
	}

	id := uuid.NewString()
	now := time.Now()
	rec := &TaskRecord{ID: id, Name: name, State: TaskPending, CreatedAt: now}
	s.records[id] = rec
	s.running++

	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	handle := &TaskHandle{ID: id, state: TaskPending, cancelFn: cancel, done: make(chan struct{})}
	s.handles[id] = handle
	s.mu.Unlock()

	go s.run(id, rec, handle, ctx, fn, timeout)

	return handle, nil
}

func (s *TaskSpawner) run(id string, rec *TaskRecord, handle *TaskHandle, ctx context.Context, fn TaskFunc, timeout time.Duration) {
	startedAt := time.Now()

	s.mu.Lock()
	rec.StartedAt = &startedAt
	rec.State = TaskRunning
	s.mu.Unlock()
	handle.mu.Lock()
	handle.state = TaskRunning
	handle.mu.Unlock()

	resultCh := make(chan taskOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- taskOutcome{panicked: true, panicVal: r}
			}
		}()
		val, err := fn(ctx)
		resultCh <- taskOutcome{value: val, err: err}
	}()

	var outcome taskOutcome
	var finalState TaskState

	select {
	case outcome = <-resultCh:
		switch {
		case outcome.panicked:
			finalState = TaskPanicked
		case ctx.Err() == context.DeadlineExceeded:
			finalState = TaskTimedOut
		case ctx.Err() == context.Canceled:
			finalState = TaskCancelled
		default:
			// A returned error is still a completed task from the
			// spawner's point of view; Join surfaces it via resultErr.
			finalState = TaskCompleted
		}
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			finalState = TaskTimedOut
		} else {
			finalState = TaskCancelled
		}
		// The underlying goroutine keeps running; its result, if any,
		// is discarded when it eventually lands on resultCh.
	}

	completedAt := time.Now()
	s.mu.Lock()
	rec.State = finalState
	rec.CompletedAt = &completedAt
	s.running--
	s.mu.Unlock()

	handle.mu.Lock()
	handle.state = finalState
	switch {
	case finalState == TaskCompleted:
		handle.result = outcome.value
		handle.resultErr = outcome.err
	case outcome.panicked:
		handle.resultErr = fmt.Errorf("task panic: %v\n%s", outcome.panicVal, debug.Stack())
	}
	handle.mu.Unlock()
	close(handle.done)
}

type taskOutcome struct {
	value    interface{}
	err      error
	panicked bool
	panicVal interface{}
}

// purgeLocked removes terminal records older than historyRetention. Caller
// must hold s.mu.
func (s *TaskSpawner) purgeLocked() {
	now := time.Now()
	for id, rec := range s.records {
		if rec.State.terminal() && rec.CompletedAt != nil && now.Sub(*rec.CompletedAt) > s.historyRetention {
			delete(s.records, id)
			delete(s.handles, id)
		}
	}
}

// Shutdown refuses new spawns and waits for the running count to reach
// zero or timeout to elapse. Returns true if it had to stop waiting due to
// timeout (tasks left running).
func (s *TaskSpawner) Shutdown(timeout time.Duration) (timedOut bool) {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if running == 0 {
			return false
		}
		select {
		case <-deadline:
			return true
		case <-ticker.C:
		}
	}
}

// RunningCount returns the current number of tasks in flight.
func (s *TaskSpawner) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Record returns a copy of the task record for id, if present.
func (s *TaskSpawner) Record(id string) (TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return TaskRecord{}, false
	}
	return *rec, true
}

// Package store implements the Task Store: the in-memory registry of
// tasks, each an isolation unit whose mutations are serialized with
// respect to its own control path.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haas-oss/taskplane/internal/task"
)

// Store owns all Tasks exclusively. Other components borrow tasks by id
// through its accessor methods; none retains a task pointer across calls
// without going back through Store for subsequent mutation, since every
// mutator here takes its own lock around the specific task entry.
type Store struct {
	mu    sync.RWMutex
	tasks map[string]*entry
}

// entry pairs a task with the per-task lock that serializes mutation
// against that task's own control path (§4.2: "per-task mutations are
// serialized with respect to that task's own control path; cross-task
// access is independent").
type entry struct {
	mu   sync.Mutex
	task *task.Task
}

// New returns an empty Store.
func New() *Store {
	return &Store{tasks: make(map[string]*entry)}
}

// Create allocates a new Task in StatusQueued, seeded with a system
// message in history, and registers it in the store.
func (s *Store) Create(kind, clientID, prompt string, allowedTools []string, systemPreamble string) *task.Task {
	now := time.Now()
	allowed := make(map[string]bool, len(allowedTools))
	for _, t := range allowedTools {
		allowed[t] = true
	}

	t := &task.Task{
		TaskID:       uuid.NewString(),
		Kind:         kind,
		ClientID:     clientID,
		Prompt:       prompt,
		Status:       task.StatusQueued,
		AllowedTools:      allowed,
		FileCache:         make(map[string]string),
		OriginalFileCache: make(map[string]string),
		CreatedAt:         now,
		UpdatedAt:    now,
	}
	if systemPreamble != "" {
		t.History = append(t.History, task.HistoryEntry{Role: "system", Content: systemPreamble})
	}

	s.mu.Lock()
	s.tasks[t.TaskID] = &entry{task: t}
	s.mu.Unlock()

	return t
}

// Get returns a snapshot copy of the task with the given id, or nil if it
// does not exist. Because per-task state is only ever mutated from that
// task's own control path, callers needing to act on a consistent read
// should prefer WithTask; Get is for read-only inspection (status
// surfaces, introspection, tests).
func (s *Store) Get(taskID string) *task.Task {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.task
	return &cp
}

// WithTask runs fn with exclusive access to the task's mutation lock,
// serializing it against all other mutators of that same task. It is the
// primitive every per-task mutator below is built on.
func (s *Store) WithTask(taskID string, fn func(t *task.Task)) bool {
	s.mu.RLock()
	e, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.task)
	e.task.UpdatedAt = time.Now()
	return true
}

// SetStatus sets the task's status.
func (s *Store) SetStatus(taskID string, status task.Status) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.Status = status
	})
}

// Complete marks the task completed with a final result.
func (s *Store) Complete(taskID, result string) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.Status = task.StatusCompleted
		t.Result = result
		t.PendingCall = nil
	})
}

// Fail marks the task failed with a terminal error message.
func (s *Store) Fail(taskID, errMsg string) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.Status = task.StatusFailed
		t.Err = errMsg
		t.PendingCall = nil
	})
}

// Cancel marks the task cancelled.
func (s *Store) Cancel(taskID string) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.Status = task.StatusCancelled
		t.PendingCall = nil
	})
}

// SetPending records an outstanding remote or user-question call and
// transitions the task's status, satisfying the invariant that
// PendingCall != nil iff status is waiting-for-command/waiting-for-user.
func (s *Store) SetPending(taskID, callID, toolName string, waitingForUser bool) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.PendingCall = &task.PendingCall{CallID: callID, ToolName: toolName}
		if waitingForUser {
			t.Status = task.StatusWaitingForUser
		} else {
			t.Status = task.StatusWaitingForCommand
		}
	})
}

// ClearPending drops the pending call and returns the task to running.
func (s *Store) ClearPending(taskID string) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.PendingCall = nil
		if !t.Status.Terminal() {
			t.Status = task.StatusRunning
		}
	})
}

// AppendHistory appends one entry to the task's history. History only
// grows: there is no corresponding remove/replace operation.
func (s *Store) AppendHistory(taskID string, entry task.HistoryEntry) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.History = append(t.History, entry)
	})
}

// IncrementErrors increments the consecutive-error counter and reports
// whether the task has reached the given cap.
func (s *Store) IncrementErrors(taskID string, cap int) (reachedCap bool) {
	s.WithTask(taskID, func(t *task.Task) {
		t.ConsecutiveErrors++
		reachedCap = t.ConsecutiveErrors >= cap
	})
	return reachedCap
}

// ResetErrors zeroes the consecutive-error counter on any success.
func (s *Store) ResetErrors(taskID string) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.ConsecutiveErrors = 0
	})
}

// IncrementSteps increments the task's step counter and reports whether
// it has exceeded the given budget.
func (s *Store) IncrementSteps(taskID string, budget int) (exceeded bool) {
	s.WithTask(taskID, func(t *task.Task) {
		t.StepCount++
		exceeded = t.StepCount > budget
	})
	return exceeded
}

// SetPlan stores the task's Plan. The Plan is created once and never
// mutated afterward by any caller of this method.
func (s *Store) SetPlan(taskID string, p *task.Plan) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		t.Plan = p
	})
}

// CacheFile records content read from the client for path, satisfying
// the invariant that file_cache keys are paths returned at least once by
// a read op. The first content ever seen for a path is retained in
// OriginalFileCache as the diff-cache baseline; later calls only update
// FileCache.
func (s *Store) CacheFile(taskID, path, content string) bool {
	return s.WithTask(taskID, func(t *task.Task) {
		if _, seen := t.OriginalFileCache[path]; !seen {
			t.OriginalFileCache[path] = content
		}
		t.FileCache[path] = content
	})
}

// List returns every task owned by clientID.
func (s *Store) List(clientID string) []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*task.Task
	for _, e := range s.tasks {
		e.mu.Lock()
		if e.task.ClientID == clientID {
			cp := *e.task
			out = append(out, &cp)
		}
		e.mu.Unlock()
	}
	return out
}

// ListActive returns every task not yet in a terminal state, across all
// clients — restored from the original's get_active_tasks, useful for
// process-level introspection.
func (s *Store) ListActive() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*task.Task
	for _, e := range s.tasks {
		e.mu.Lock()
		if !e.task.Status.Terminal() {
			cp := *e.task
			out = append(out, &cp)
		}
		e.mu.Unlock()
	}
	return out
}

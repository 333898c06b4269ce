// Package graph implements the Task Control Graph: the durable state
// machine driving one task through ensure-plan, decide-next, and act,
// suspending on remote-call and user-question waiters and resuming when
// the Correlator delivers a matching result.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haas-oss/taskplane/internal/channelreg"
	"github.com/haas-oss/taskplane/internal/config"
	"github.com/haas-oss/taskplane/internal/correlator"
	"github.com/haas-oss/taskplane/internal/ctlerr"
	"github.com/haas-oss/taskplane/internal/dispatcher"
	"github.com/haas-oss/taskplane/internal/metrics"
	"github.com/haas-oss/taskplane/internal/modeladapter"
	"github.com/haas-oss/taskplane/internal/store"
	"github.com/haas-oss/taskplane/internal/task"
)

// Graph owns one control goroutine per active task. Each task's goroutine
// is the only writer of that task's status/plan/history beyond the
// Store's own lock discipline, matching the per-task isolation design:
// the reader path resolves waiters, it never mutates task state directly.
type Graph struct {
	store      *store.Store
	channels   *channelreg.Registry
	correlator *correlator.Correlator
	dispatcher *dispatcher.Dispatcher
	planner    *modeladapter.Planner
	executor   *modeladapter.Executor
	cfg        config.TaskConfig
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Graph. m may be nil, in which case metrics are a no-op.
func New(
	st *store.Store,
	channels *channelreg.Registry,
	corr *correlator.Correlator,
	disp *dispatcher.Dispatcher,
	planner *modeladapter.Planner,
	executor *modeladapter.Executor,
	cfg config.TaskConfig,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		store:      st,
		channels:   channels,
		correlator: corr,
		dispatcher: disp,
		planner:    planner,
		executor:   executor,
		cfg:        cfg,
		logger:     logger.With("component", "graph"),
		metrics:    m,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Start launches the control goroutine for an already-created task.
func (g *Graph) Start(taskID string, allowedTools []string) {
	ctx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.cancels[taskID] = cancel
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.ActiveTasks.Inc()
		if t := g.store.Get(taskID); t != nil {
			g.metrics.TasksCreated.WithLabelValues(t.Kind).Inc()
		}
	}

	go g.run(ctx, taskID, allowedTools)
}

// Cancel transitions taskID to cancelled, cancels its outstanding
// waiters, and stops its control goroutine at its next checkpoint.
func (g *Graph) Cancel(taskID string) {
	g.store.Cancel(taskID)
	g.observeTerminal("cancelled")
	g.correlator.CancelTask(taskID, correlator.ErrCancelled)

	g.mu.Lock()
	cancel, ok := g.cancels[taskID]
	g.mu.Unlock()
	if ok {
		cancel()
	}

	g.channels.Send(g.clientOf(taskID), map[string]any{
		"type":    "task-update",
		"task_id": taskID,
		"status":  string(task.StatusCancelled),
	})
}

// DisconnectClient fails every active task owned by clientID with a
// transport-disconnected error, per the concurrency model's rule that a
// channel disconnect cancels all waiters bound to that client.
func (g *Graph) DisconnectClient(clientID string) {
	for _, t := range g.store.List(clientID) {
		if t.Status.Terminal() {
			continue
		}
		// Mark the task terminal before waking any blocked waiter, so
		// the waiting goroutine observes a terminal status rather than
		// re-opening it.
		g.terminal(t.TaskID, ctlerr.New(ctlerr.KindTransportDown, "client disconnected").Error())
		g.correlator.CancelTask(t.TaskID, ctlerr.New(ctlerr.KindTransportDown, "client disconnected"))

		g.mu.Lock()
		cancel, ok := g.cancels[t.TaskID]
		g.mu.Unlock()
		if ok {
			cancel()
		}
	}
}

// alreadyTerminal reports whether taskID's status is already terminal,
// used to avoid emitting a competing task-failed frame when an error
// surfaced only because Cancel or DisconnectClient already ended the
// task and cancelled its context.
func (g *Graph) alreadyTerminal(taskID string) bool {
	t := g.store.Get(taskID)
	return t == nil || t.Status.Terminal()
}

func (g *Graph) observeTerminal(status string) {
	if g.metrics == nil {
		return
	}
	g.metrics.TasksCompleted.WithLabelValues(status).Inc()
	g.metrics.ActiveTasks.Dec()
}

func (g *Graph) clientOf(taskID string) string {
	t := g.store.Get(taskID)
	if t == nil {
		return ""
	}
	return t.ClientID
}

func (g *Graph) run(ctx context.Context, taskID string, allowedTools []string) {
	defer func() {
		g.mu.Lock()
		delete(g.cancels, taskID)
		g.mu.Unlock()
	}()

	g.store.SetStatus(taskID, task.StatusRunning)

	if err := g.ensurePlan(ctx, taskID, allowedTools); err != nil {
		if !g.alreadyTerminal(taskID) {
			g.terminal(taskID, ctlerr.Wrap(ctlerr.KindPlannerError, err, "").Error())
		}
		return
	}

	for {
		t := g.store.Get(taskID)
		if t == nil || t.Status.Terminal() {
			return
		}

		if g.store.IncrementSteps(taskID, g.cfg.StepBudget) {
			g.terminal(taskID, ctlerr.New(ctlerr.KindBudgetExhausted, "step budget exceeded").Error())
			return
		}

		step, err := g.executor.Decide(ctx, t, allowedTools)
		if err != nil {
			if !g.alreadyTerminal(taskID) {
				g.terminal(taskID, ctlerr.Wrap(ctlerr.KindExecutorError, err, "").Error())
			}
			return
		}

		done := g.act(ctx, taskID, allowedTools, step)
		if done {
			return
		}
	}
}

// ensurePlan invokes the Planner once per task, skipping if a plan
// already exists (it never will, on first run, but this keeps the node
// idempotent per the spec's description of ensure-plan).
func (g *Graph) ensurePlan(ctx context.Context, taskID string, allowedTools []string) error {
	t := g.store.Get(taskID)
	if t.Plan != nil {
		return nil
	}
	plan, err := g.planner.Plan(ctx, t.Prompt, allowedTools)
	if err != nil {
		return err
	}
	g.store.SetPlan(taskID, plan)
	return nil
}

// act executes one Executor Step and returns true if the task's control
// graph has reached a terminal stopping point for this goroutine
// (complete/failed/cancelled). A remote call or user question blocks
// inside act until its waiter resolves; act then returns false so the
// loop takes the next tick.
func (g *Graph) act(ctx context.Context, taskID string, allowedTools []string, step *task.ExecutorStep) bool {
	t := g.store.Get(taskID)

	switch step.Kind {
	case task.StepComplete:
		g.complete(taskID, step.FinalMessage)
		return true

	case task.StepNeedUser:
		out, ok := g.dispatcher.NeedUser(t, step.Question)
		if !ok {
			// Rejected: history already carries the remediation. Loop
			// back to decide-next without suspending.
			return false
		}
		return g.awaitOutcome(ctx, taskID, out)

	case task.StepContinue:
		out := g.dispatcher.Dispatch(ctx, t, step.ToolCalls)
		switch out.Kind {
		case dispatcher.OutcomeDone:
			return false
		case dispatcher.OutcomeError:
			g.store.AppendHistory(taskID, task.HistoryEntry{Role: "tool", Content: out.Message})
			if g.store.IncrementErrors(taskID, g.cfg.MaxConsecutiveErrors) {
				g.terminal(taskID, ctlerr.New(ctlerr.KindBudgetExhausted, "too many consecutive dispatch errors").Error())
				return true
			}
			return false
		default:
			return g.awaitOutcome(ctx, taskID, out)
		}

	default:
		g.terminal(taskID, ctlerr.New(ctlerr.KindExecutorError, fmt.Sprintf("unknown step kind %q", step.Kind)).Error())
		return true
	}
}

// awaitOutcome blocks the task's own control goroutine on the named
// waiter up to the configured remote-call timeout, then folds the result
// (or timeout/cancellation) into history and clears suspension so the
// next decide-next tick can proceed.
func (g *Graph) awaitOutcome(ctx context.Context, taskID string, out dispatcher.Outcome) bool {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.RemoteCallTimeout)
	defer cancel()

	outcome, err := g.correlator.Await(waitCtx, taskID, out.CallID)

	switch {
	case err == correlator.ErrCancelled:
		// The canceller (Cancel or DisconnectClient) already transitioned
		// the task to a terminal status and sent the matching frame
		// before waking this waiter; just stop this goroutine.
		return true

	case err == correlator.ErrTimeout:
		g.store.AppendHistory(taskID, task.HistoryEntry{Role: "tool", Content: ctlerr.New(ctlerr.KindRemoteTimeout, "no result arrived in time").Error()})
		g.store.ClearPending(taskID)
		return false

	case outcome.Err != nil:
		if t := g.store.Get(taskID); t == nil || t.Status.Terminal() {
			// A terminal transition (disconnect) raced this waiter; the
			// canceller already reported it. Stop without reopening status.
			return true
		}
		g.store.AppendHistory(taskID, task.HistoryEntry{Role: "tool", Content: fmt.Sprintf("tool error: %v", outcome.Err)})
		g.store.ClearPending(taskID)
		return false

	default:
		t := g.store.Get(taskID)
		g.recordResult(taskID, t, out, outcome)
		g.store.ClearPending(taskID)
		g.store.ResetErrors(taskID)
		return false
	}
}

// recordResult appends the remote/user result to history and, for
// read-file, caches the returned content under its path.
func (g *Graph) recordResult(taskID string, t *task.Task, out dispatcher.Outcome, outcome correlator.Outcome) {
	if out.Kind == dispatcher.OutcomeWaitingUser {
		answer, _ := outcome.Result["answer"].(string)
		g.store.AppendHistory(taskID, task.HistoryEntry{Role: "user", Content: answer})
		return
	}

	var pendingTool string
	if t != nil && t.PendingCall != nil {
		pendingTool = t.PendingCall.ToolName
	}
	if pendingTool == "read-file" {
		if path, ok := outcome.Result["path"].(string); ok {
			if content, ok := outcome.Result["content"].(string); ok {
				g.store.CacheFile(taskID, path, content)
			}
		}
	}

	g.store.AppendHistory(taskID, task.HistoryEntry{Role: "tool", Content: fmt.Sprintf("%v", outcome.Result)})
}

func (g *Graph) complete(taskID, finalMessage string) {
	g.store.Complete(taskID, finalMessage)
	g.observeTerminal("completed")
	t := g.store.Get(taskID)
	g.channels.Send(t.ClientID, map[string]any{
		"type":    "task-completed",
		"task_id": taskID,
		"result":  finalMessage,
	})
}

func (g *Graph) terminal(taskID, errMsg string) {
	g.store.Fail(taskID, errMsg)
	g.observeTerminal("failed")
	t := g.store.Get(taskID)
	if t == nil {
		return
	}
	g.channels.Send(t.ClientID, map[string]any{
		"type":    "task-failed",
		"task_id": taskID,
		"error":   errMsg,
	})
}

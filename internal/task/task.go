// Package task defines the central data types of the task control
// plane: Task, Plan, Executor Step, and Tool Call.
package task

import "time"

// Status is a Task's lifecycle state.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusWaitingForCommand Status = "waiting-for-command"
	StatusWaitingForUser    Status = "waiting-for-user"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether s ends a task's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// HistoryEntry is one append-only dialog turn.
type HistoryEntry struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
}

// PendingCall identifies the one outstanding remote or user-question call
// a task may have at a time.
type PendingCall struct {
	CallID   string
	ToolName string
}

// Task is the central entity of the control plane: one per submitted
// prompt, owned exclusively by the Task Store.
type Task struct {
	TaskID  string
	Kind    string
	ClientID string
	Prompt  string

	Status Status

	History []HistoryEntry

	// Plan holds the generated Plan once planning has happened.
	Plan *Plan

	AllowedTools map[string]bool

	// FileCache maps a client-relative path to its last-known content.
	// Touched only by this task's own control goroutine, so (unlike every
	// other field) it needs no per-entry locking beyond the Store's
	// snapshot copy sharing the same underlying map.
	FileCache map[string]string

	// OriginalFileCache holds each path's content as first cached, kept
	// alongside FileCache (which patch-cache may since have rewritten) so
	// diff-cache can diff against either baseline.
	OriginalFileCache map[string]string

	PendingCall *PendingCall

	ConsecutiveErrors int

	StepCount int

	Result string
	Err    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsToolAllowed reports whether name is in the task's allowed-tools set.
func (t *Task) IsToolAllowed(name string) bool {
	return t.AllowedTools[name]
}

// ToolCall is (tool_name, arguments) produced by the Executor model.
type ToolCall struct {
	Name string
	Args map[string]any
}

// PlanStep is one entry of a Plan's ordered step list.
type PlanStep struct {
	Title         string
	Detail        string
	ExpectedTools []string
}

// Plan is the structured output of the Planner: created once per task,
// never mutated afterward.
type Plan struct {
	Goal           string
	Steps          []PlanStep
	Risks          []string
	SuccessCriteria []string
}

// StepKind discriminates the variants of an Executor Step.
type StepKind string

const (
	StepContinue StepKind = "continue"
	StepNeedUser StepKind = "need-user"
	StepComplete StepKind = "complete"
)

// ExecutorStep is the validated unit of Executor output for one graph
// tick: a discriminated variant over continue / need-user / complete.
type ExecutorStep struct {
	Kind StepKind

	// Kind == StepContinue
	ToolCalls []ToolCall

	// Kind == StepNeedUser
	Question string

	// Kind == StepComplete
	FinalMessage string
}

// Package dispatcher implements the Tool Dispatcher: a data-driven
// registry of tool classifications plus the flow-control policy that
// runs local tools inline, dispatches remote and user-question tools and
// suspends the batch, and guards against unauthorized, duplicated, or
// hostile tool use.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haas-oss/taskplane/internal/channelreg"
	"github.com/haas-oss/taskplane/internal/correlator"
	"github.com/haas-oss/taskplane/internal/ctlerr"
	"github.com/haas-oss/taskplane/internal/metrics"
	"github.com/haas-oss/taskplane/internal/store"
	"github.com/haas-oss/taskplane/internal/task"
)

// Class is a tool's fixed flow-control classification.
type Class string

const (
	ClassLocal Class = "local"
	ClassRemote Class = "remote"
	ClassAskUser Class = "ask-user"
	// ClassCacheFlush is flush-cache: it is dispatched as a write-file
	// remote call carrying the cached content, not the model-supplied
	// arguments, per §4.7.
	ClassCacheFlush Class = "cache-flush"
)

// LocalHandler executes a local/immediate tool synchronously and returns
// the text to append to history.
type LocalHandler func(ctx context.Context, t *task.Task, call task.ToolCall) (string, error)

// ToolDef is one entry of the static tool registry: a name's
// classification and, for local tools, its handler.
type ToolDef struct {
	Name    string
	Class   Class
	Handler LocalHandler // only used when Class == ClassLocal
}

// Registry is the data-driven table mapping tool name to classification.
// Adding a tool is a table entry, not a new switch branch.
type Registry struct {
	defs map[string]ToolDef
}

// NewRegistry builds a Registry from the given tool definitions.
func NewRegistry(defs ...ToolDef) *Registry {
	r := &Registry{defs: make(map[string]ToolDef, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

func (r *Registry) lookup(name string) (ToolDef, bool) {
	d, ok := r.defs[name]
	return d, ok
}

// Outcome is what the dispatcher returns to the Task Control Graph after
// running a batch of tool calls.
type OutcomeKind string

const (
	OutcomeDone            OutcomeKind = "done"
	OutcomeWaitingCommand  OutcomeKind = "waiting-for-command"
	OutcomeWaitingUser     OutcomeKind = "waiting-for-user"
	OutcomeError           OutcomeKind = "error"
)

type Outcome struct {
	Kind    OutcomeKind
	CallID  string
	Message string
}

// forbiddenQuestionPhrases steers the model away from asking the user to
// author code or implementation detail; see §4.4.1.
var forbiddenQuestionPhrases = []string{
	"provide the content of",
	"write the code",
	"paste the code",
	"give me the implementation",
	"full source code",
	"complete script",
	"exact syntax",
}

// Dispatcher runs one task's batch of tool calls per the flow-control
// policy: local tools run inline and advance; remote and ask-user tools
// dispatch and stop the batch.
type Dispatcher struct {
	registry   *Registry
	channels   *channelreg.Registry
	correlator *correlator.Correlator
	store      *store.Store
	logger     *slog.Logger
	metrics    *metrics.Metrics

	dupWindow    int
	dupThreshold int

	mu          sync.Mutex
	recentCalls map[string][]string // task_id -> recent (name,args) hashes, newest last
}

// New builds a Dispatcher. m may be nil, in which case metrics are a
// no-op.
func New(reg *Registry, channels *channelreg.Registry, corr *correlator.Correlator, st *store.Store, dupWindow, dupThreshold int, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if dupWindow <= 0 {
		dupWindow = 5
	}
	if dupThreshold <= 0 {
		dupThreshold = 3
	}
	return &Dispatcher{
		registry:     reg,
		channels:     channels,
		correlator:   corr,
		store:        st,
		logger:       logger.With("component", "dispatcher"),
		metrics:      m,
		dupWindow:    dupWindow,
		dupThreshold: dupThreshold,
		recentCalls:  make(map[string][]string),
	}
}

func (d *Dispatcher) observeToolCall(name string, class Class) {
	if d.metrics == nil {
		return
	}
	d.metrics.ToolCalls.WithLabelValues(name, string(class)).Inc()
}

func (d *Dispatcher) observeOutcome(kind OutcomeKind) {
	if d.metrics == nil {
		return
	}
	d.metrics.DispatchOutcomes.WithLabelValues(string(kind)).Inc()
}

// Dispatch runs calls for t in order, per the flow-control policy, and
// returns the single outcome the control graph should act on.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task, calls []task.ToolCall) Outcome {
	for _, call := range calls {
		if !t.IsToolAllowed(call.Name) {
			d.appendHistory(t.TaskID, ctlerr.New(ctlerr.KindUnauthorizedTool, fmt.Sprintf("%q is not in allowed_tools", call.Name)).Error())
			continue
		}

		def, ok := d.registry.lookup(call.Name)
		if !ok {
			d.appendHistory(t.TaskID, ctlerr.New(ctlerr.KindUnauthorizedTool, fmt.Sprintf("%q is not a known tool", call.Name)).Error())
			continue
		}

		if d.isDuplicate(t.TaskID, call) {
			d.appendHistory(t.TaskID, ctlerr.New(ctlerr.KindDuplicateCall, fmt.Sprintf("%q repeated; change strategy", call.Name)).Error())
			continue
		}

		d.observeToolCall(call.Name, def.Class)

		switch def.Class {
		case ClassLocal:
			out, err := def.Handler(ctx, t, call)
			if err != nil {
				d.appendHistory(t.TaskID, fmt.Sprintf("tool %q failed: %v", call.Name, err))
				continue
			}
			d.appendHistory(t.TaskID, fmt.Sprintf("tool %q result: %s", call.Name, out))
			continue

		case ClassAskUser:
			question, _ := call.Args["question"].(string)
			out, rejected := d.askUser(t, question)
			if rejected {
				continue
			}
			d.observeOutcome(out.Kind)
			return out

		case ClassRemote:
			out := d.dispatchRemote(t, call.Name, call.Args)
			d.observeOutcome(out.Kind)
			return out

		case ClassCacheFlush:
			path, _ := call.Args["path"].(string)
			content, cached := t.FileCache[path]
			if !cached {
				d.appendHistory(t.TaskID, fmt.Sprintf("flush-cache-error: %q has no cached content", path))
				continue
			}
			out := d.dispatchRemote(t, "write-file", map[string]any{"path": path, "content": content})
			d.observeOutcome(out.Kind)
			return out
		}
	}

	d.observeOutcome(OutcomeDone)
	return Outcome{Kind: OutcomeDone}
}

// dispatchRemote registers a waiter, emits a command-call frame for
// commandName/args, and stops the batch. Used directly by ClassRemote
// and, with a translated command name and args, by ClassCacheFlush.
func (d *Dispatcher) dispatchRemote(t *task.Task, commandName string, args map[string]any) Outcome {
	if content, ok := args["content"].(string); ok {
		sanitized := make(map[string]any, len(args))
		for k, v := range args {
			sanitized[k] = v
		}
		sanitized["content"] = SanitizeContent(content)
		args = sanitized
	}

	callID := uuid.NewString()
	d.correlator.Register(t.TaskID, callID)
	d.store.SetPending(t.TaskID, callID, commandName, false)
	if err := d.channels.Send(t.ClientID, map[string]any{
		"type":    "command-call",
		"task_id": t.TaskID,
		"call_id": callID,
		"command": commandName,
		"args":    args,
	}); err != nil {
		d.correlator.Cancel(t.TaskID, callID)
		d.store.ClearPending(t.TaskID)
		return Outcome{Kind: OutcomeError, Message: fmt.Sprintf("send command-call: %v", err)}
	}
	return Outcome{Kind: OutcomeWaitingCommand, CallID: callID}
}

// NeedUser handles a top-level need-user Executor Step the same way the
// ask-user tool classification does inside a continue batch: a rejected
// question is reported via ok=false so the control graph can append the
// remediation to history and re-invoke the Executor without suspending.
func (d *Dispatcher) NeedUser(t *task.Task, question string) (out Outcome, ok bool) {
	out, rejected := d.askUser(t, question)
	return out, !rejected
}

// askUser validates question against the forbidden-phrase list and, if
// it passes, registers a waiter and emits a user-question frame. The
// second return value is true if the question was rejected (caller
// should append history and continue without suspending).
func (d *Dispatcher) askUser(t *task.Task, question string) (Outcome, bool) {
	if violatesForbiddenPhrase(question) {
		d.appendHistory(t.TaskID, "rejected ask-user: question asked for code/implementation detail; decide yourself or ask a behavioral question instead")
		return Outcome{}, true
	}

	callID := uuid.NewString()
	d.correlator.Register(t.TaskID, callID)
	d.store.SetPending(t.TaskID, callID, "ask-user", true)
	if err := d.channels.Send(t.ClientID, map[string]any{
		"type":     "user-question",
		"task_id":  t.TaskID,
		"call_id":  callID,
		"question": question,
	}); err != nil {
		d.correlator.Cancel(t.TaskID, callID)
		d.store.ClearPending(t.TaskID)
		return Outcome{Kind: OutcomeError, Message: fmt.Sprintf("send user-question: %v", err)}, false
	}
	return Outcome{Kind: OutcomeWaitingUser, CallID: callID}, false
}

func (d *Dispatcher) appendHistory(taskID, content string) {
	d.store.AppendHistory(taskID, task.HistoryEntry{Role: "tool", Content: content})
}

// isDuplicate hashes (name, args) and checks whether it has appeared at
// least dupThreshold times within the last dupWindow dispatched calls for
// this task — the anti-loop guard of §4.5.
func (d *Dispatcher) isDuplicate(taskID string, call task.ToolCall) bool {
	h := hashCall(call)

	d.mu.Lock()
	defer d.mu.Unlock()

	recent := d.recentCalls[taskID]
	count := 0
	for _, r := range recent {
		if r == h {
			count++
		}
	}
	if count+1 >= d.dupThreshold {
		return true
	}

	recent = append(recent, h)
	if len(recent) > d.dupWindow {
		recent = recent[len(recent)-d.dupWindow:]
	}
	d.recentCalls[taskID] = recent
	return false
}

// hashCall produces a stable hash over a tool call's name and arguments,
// independent of map key order.
func hashCall(call task.ToolCall) string {
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	normalized := make(map[string]any, len(call.Args)+1)
	normalized["__name"] = call.Name
	for _, k := range keys {
		normalized[k] = call.Args[k]
	}

	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func violatesForbiddenPhrase(question string) bool {
	normalized := strings.ToLower(question)
	for _, phrase := range forbiddenQuestionPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

// SanitizeContent strips exactly one enclosing Markdown code fence or
// backtick wrapper from a model-supplied content argument. This is the
// only permitted rewrite of model output, and it is idempotent:
// SanitizeContent(SanitizeContent(s)) == SanitizeContent(s).
func SanitizeContent(s string) string {
	trimmed := strings.TrimSpace(s)

	if strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```") && len(trimmed) >= 6 {
		inner := trimmed[3 : len(trimmed)-3]
		// Drop an optional language tag on the fence's first line.
		if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
			firstLine := inner[:nl]
			if !strings.ContainsAny(firstLine, " \t") && firstLine != "" {
				inner = inner[nl+1:]
			}
		}
		return strings.TrimSpace(inner)
	}

	if strings.HasPrefix(trimmed, "`") && strings.HasSuffix(trimmed, "`") && len(trimmed) >= 2 {
		return strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	}

	return trimmed
}

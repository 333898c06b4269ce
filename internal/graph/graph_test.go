package graph

import (
	"context"
	"testing"
	"time"

	"github.com/haas-oss/taskplane/internal/channelreg"
	"github.com/haas-oss/taskplane/internal/config"
	"github.com/haas-oss/taskplane/internal/correlator"
	"github.com/haas-oss/taskplane/internal/dispatcher"
	"github.com/haas-oss/taskplane/internal/modeladapter"
	"github.com/haas-oss/taskplane/internal/store"
	"github.com/haas-oss/taskplane/internal/task"
)

// fakeConn records every frame sent to it; safe for concurrent Send.
type fakeConn struct {
	framesCh chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{framesCh: make(chan []byte, 32)}
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case c.framesCh <- data:
		return nil
	default:
		return channelreg.ErrBackpressure
	}
}

func (c *fakeConn) Close() error { return nil }

// scriptedChat returns its canned responses in order, repeating the last
// once exhausted.
type scriptedChat struct {
	responses []string
	calls     int
}

func (s *scriptedChat) Complete(ctx context.Context, system string, messages []modeladapter.Message) (string, error) {
	if s.calls >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

const validPlan = `{"goal":"demo","steps":[{"title":"only step","detail":"do it","expected_tools":[]}]}`

func newHarness(t *testing.T, executorResponses []string, cfg config.TaskConfig) (*Graph, *store.Store, *correlator.Correlator, *fakeConn, *store.Store) {
	t.Helper()
	st := store.New()
	corr := correlator.New(nil)
	channels := channelreg.New(nil, nil)
	conn := newFakeConn()
	channels.Connect("client-1", conn)

	reg := dispatcher.NewRegistry(
		dispatcher.ToolDef{Name: "note", Class: dispatcher.ClassLocal, Handler: func(ctx context.Context, t *task.Task, call task.ToolCall) (string, error) {
			return "noted", nil
		}},
		dispatcher.ToolDef{Name: "read-file", Class: dispatcher.ClassRemote},
		dispatcher.ToolDef{Name: "ask-user", Class: dispatcher.ClassAskUser},
	)
	disp := dispatcher.New(reg, channels, corr, st, cfg.DuplicateCallWindow, cfg.DuplicateCallThreshold, nil, nil)

	planner := modeladapter.NewPlanner(&scriptedChat{responses: []string{validPlan}}, nil, nil)
	executor := modeladapter.NewExecutor(&scriptedChat{responses: executorResponses}, cfg.HistoryTurnBudget, nil, nil)

	g := New(st, channels, corr, disp, planner, executor, cfg, nil, nil)
	return g, st, corr, conn, st
}

func waitForStatus(t *testing.T, st *store.Store, taskID string, want task.Status, timeout time.Duration) *task.Task {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if tk := st.Get(taskID); tk != nil && tk.Status == want {
				return tk
			}
		case <-deadline:
			tk := st.Get(taskID)
			t.Fatalf("timed out waiting for status %v; last task = %+v", want, tk)
			return nil
		}
	}
}

func baseCfg() config.TaskConfig {
	return config.TaskConfig{
		MaxConsecutiveErrors:    3,
		StepBudget:              20,
		RemoteCallTimeout:       200 * time.Millisecond,
		HistoryTurnBudget:       50,
		DuplicateCallWindow:     5,
		DuplicateCallThreshold:  3,
	}
}

func TestGraph_CompletesImmediately(t *testing.T) {
	g, st, _, conn, _ := newHarness(t, []string{`{"kind":"complete","message":"all done"}`}, baseCfg())
	tk := st.Create("k", "client-1", "do the thing", nil, "")

	g.Start(tk.TaskID, nil)

	got := waitForStatus(t, st, tk.TaskID, task.StatusCompleted, time.Second)
	if got.Result != "all done" {
		t.Errorf("Result = %q", got.Result)
	}
	if len(conn.framesCh) == 0 {
		t.Error("expected at least one frame sent to client")
	}
}

func TestGraph_ContinueWithLocalToolThenComplete(t *testing.T) {
	g, st, _, _, _ := newHarness(t, []string{
		`{"kind":"continue","tool_calls":[{"name":"note","arguments":{}}]}`,
		`{"kind":"complete","message":"wrapped up"}`,
	}, baseCfg())
	tk := st.Create("k", "client-1", "p", []string{"note"}, "")

	g.Start(tk.TaskID, []string{"note"})

	got := waitForStatus(t, st, tk.TaskID, task.StatusCompleted, time.Second)
	if got.Result != "wrapped up" {
		t.Errorf("Result = %q", got.Result)
	}
	foundToolResult := false
	for _, h := range got.History {
		if h.Role == "tool" && h.Content == `tool "note" result: noted` {
			foundToolResult = true
		}
	}
	if !foundToolResult {
		t.Errorf("expected tool result in history, got %+v", got.History)
	}
}

func TestGraph_NeedUserRejectedThenRetried(t *testing.T) {
	g, st, _, conn, _ := newHarness(t, []string{
		`{"kind":"need-user","question":"please provide the content of main.go"}`,
		`{"kind":"complete","message":"handled without asking"}`,
	}, baseCfg())
	tk := st.Create("k", "client-1", "p", nil, "")

	g.Start(tk.TaskID, nil)

	got := waitForStatus(t, st, tk.TaskID, task.StatusCompleted, time.Second)
	if got.Result != "handled without asking" {
		t.Errorf("Result = %q", got.Result)
	}
	if len(conn.framesCh) != 1 {
		t.Errorf("frames sent = %d, want exactly 1 (task-completed; the rejected question never reached the client)", len(conn.framesCh))
	}
}

func TestGraph_RemoteCallSuspendsThenResumesOnResolve(t *testing.T) {
	g, st, corr, conn, _ := newHarness(t, []string{
		`{"kind":"continue","tool_calls":[{"name":"read-file","arguments":{"path":"/a.txt"}}]}`,
		`{"kind":"complete","message":"read and done"}`,
	}, baseCfg())
	tk := st.Create("k", "client-1", "p", []string{"read-file"}, "")

	g.Start(tk.TaskID, []string{"read-file"})

	waiting := waitForStatus(t, st, tk.TaskID, task.StatusWaitingForCommand, time.Second)
	if waiting.PendingCall == nil {
		t.Fatal("expected a pending call")
	}
	if len(conn.framesCh) != 1 {
		t.Errorf("frames sent while waiting = %d, want 1 (command-call)", len(conn.framesCh))
	}

	corr.Resolve(tk.TaskID, waiting.PendingCall.CallID, map[string]any{"path": "/a.txt", "content": "hello"}, nil)

	got := waitForStatus(t, st, tk.TaskID, task.StatusCompleted, time.Second)
	if got.FileCache["/a.txt"] != "hello" {
		t.Errorf("FileCache[/a.txt] = %q, want cached content", got.FileCache["/a.txt"])
	}
}

func TestGraph_CancelMidWaitStopsGoroutineAndNotifiesClient(t *testing.T) {
	g, st, _, conn, _ := newHarness(t, []string{
		`{"kind":"continue","tool_calls":[{"name":"read-file","arguments":{"path":"/a.txt"}}]}`,
		`{"kind":"complete","message":"should never run"}`,
	}, baseCfg())
	tk := st.Create("k", "client-1", "p", []string{"read-file"}, "")

	g.Start(tk.TaskID, []string{"read-file"})
	waitForStatus(t, st, tk.TaskID, task.StatusWaitingForCommand, time.Second)

	g.Cancel(tk.TaskID)

	got := waitForStatus(t, st, tk.TaskID, task.StatusCancelled, time.Second)
	if got.Status != task.StatusCancelled {
		t.Errorf("Status = %v", got.Status)
	}

	// Give the goroutine a moment to (incorrectly) proceed, then confirm it
	// never resumed the loop and asked for another decision.
	time.Sleep(50 * time.Millisecond)
	if got := st.Get(tk.TaskID); got.Result != "" {
		t.Errorf("Result = %q, want empty: cancelled task must not subsequently complete", got.Result)
	}
	if len(conn.framesCh) < 2 {
		t.Errorf("frames sent = %d, want at least 2 (command-call, task-update cancelled)", len(conn.framesCh))
	}
}

func TestGraph_BudgetExhaustedTerminatesTask(t *testing.T) {
	cfg := baseCfg()
	cfg.StepBudget = 1
	g, st, _, _, _ := newHarness(t, []string{
		`{"kind":"continue","tool_calls":[{"name":"note","arguments":{}}]}`,
	}, cfg)
	tk := st.Create("k", "client-1", "p", []string{"note"}, "")

	g.Start(tk.TaskID, []string{"note"})

	got := waitForStatus(t, st, tk.TaskID, task.StatusFailed, time.Second)
	if got.Err == "" {
		t.Error("expected a budget-exhausted error message")
	}
}

func TestGraph_DisconnectClientFailsActiveTasks(t *testing.T) {
	g, st, _, conn, _ := newHarness(t, []string{
		`{"kind":"continue","tool_calls":[{"name":"read-file","arguments":{"path":"/a.txt"}}]}`,
	}, baseCfg())
	tk := st.Create("k", "client-1", "p", []string{"read-file"}, "")

	g.Start(tk.TaskID, []string{"read-file"})
	waitForStatus(t, st, tk.TaskID, task.StatusWaitingForCommand, time.Second)

	g.DisconnectClient("client-1")

	got := waitForStatus(t, st, tk.TaskID, task.StatusFailed, time.Second)
	if got.Err == "" {
		t.Error("expected a transport-disconnected error message")
	}
	_ = conn
}

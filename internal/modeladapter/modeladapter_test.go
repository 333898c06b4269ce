package modeladapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haas-oss/taskplane/internal/task"
)

type scriptedChat struct {
	responses []string
	calls     int
}

func (s *scriptedChat) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	if s.calls >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

func TestStripThinking(t *testing.T) {
	in := "<think>let me reason</think>{\"kind\":\"complete\"}"
	want := `{"kind":"complete"}`
	if got := StripThinking(in); got != want {
		t.Errorf("StripThinking = %q, want %q", got, want)
	}
}

func TestPlanner_ParsesValidPlan(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"goal":"write a script","steps":[{"title":"write","detail":"write hello.lua","expected_tools":["write-file"]}]}`,
	}}
	p := NewPlanner(chat, nil, nil)

	plan, err := p.Plan(context.Background(), "write a script", []string{"write-file"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Goal != "write a script" {
		t.Errorf("Goal = %q", plan.Goal)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Title != "write" {
		t.Errorf("Steps = %+v", plan.Steps)
	}
}

func TestPlanner_RetriesOnceThenSucceeds(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		"not json at all",
		`{"goal":"ok","steps":[]}`,
	}}
	p := NewPlanner(chat, nil, nil)

	plan, err := p.Plan(context.Background(), "p", nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Goal != "ok" {
		t.Errorf("Goal = %q", plan.Goal)
	}
	if chat.calls != 2 {
		t.Errorf("calls = %d, want 2", chat.calls)
	}
}

func TestPlanner_ExhaustsRetriesReturnsPlannerError(t *testing.T) {
	chat := &scriptedChat{responses: []string{"junk", "still junk", "still junk"}}
	p := NewPlanner(chat, nil, nil)

	_, err := p.Plan(context.Background(), "p", nil)
	if err == nil {
		t.Fatal("expected planner-error")
	}
}

func TestExecutor_ParsesContinueStep(t *testing.T) {
	chat := &scriptedChat{responses: []string{
		`{"kind":"continue","tool_calls":[{"name":"read-file","arguments":{"path":"/a.txt"}}]}`,
	}}
	e := NewExecutor(chat, 60, nil, nil)
	tk := &task.Task{Prompt: "summarize /a.txt"}

	step, err := e.Decide(context.Background(), tk, []string{"read-file"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if step.Kind != task.StepContinue {
		t.Fatalf("Kind = %v", step.Kind)
	}
	if len(step.ToolCalls) != 1 || step.ToolCalls[0].Name != "read-file" {
		t.Errorf("ToolCalls = %+v", step.ToolCalls)
	}
}

func TestExecutor_ParsesCompleteStep(t *testing.T) {
	chat := &scriptedChat{responses: []string{`{"kind":"complete","message":"hello"}`}}
	e := NewExecutor(chat, 60, nil, nil)
	tk := &task.Task{Prompt: "p"}

	step, err := e.Decide(context.Background(), tk, nil)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if step.Kind != task.StepComplete || step.FinalMessage != "hello" {
		t.Errorf("step = %+v", step)
	}
}

func TestExecutor_TwoStrikeValidationFailsAfterSecondBadParse(t *testing.T) {
	chat := &scriptedChat{responses: []string{"bad", "still bad"}}
	e := NewExecutor(chat, 60, nil, nil)
	tk := &task.Task{Prompt: "p"}

	_, err := e.Decide(context.Background(), tk, nil)
	if err == nil {
		t.Fatal("expected executor-error after 2 strikes")
	}
	if chat.calls != 2 {
		t.Errorf("calls = %d, want 2 (exactly two strikes)", chat.calls)
	}
}

func TestExecutor_ContinueRequiresToolCalls(t *testing.T) {
	chat := &scriptedChat{responses: []string{`{"kind":"continue","tool_calls":[]}`, `{"kind":"continue","tool_calls":[]}`}}
	e := NewExecutor(chat, 60, nil, nil)
	tk := &task.Task{Prompt: "p"}

	_, err := e.Decide(context.Background(), tk, nil)
	if err == nil {
		t.Fatal("expected error: continue with no tool calls is invalid")
	}
}

func TestToolCatalogue(t *testing.T) {
	got := ToolCatalogue([]string{"read-file", "write-file"})
	if got == "" {
		t.Fatal("expected non-empty catalogue")
	}
}

func TestExecutor_DecideIncludesToolCatalogueInSystemPrompt(t *testing.T) {
	var gotSystem string
	chat := &capturingChat{
		scriptedChat: scriptedChat{responses: []string{`{"kind":"complete","message":"done"}`}},
		onComplete:   func(system string, _ []Message) { gotSystem = system },
	}
	e := NewExecutor(chat, 60, nil, nil)
	tk := &task.Task{Prompt: "p"}

	if _, err := e.Decide(context.Background(), tk, []string{"read-file"}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !strings.Contains(gotSystem, "read-file") {
		t.Errorf("system prompt = %q, want it to include the tool catalogue", gotSystem)
	}
}

type capturingChat struct {
	scriptedChat
	onComplete func(system string, messages []Message)
}

func (c *capturingChat) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	if c.onComplete != nil {
		c.onComplete(system, messages)
	}
	return c.scriptedChat.Complete(ctx, system, messages)
}

// TestOpenAIChat_RetriesTransientServerErrors exercises the transport
// retry policy wired into openaiChat.Complete: the first two requests
// fail with a 500, the third succeeds.
func TestOpenAIChat_RetriesTransientServerErrors(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "temporary failure", "type": "server_error"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "1", "object": "chat.completion", "created": 0, "model": "m",
			"choices": []map[string]any{
				{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": "hi"}},
			},
		})
	}))
	defer server.Close()

	chat := NewOpenAIChat(server.URL, "test-key", "m", 0, 16)
	out, err := chat.Complete(context.Background(), "", []Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "hi" {
		t.Errorf("out = %q, want hi", out)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (two transient failures then success)", attempts)
	}
}

// TestOpenAIChat_PermanentErrorNotRetried exercises the "don't retry a
// request that can never succeed" half of the transport retry policy.
func TestOpenAIChat_PermanentErrorNotRetried(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "invalid request", "type": "invalid_request_error"},
		})
	}))
	defer server.Close()

	chat := NewOpenAIChat(server.URL, "test-key", "m", 0, 16)
	if _, err := chat.Complete(context.Background(), "", []Message{{Role: "user", Content: "hello"}}); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (a 400 must not be retried)", attempts)
	}
}

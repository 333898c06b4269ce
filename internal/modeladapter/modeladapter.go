// Package modeladapter implements the Planner and Executor model
// adapters: two logical roles driven by the same underlying HTTP chat
// primitive, each validating model output against a strict schema with
// bounded retries.
package modeladapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haas-oss/taskplane/internal/metrics"
	"github.com/haas-oss/taskplane/internal/retry"
	"github.com/haas-oss/taskplane/internal/task"
)

// Chat is the minimal surface the adapters need from an HTTP chat
// backend, implemented concretely by openaiChat below. Kept as an
// interface so tests can substitute a fake without a network call.
type Chat interface {
	Complete(ctx context.Context, system string, messages []Message) (string, error)
}

// Message is one turn in a chat completion request.
type Message struct {
	Role    string
	Content string
}

// openaiChat implements Chat against any OpenAI-compatible chat
// completions endpoint (the corpus's concrete choice for the "HTTP chat
// endpoint" external collaborator, usable against local model servers
// too since they commonly expose the same wire shape).
type openaiChat struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// NewOpenAIChat builds a Chat backed by go-openai.
func NewOpenAIChat(baseURL, apiKey, model string, temperature float32, maxTokens int) Chat {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openaiChat{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      slog.Default().With("component", "openai-chat"),
	}
}

// transportRetryPolicy governs retries of the underlying HTTP call itself
// (connection resets, 5xx, rate limiting) — distinct from
// retry.ValidationPolicy, which governs re-asking the model after it
// returns content that fails to parse or validate. A 4xx other than 429
// is a permanent error: retrying an invalid request wastes attempts on a
// call that cannot succeed.
func transportRetryPolicy() retry.Config {
	return retry.Exponential(3, 250*time.Millisecond, 2*time.Second)
}

// isPermanentChatError reports whether err represents a request the
// backend will never accept, as opposed to a transient failure worth
// retrying.
func isPermanentChatError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429
	}
	return false
}

func (c *openaiChat) Complete(ctx context.Context, system string, messages []Message) (string, error) {
	chatMsgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    chatMsgs,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	var content string
	result := retry.WithAttemptNumber(ctx, transportRetryPolicy(), func(attempt int) error {
		if attempt > 1 {
			c.logger.Debug("retrying chat completion", "attempt", attempt, "model", c.model)
		}
		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if isPermanentChatError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return retry.Permanent(fmt.Errorf("modeladapter: chat completion returned no choices"))
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if result.Err != nil {
		return "", fmt.Errorf("modeladapter: chat completion: %w", result.Err)
	}
	return content, nil
}

// thinkBlock matches a <think>...</think> reasoning block some backends
// emit ahead of the actual completion body.
var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// StripThinking removes any <think>...</think> block from raw model
// output before JSON extraction is attempted.
func StripThinking(raw string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(raw, ""))
}

// extractJSON extracts the first top-level {...} object from a string that
// may carry prose before or after it (the "prose-plus-trailing-JSON"
// completion shape).
func extractJSON(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return "", false
}

// ToolCatalogue renders a textual description of the allowed tools,
// appended to the system message when talking to a backend with no
// native structured tool-calling (the prose-plus-JSON arrangement).
func ToolCatalogue(allowedTools []string) string {
	if len(allowedTools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, name := range allowedTools {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return b.String()
}

// Planner produces a Plan at most once per task.
type Planner struct {
	chat    Chat
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPlanner builds a Planner adapter. m may be nil, in which case
// metrics are a no-op.
func NewPlanner(chat Chat, logger *slog.Logger, m *metrics.Metrics) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{chat: chat, logger: logger.With("component", "planner"), metrics: m}
}

const plannerSystemPrompt = `You are a planning agent. Given a task and a set of allowed tools, ` +
	`produce a JSON object with exactly these fields: "goal" (string), ` +
	`"steps" (array of {"title","detail","expected_tools":[string]}), ` +
	`"risks" (array of strings, optional), "success_criteria" (array of strings, optional). ` +
	`Output structured fields only: no tool calls, no chain of thought, no prose outside the JSON object.`

type planJSON struct {
	Goal  string `json:"goal"`
	Steps []struct {
		Title         string   `json:"title"`
		Detail        string   `json:"detail"`
		ExpectedTools []string `json:"expected_tools"`
	} `json:"steps"`
	Risks           []string `json:"risks"`
	SuccessCriteria []string `json:"success_criteria"`
}

// Plan invokes the Planner, retrying parse failures up to a small bound
// with the prior output plus a corrective message. It returns a
// planner-format error on exhaustion.
func (p *Planner) Plan(ctx context.Context, prompt string, allowedTools []string) (*task.Plan, error) {
	userMsg := fmt.Sprintf("Task: %s\n\nAllowed tools: %s", prompt, strings.Join(allowedTools, ", "))
	messages := []Message{{Role: "user", Content: userMsg}}

	var lastErr error
	var plan *task.Plan

	start := time.Now()
	result := retry.Do(ctx, retry.ValidationPolicy(2), func() error {
		raw, err := p.chat.Complete(ctx, plannerSystemPrompt, messages)
		if err != nil {
			lastErr = err
			return err
		}

		raw = StripThinking(raw)
		jsonStr, ok := extractJSON(raw)
		if !ok {
			jsonStr = raw
		}

		var parsed planJSON
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
			lastErr = fmt.Errorf("parse-error: %w", err)
			messages = append(messages,
				Message{Role: "assistant", Content: raw},
				Message{Role: "user", Content: "That response did not parse as the required JSON Plan object. Respond again with only the corrected JSON object."},
			)
			return lastErr
		}

		steps := make([]task.PlanStep, 0, len(parsed.Steps))
		for _, s := range parsed.Steps {
			steps = append(steps, task.PlanStep{Title: s.Title, Detail: s.Detail, ExpectedTools: s.ExpectedTools})
		}
		plan = &task.Plan{
			Goal:            parsed.Goal,
			Steps:           steps,
			Risks:           parsed.Risks,
			SuccessCriteria: parsed.SuccessCriteria,
		}
		lastErr = nil
		return nil
	})

	p.observe(start, result.Attempts)
	if result.Err != nil {
		return nil, fmt.Errorf("planner-error: %w", result.Err)
	}
	return plan, lastErr
}

func (p *Planner) observe(start time.Time, attempts int) {
	if p.metrics == nil {
		return
	}
	p.metrics.ModelAdapterDuration.WithLabelValues("planner").Observe(time.Since(start).Seconds())
	if attempts > 1 {
		p.metrics.ModelAdapterRetries.WithLabelValues("planner").Add(float64(attempts - 1))
	}
}

// Executor produces an Executor Step on every graph tick after planning.
type Executor struct {
	chat              Chat
	logger            *slog.Logger
	metrics           *metrics.Metrics
	historyTurnBudget int
}

// NewExecutor builds an Executor adapter. historyTurnBudget bounds how
// many trailing history turns are sent; earlier turns are trimmed once
// the bound is exceeded. m may be nil, in which case metrics are a
// no-op.
func NewExecutor(chat Chat, historyTurnBudget int, logger *slog.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if historyTurnBudget <= 0 {
		historyTurnBudget = 60
	}
	return &Executor{chat: chat, historyTurnBudget: historyTurnBudget, logger: logger.With("component", "executor"), metrics: m}
}

const executorSystemPrompt = `You are an execution agent working one step at a time. ` +
	`Respond with exactly one JSON object with a "kind" field set to one of ` +
	`"continue", "need-user", or "complete". ` +
	`For "continue", include "tool_calls": [{"name": string, "arguments": object}]. ` +
	`For "need-user", include "question": string. ` +
	`For "complete", include "message": string. ` +
	`No other top-level fields, no prose outside the JSON object.`

type executorStepJSON struct {
	Kind      string `json:"kind"`
	ToolCalls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"tool_calls"`
	Question string `json:"question"`
	Message  string `json:"message"`
}

// Decide invokes the Executor with the task's prompt, plan, allowed
// tools, and bounded trailing history, applying the 2-strike validation
// policy from §4.5: one retry with a corrective prompt, then a surfaced
// validation error, which the control graph treats as a terminal
// executor-error.
func (e *Executor) Decide(ctx context.Context, t *task.Task, allowedTools []string) (*task.ExecutorStep, error) {
	messages := e.buildMessages(t, allowedTools)

	system := executorSystemPrompt
	if catalogue := ToolCatalogue(allowedTools); catalogue != "" {
		system += "\n\n" + catalogue
	}

	var step *task.ExecutorStep
	var lastErr error

	start := time.Now()
	result := retry.Do(ctx, retry.ValidationPolicy(1), func() error {
		raw, err := e.chat.Complete(ctx, system, messages)
		if err != nil {
			lastErr = err
			return err
		}

		raw = StripThinking(raw)
		jsonStr, ok := extractJSON(raw)
		if !ok {
			jsonStr = raw
		}

		var parsed executorStepJSON
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
			lastErr = fmt.Errorf("validation-error: %w", err)
			messages = append(messages,
				Message{Role: "assistant", Content: raw},
				Message{Role: "user", Content: "That response did not parse as the required Executor Step JSON. Respond again with only the corrected JSON object."},
			)
			return lastErr
		}

		parsedStep, err := toExecutorStep(parsed)
		if err != nil {
			lastErr = fmt.Errorf("validation-error: %w", err)
			return lastErr
		}

		step = parsedStep
		lastErr = nil
		return nil
	})

	e.observe(start, result.Attempts)
	if result.Err != nil {
		return nil, fmt.Errorf("executor-error: %w", result.Err)
	}
	return step, lastErr
}

func (e *Executor) observe(start time.Time, attempts int) {
	if e.metrics == nil {
		return
	}
	e.metrics.ModelAdapterDuration.WithLabelValues("executor").Observe(time.Since(start).Seconds())
	if attempts > 1 {
		e.metrics.ModelAdapterRetries.WithLabelValues("executor").Add(float64(attempts - 1))
	}
}

func toExecutorStep(parsed executorStepJSON) (*task.ExecutorStep, error) {
	switch task.StepKind(parsed.Kind) {
	case task.StepContinue:
		if len(parsed.ToolCalls) == 0 {
			return nil, fmt.Errorf("continue step must carry at least one tool call")
		}
		calls := make([]task.ToolCall, 0, len(parsed.ToolCalls))
		for _, c := range parsed.ToolCalls {
			calls = append(calls, task.ToolCall{Name: c.Name, Args: c.Arguments})
		}
		return &task.ExecutorStep{Kind: task.StepContinue, ToolCalls: calls}, nil

	case task.StepNeedUser:
		if parsed.Question == "" {
			return nil, fmt.Errorf("need-user step must carry a question")
		}
		return &task.ExecutorStep{Kind: task.StepNeedUser, Question: parsed.Question}, nil

	case task.StepComplete:
		return &task.ExecutorStep{Kind: task.StepComplete, FinalMessage: parsed.Message}, nil

	default:
		return nil, fmt.Errorf("unknown step kind %q", parsed.Kind)
	}
}

// buildMessages assembles the user-turn sequence sent to the model:
// prompt, plan summary, and the trailing bounded window of history.
func (e *Executor) buildMessages(t *task.Task, allowedTools []string) []Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", t.Prompt)
	if t.Plan != nil {
		fmt.Fprintf(&b, "Plan goal: %s\n", t.Plan.Goal)
		for i, s := range t.Plan.Steps {
			fmt.Fprintf(&b, "Step %d: %s - %s\n", i+1, s.Title, s.Detail)
		}
	}
	fmt.Fprintf(&b, "Allowed tools: %s\n", strings.Join(allowedTools, ", "))

	history := t.History
	if len(history) > e.historyTurnBudget {
		history = history[len(history)-e.historyTurnBudget:]
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: "user", Content: b.String()})
	for _, h := range history {
		role := h.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		messages = append(messages, Message{Role: role, Content: h.Content})
	}
	return messages
}

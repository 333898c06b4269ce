// Package filecache implements the Cache/Patch Engine: the per-task,
// single-threaded operations over a task's file_cache (read, write,
// patch, diff, syntax-check); flushing the cache is handled by the
// dispatcher. Every operation here runs on the task's own control
// goroutine and writes the task's cache maps directly, without taking
// the Store's per-task lock.
package filecache

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	diffpkg "github.com/sourcegraph/go-diff/diff"

	"github.com/haas-oss/taskplane/internal/dispatcher"
	"github.com/haas-oss/taskplane/internal/syntaxcheck"
	"github.com/haas-oss/taskplane/internal/task"
)

// Format names a patch-cache input format.
type Format string

const (
	FormatUnifiedDiff  Format = "unified-diff"
	FormatRegexReplace Format = "regex-replace"
	FormatRangeReplace Format = "range-replace"
)

// Engine implements the Cache/Patch Engine's local tool handlers. Each
// method matches dispatcher.LocalHandler's signature so it can be
// registered directly as a ClassLocal tool.
type Engine struct {
	checker *syntaxcheck.Checker
}

// New builds an Engine. checker may be nil, in which case
// SyntaxCheckCache reports an error rather than attempting to run one.
func New(checker *syntaxcheck.Checker) *Engine {
	return &Engine{checker: checker}
}

func argString(call task.ToolCall, key string) (string, bool) {
	v, ok := call.Args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argBool(call task.ToolCall, key string) bool {
	v, ok := call.Args[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ReadCache returns path's cached content, or a not-cached error.
func (e *Engine) ReadCache(ctx context.Context, t *task.Task, call task.ToolCall) (string, error) {
	path, ok := argString(call, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("read-cache: path is required")
	}
	content, ok := t.FileCache[path]
	if !ok {
		return "", fmt.Errorf("not-cached: %q has no cached content", path)
	}
	return content, nil
}

// WriteCache stores content under path, sanitized of any enclosing
// Markdown fence the model may have added.
func (e *Engine) WriteCache(ctx context.Context, t *task.Task, call task.ToolCall) (string, error) {
	path, ok := argString(call, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("write-cache: path is required")
	}
	content, _ := argString(call, "content")
	content = dispatcher.SanitizeContent(content)

	if _, seen := t.OriginalFileCache[path]; !seen {
		t.OriginalFileCache[path] = content
	}
	t.FileCache[path] = content
	return fmt.Sprintf("wrote %d bytes to cache for %q", len(content), path), nil
}

// PatchCache applies patch to path's cached content in the given format
// and, unless dry_run, persists the result. It always reports a unified
// diff between before and after, the new size, and a short notes string.
func (e *Engine) PatchCache(ctx context.Context, t *task.Task, call task.ToolCall) (string, error) {
	path, ok := argString(call, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("patch-cache: path is required")
	}
	patch, _ := argString(call, "patch")
	formatStr, _ := argString(call, "format")
	if formatStr == "" {
		formatStr = string(FormatUnifiedDiff)
	}
	dryRun := argBool(call, "dry_run")

	before, ok := t.FileCache[path]
	if !ok {
		return "", fmt.Errorf("not-cached: %q has no cached content to patch", path)
	}

	var after string
	var notes string
	var err error

	switch Format(formatStr) {
	case FormatUnifiedDiff:
		after, err = applyUnifiedDiff(before, patch)
		notes = "applied unified diff"
	case FormatRegexReplace:
		after, err = applyRegexReplace(before, patch)
		notes = "applied regex replace"
	case FormatRangeReplace:
		after, err = applyRangeReplace(before, patch)
		notes = "applied range replace"
	default:
		return "", fmt.Errorf("patch-cache: unknown format %q", formatStr)
	}
	if err != nil {
		return "", fmt.Errorf("patch-cache: %w", err)
	}

	diffText := unifiedDiff(path, before, after)

	if dryRun {
		notes += " (dry run: cache left unchanged)"
	} else {
		t.FileCache[path] = after
		notes += fmt.Sprintf(" (cache updated, new size %d)", len(after))
	}

	return fmt.Sprintf("%s\n\nnew_size=%d\nnotes=%s", diffText, len(after), notes), nil
}

// DiffCache returns a unified diff between path's current cached content
// and either its original (first-cached) content or caller-provided text.
func (e *Engine) DiffCache(ctx context.Context, t *task.Task, call task.ToolCall) (string, error) {
	path, ok := argString(call, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("diff-cache: path is required")
	}
	against, _ := argString(call, "against")
	if against == "" {
		against = "original"
	}
	current, ok := t.FileCache[path]
	if !ok {
		return "", fmt.Errorf("not-cached: %q has no cached content", path)
	}

	var baseline string
	switch against {
	case "original":
		baseline = t.OriginalFileCache[path]
	case "provided":
		provided, _ := argString(call, "provided")
		baseline = provided
	default:
		return "", fmt.Errorf("diff-cache: unknown against %q", against)
	}

	return unifiedDiff(path, baseline, current), nil
}

// SyntaxCheckCache runs the configured external syntax checker against
// path's cached content.
func (e *Engine) SyntaxCheckCache(ctx context.Context, t *task.Task, call task.ToolCall) (string, error) {
	path, ok := argString(call, "path")
	if !ok || path == "" {
		return "", fmt.Errorf("syntax-check-cache: path is required")
	}
	content, ok := t.FileCache[path]
	if !ok {
		return "", fmt.Errorf("not-cached: %q has no cached content", path)
	}
	if e.checker == nil {
		return "", fmt.Errorf("syntax-check-cache: no checker configured")
	}

	suffix, _ := argString(call, "suffix")
	if suffix == "" {
		if i := strings.LastIndexByte(path, '.'); i >= 0 {
			suffix = path[i:]
		}
	}

	report, err := e.checker.Check(ctx, []byte(content), suffix)
	if err != nil {
		return "", fmt.Errorf("syntax-check-cache: %w", err)
	}
	if report.OK {
		return "ok", nil
	}
	return "", fmt.Errorf("syntax error: %s", report.Output)
}

// applyUnifiedDiff parses patch with go-diff and applies its hunks to
// before, returning the patched content.
func applyUnifiedDiff(before, patch string) (string, error) {
	fd, err := diffpkg.ParseFileDiff([]byte(patch))
	if err != nil {
		return "", fmt.Errorf("parse unified diff: %w", err)
	}
	return applyHunks(before, fd.Hunks)
}

func applyHunks(content string, hunks []*diffpkg.Hunk) (string, error) {
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	trimmed := strings.TrimSuffix(content, "\n")
	var lines []string
	if trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}

	for _, h := range hunks {
		idx := int(h.OrigStartLine) - 1
		if idx < 0 {
			idx = 0
		}
		body := strings.TrimSuffix(string(h.Body), "\n")
		var bodyLines []string
		if body != "" {
			bodyLines = strings.Split(body, "\n")
		}
		for _, line := range bodyLines {
			if line == "" {
				continue
			}
			prefix := line[0]
			text := ""
			if len(line) > 1 {
				text = line[1:]
			}
			switch prefix {
			case ' ':
				if idx >= len(lines) || lines[idx] != text {
					return "", fmt.Errorf("context mismatch applying hunk at line %d", idx+1)
				}
				idx++
			case '-':
				if idx >= len(lines) || lines[idx] != text {
					return "", fmt.Errorf("delete mismatch applying hunk at line %d", idx+1)
				}
				lines = append(lines[:idx], lines[idx+1:]...)
			case '+':
				lines = append(lines[:idx], append([]string{text}, lines[idx:]...)...)
				idx++
			default:
				return "", fmt.Errorf("invalid patch line %q", line)
			}
		}
	}

	result := strings.Join(lines, "\n")
	if hadTrailingNewline && result != "" {
		result += "\n"
	}
	return result, nil
}

// applyRegexReplace applies a pattern|||replacement patch with
// multi-line and dot-all semantics.
func applyRegexReplace(before, patch string) (string, error) {
	parts := strings.SplitN(patch, "|||", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("regex-replace patch must be pattern|||replacement")
	}
	re, err := regexp.Compile("(?sm)" + parts[0])
	if err != nil {
		return "", fmt.Errorf("compile pattern: %w", err)
	}
	return re.ReplaceAllString(before, parts[1]), nil
}

// applyRangeReplace applies a "start,end\n<text>" patch, replacing
// 1-based inclusive lines [start,end] with the given text.
func applyRangeReplace(before, patch string) (string, error) {
	nl := strings.IndexByte(patch, '\n')
	if nl < 0 {
		return "", fmt.Errorf("range-replace patch must be \"start,end\\n<text>\"")
	}
	header := patch[:nl]
	text := patch[nl+1:]

	rangeParts := strings.SplitN(header, ",", 2)
	if len(rangeParts) != 2 {
		return "", fmt.Errorf("range-replace header must be start,end")
	}
	start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
	if err != nil {
		return "", fmt.Errorf("invalid start: %w", err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
	if err != nil {
		return "", fmt.Errorf("invalid end: %w", err)
	}
	if start < 1 || end < start {
		return "", fmt.Errorf("invalid range [%d,%d]", start, end)
	}

	hadTrailingNewline := strings.HasSuffix(before, "\n")
	trimmed := strings.TrimSuffix(before, "\n")
	var lines []string
	if trimmed != "" {
		lines = strings.Split(trimmed, "\n")
	}
	if end > len(lines) {
		return "", fmt.Errorf("range end %d exceeds %d lines", end, len(lines))
	}

	var replacement []string
	trimmedText := strings.TrimSuffix(text, "\n")
	if trimmedText != "" {
		replacement = strings.Split(trimmedText, "\n")
	}

	out := make([]string, 0, len(lines)-(end-start+1)+len(replacement))
	out = append(out, lines[:start-1]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)

	result := strings.Join(out, "\n")
	if hadTrailingNewline && result != "" {
		result += "\n"
	}
	return result, nil
}

// unifiedDiff computes a line-level diff between before and after and
// renders it as unified diff text via go-diff's printer.
func unifiedDiff(path, before, after string) string {
	if before == after {
		return fmt.Sprintf("--- a/%s\n+++ b/%s\n(no changes)", path, path)
	}

	oldLines := splitKeepEmpty(before)
	newLines := splitKeepEmpty(after)
	hunks := buildHunks(oldLines, newLines)

	fd := &diffpkg.FileDiff{
		OrigName: "a/" + path,
		NewName:  "b/" + path,
		Hunks:    hunks,
	}
	out, err := diffpkg.PrintFileDiff(fd)
	if err != nil {
		return fmt.Sprintf("--- a/%s\n+++ b/%s\n(diff render error: %v)", path, path, err)
	}
	return string(out)
}

func splitKeepEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// opKind is one line-level edit operation produced by lineDiff.
type opKind int

const (
	opEqual opKind = iota
	opDelete
	opInsert
)

type op struct {
	kind opKind
	text string
}

// lineDiff computes a minimal line-level edit script between a and b
// using a straightforward LCS dynamic program; adequate for the
// file-sized inputs the cache/patch engine deals with.
func lineDiff(a, b []string) []op {
	n, m := len(a), len(b)
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]op, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case a[i] == b[j]:
			ops = append(ops, op{opEqual, a[i]})
			i++
			j++
		case dp[i+1][j] >= dp[i][j+1]:
			ops = append(ops, op{opDelete, a[i]})
			i++
		default:
			ops = append(ops, op{opInsert, b[j]})
			j++
		}
	}
	for ; i < n; i++ {
		ops = append(ops, op{opDelete, a[i]})
	}
	for ; j < m; j++ {
		ops = append(ops, op{opInsert, b[j]})
	}
	return ops
}

// buildHunks groups a line-level edit script into unified-diff hunks
// with 3 lines of surrounding context, matching common diff tooling.
func buildHunks(a, b []string) []*diffpkg.Hunk {
	const context = 3
	ops := lineDiff(a, b)

	type block struct {
		start, end int // op index range [start,end)
	}
	var changed []block
	i := 0
	for i < len(ops) {
		if ops[i].kind == opEqual {
			i++
			continue
		}
		start := i
		for i < len(ops) && ops[i].kind != opEqual {
			i++
		}
		changed = append(changed, block{start, i})
	}
	if len(changed) == 0 {
		return nil
	}

	// Merge blocks whose surrounding context windows overlap.
	var merged []block
	for _, c := range changed {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if c.start-last.end <= 2*context {
				last.end = c.end
				continue
			}
		}
		merged = append(merged, c)
	}

	hunks := make([]*diffpkg.Hunk, 0, len(merged))
	for _, blk := range merged {
		lo := blk.start - context
		if lo < 0 {
			lo = 0
		}
		hi := blk.end + context
		if hi > len(ops) {
			hi = len(ops)
		}

		oldLine, newLine := lineCounts(ops[:lo])
		var body strings.Builder
		for _, o := range ops[lo:hi] {
			switch o.kind {
			case opEqual:
				body.WriteString(" " + o.text + "\n")
			case opDelete:
				body.WriteString("-" + o.text + "\n")
			case opInsert:
				body.WriteString("+" + o.text + "\n")
			}
		}

		oldCount, newCount := 0, 0
		for _, o := range ops[lo:hi] {
			switch o.kind {
			case opEqual:
				oldCount++
				newCount++
			case opDelete:
				oldCount++
			case opInsert:
				newCount++
			}
		}

		hunks = append(hunks, &diffpkg.Hunk{
			OrigStartLine: int32(oldLine + 1),
			OrigLines:     int32(oldCount),
			NewStartLine:  int32(newLine + 1),
			NewLines:      int32(newCount),
			Body:          []byte(body.String()),
		})
	}
	return hunks
}

func lineCounts(ops []op) (oldLine, newLine int) {
	for _, o := range ops {
		switch o.kind {
		case opEqual:
			oldLine++
			newLine++
		case opDelete:
			oldLine++
		case opInsert:
			newLine++
		}
	}
	return oldLine, newLine
}

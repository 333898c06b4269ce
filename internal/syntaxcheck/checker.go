package syntaxcheck

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Config selects the external syntax-checker binary and the argument
// template used to invoke it. One binary serves every language; the
// suffix passed to Check only names the temporary file. Every %FILE% in
// Args is replaced with the path of the temporary file the candidate
// content is written to before the check; it must appear at least once.
type Config struct {
	// Binary is the checker executable (bare name resolved via PATH, or an
	// absolute/relative path). Validated with SanitizeExecutableValue.
	Binary string
	// Args is the fixed argument list passed to Binary. Each element is
	// validated with SanitizeArgument except the %FILE% placeholder.
	Args []string
	// Timeout bounds how long the subprocess may run.
	Timeout time.Duration
}

const filePlaceholder = "%FILE%"

// Report is the outcome of a syntax check.
type Report struct {
	OK       bool
	ExitCode int
	Output   string
}

// ErrNoFilePlaceholder is returned when a Config's Args does not reference
// the candidate file.
var ErrNoFilePlaceholder = errors.New("syntaxcheck: config args do not contain %FILE% placeholder")

// Checker runs a configured external syntax checker against candidate file
// content without ever touching a shell: content is written to a private
// temporary file and the checker binary is invoked directly via exec.Command
// with an argument vector, so no value can be interpreted as shell syntax.
type Checker struct {
	cfg Config
}

// New validates cfg and returns a Checker, or an error if the binary or any
// fixed argument fails safety validation.
func New(cfg Config) (*Checker, error) {
	binary, err := SanitizeExecutableValue(cfg.Binary)
	if err != nil {
		return nil, fmt.Errorf("syntaxcheck: invalid binary: %w", err)
	}
	cfg.Binary = binary

	placeholderSeen := false
	sanitizedArgs := make([]string, 0, len(cfg.Args))
	for i, a := range cfg.Args {
		if a == filePlaceholder {
			placeholderSeen = true
			sanitizedArgs = append(sanitizedArgs, a)
			continue
		}
		safe, err := SanitizeArgument(a)
		if err != nil {
			return nil, fmt.Errorf("syntaxcheck: invalid arg %d: %w", i, err)
		}
		sanitizedArgs = append(sanitizedArgs, safe)
	}
	if !placeholderSeen {
		return nil, ErrNoFilePlaceholder
	}
	cfg.Args = sanitizedArgs

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Checker{cfg: cfg}, nil
}

// Check writes content to a temporary file with the given suffix (typically
// a language-appropriate extension, e.g. ".go", ".py") and runs the
// configured checker against it.
func (c *Checker) Check(ctx context.Context, content []byte, suffix string) (Report, error) {
	if strings.ContainsAny(suffix, `/\`) {
		return Report{}, fmt.Errorf("syntaxcheck: invalid suffix %q", suffix)
	}
	dir, err := os.MkdirTemp("", "taskplane-syntaxcheck-*")
	if err != nil {
		return Report{}, fmt.Errorf("syntaxcheck: create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "candidate"+suffix)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return Report{}, fmt.Errorf("syntaxcheck: write candidate file: %w", err)
	}

	args := make([]string, len(c.cfg.Args))
	for i, a := range c.cfg.Args {
		if a == filePlaceholder {
			args[i] = path
			continue
		}
		args[i] = a
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.cfg.Binary, args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	report := Report{Output: out.String()}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		report.OK = true
		report.ExitCode = 0
	case errors.As(runErr, &exitErr):
		report.OK = false
		report.ExitCode = exitErr.ExitCode()
	default:
		return report, fmt.Errorf("syntaxcheck: run checker: %w", runErr)
	}

	return report, nil
}

package syntaxcheck

import (
	"context"
	"testing"
	"time"
)

func TestNew_RejectsUnsafeBinary(t *testing.T) {
	_, err := New(Config{Binary: "rm;rf", Args: []string{filePlaceholder}})
	if err == nil {
		t.Fatal("expected error for unsafe binary")
	}
}

func TestNew_RequiresFilePlaceholder(t *testing.T) {
	_, err := New(Config{Binary: "/usr/bin/true", Args: []string{"--flag"}})
	if err != ErrNoFilePlaceholder {
		t.Fatalf("err = %v, want ErrNoFilePlaceholder", err)
	}
}

func TestNew_RejectsUnsafeArg(t *testing.T) {
	_, err := New(Config{Binary: "/usr/bin/true", Args: []string{"--flag;rm", filePlaceholder}})
	if err == nil {
		t.Fatal("expected error for unsafe arg")
	}
}

func TestCheck_Success(t *testing.T) {
	c, err := New(Config{
		Binary:  "/usr/bin/true",
		Args:    []string{filePlaceholder},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	report, err := c.Check(context.Background(), []byte("package main\n"), ".go")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.OK {
		t.Errorf("report.OK = false, want true (exit %d): %s", report.ExitCode, report.Output)
	}
}

func TestCheck_NonZeroExit(t *testing.T) {
	c, err := New(Config{
		Binary:  "/usr/bin/false",
		Args:    []string{filePlaceholder},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	report, err := c.Check(context.Background(), []byte("x"), ".txt")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.OK {
		t.Error("report.OK = true, want false")
	}
	if report.ExitCode == 0 {
		t.Error("ExitCode = 0, want nonzero")
	}
}

// Package shell runs external commands and captures their outcome without
// turning nonzero exits into errors; callers inspect the Result.
package shell

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// Result represents the outcome of one command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// HasErrors reports whether the command failed or wrote to stderr.
func (r Result) HasErrors() bool {
	return r.ExitCode != 0 || r.Stderr != ""
}

// Errors returns the best available error text: stderr when present,
// otherwise stdout (some tools report failures there).
func (r Result) Errors() string {
	if r.HasErrors() && r.Stderr == "" {
		return r.Stdout
	}
	return r.Stderr
}

// Lines splits stdout into its lines with trailing whitespace removed.
// Leading whitespace is preserved: the license-tool dump format is
// indentation sensitive.
func (r Result) Lines() []string {
	if r.Stdout == "" {
		return nil
	}
	raw := strings.Split(strings.TrimRight(r.Stdout, "\n"), "\n")
	out := make([]string, len(raw))
	for i, l := range raw {
		out[i] = strings.TrimRight(l, " \t\r")
	}
	return out
}

// Runner executes a command. Implementations must never return through a
// panic for a failing command; failure is carried in the Result.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// ExecRunner runs commands via os/exec with an optional per-command timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func (e ExecRunner) Run(ctx context.Context, name string, args ...string) Result {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Command could not be started at all.
			res.ExitCode = -1
			if res.Stderr == "" {
				res.Stderr = err.Error()
			}
		}
	}
	return res
}

package directory

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/flexwatch/flexwatch/pkg/engine/shell"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	results map[string]shell.Result
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) shell.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	pipeline := args[len(args)-1]
	f.calls = append(f.calls, pipeline)
	for uid, res := range f.results {
		if strings.Contains(pipeline, uid) {
			return res
		}
	}
	return shell.Result{ExitCode: 1, Stderr: "dsquery failed"}
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMailResolvesUPN(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"SBX035": {Stdout: "  upn: sbx035@example.com\n"},
	}}
	r := NewResolver(runner, WithLogger(quietLogger()))

	if got := r.Mail(context.Background(), "sbx035"); got != "sbx035@example.com" {
		t.Errorf("mail = %q, want sbx035@example.com", got)
	}
}

func TestMailCachesHits(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"SBX035": {Stdout: "upn: sbx035@example.com\n"},
	}}
	r := NewResolver(runner, WithLogger(quietLogger()))

	r.Mail(context.Background(), "sbx035")
	r.Mail(context.Background(), "SBX035")
	if got := runner.callCount(); got != 1 {
		t.Errorf("directory queried %d times, want 1", got)
	}
}

func TestMailCachesMisses(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{}}
	r := NewResolver(runner, WithLogger(quietLogger()))

	if got := r.Mail(context.Background(), "ghost"); got != "" {
		t.Errorf("unknown user must resolve empty, got %q", got)
	}
	r.Mail(context.Background(), "ghost")
	if got := runner.callCount(); got != 1 {
		t.Errorf("a miss must be cached too, queried %d times", got)
	}
}

func TestMailNoUPNLine(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"SBX035": {Stdout: "dsget succeeded\n"},
	}}
	r := NewResolver(runner, WithLogger(quietLogger()))

	if got := r.Mail(context.Background(), "sbx035"); got != "" {
		t.Errorf("output without a upn line must resolve empty, got %q", got)
	}
}

package fleet

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/flexwatch/flexwatch/pkg/engine/shell"
)

// gatedRunner blocks every invocation until the gate is opened.
type gatedRunner struct {
	gate   chan struct{}
	result shell.Result

	mu    sync.Mutex
	calls int
}

func (g *gatedRunner) Run(ctx context.Context, name string, args ...string) shell.Result {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	<-g.gate
	return g.result
}

func (g *gatedRunner) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func TestTerminateStopsWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: dumpSrv1},
		"19353@SRV2": {Stdout: dumpSrv2},
	}}
	m, err := New(context.Background(), testFleetConfig(t, "srv1", "srv2"),
		WithRunner(runner), WithLogger(quietLogger()), withSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatal(err)
	}

	m.MonitorLicense()
	m.Terminate()
}

func TestArmIsIdempotentWithinCycle(t *testing.T) {
	runner := &gatedRunner{gate: make(chan struct{}), result: shell.Result{Stdout: dumpSrv1}}
	m, err := New(context.Background(), testFleetConfig(t, "srv1"),
		WithRunner(runner), WithLogger(quietLogger()), withSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Terminate()

	mon := m.monitors["SRV1"]
	mon.Arm()
	mon.Arm()
	close(runner.gate)

	st := mon.Data()
	if st.UserCount() != 2 {
		t.Errorf("user count = %d, want 2", st.UserCount())
	}
	if got := runner.callCount(); got != 1 {
		t.Errorf("arming twice within one cycle ran %d dumps, want 1", got)
	}
}

func TestDataWithoutPendingCycle(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{}}
	m, _, _ := newTestManager(t, runner, "srv1")

	done := make(chan struct{})
	go func() {
		m.monitors["SRV1"].Data()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Data must not block without an armed cycle")
	}
}

func TestSnapshotLogRecordsDumps(t *testing.T) {
	var buf bytes.Buffer
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: dumpSrv1},
	}}
	svc := &fakeService{}
	m, err := New(context.Background(), testFleetConfig(t, "srv1"),
		WithRunner(runner), WithLogger(quietLogger()), WithServiceController(svc),
		WithSnapshotWriter(&buf), withSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatal(err)
	}
	m.MonitorLicense()
	m.Terminate()

	out := buf.String()
	if !strings.Contains(out, "New dump from SRV1") {
		t.Error("snapshot header missing")
	}
	if !strings.Contains(out, "SBX035") {
		t.Error("relevant dump line missing from snapshot")
	}
	if !strings.Contains(out, "End of dump") {
		t.Error("snapshot footer missing")
	}
}

func TestParseFailureCompletesCycle(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: "no header in this output\n"},
	}}
	m, _, _ := newTestManager(t, runner, "srv1")

	done := make(chan struct{})
	go func() {
		m.MonitorLicense()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("a parse failure must still complete the cycle")
	}
	if m.ServerData("srv1").UserCount() != 0 {
		t.Error("parse failure must not touch the state")
	}
}

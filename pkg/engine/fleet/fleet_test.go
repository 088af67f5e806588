package fleet

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
	"github.com/flexwatch/flexwatch/pkg/engine/shell"
)

const dumpSrv1 = `Flexible License Manager status on Tue 9/3/2013 09:52
Users of DOORS:  (Total of 30 licenses issued;  Total of 20 licenses in use)
    SBX035 VSDS-BIE-L0150 SRV1 (v6.000000) (SRV1/19353 677), start Tue 9/3 09:30
    SBX204 VSDS-BIE-L0260 SRV1 (v6.000000) (SRV1/19353 1201), start Tue 9/3 08:15
`

const dumpSrv2 = `Flexible License Manager status on Tue 9/3/2013 10:52
Users of DOORS:  (Total of 26 licenses issued;  Total of 10 licenses in use)
    SBX035 VSDS-BIE-L0150 SRV2 (v6.000000) (SRV2/19353 677), start Tue 9/3 09:30
`

// fakeRunner returns canned results keyed by the lmstat target (or the
// subcommand for everything else) and records every invocation.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	results map[string]shell.Result
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) shell.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))

	key := name
	if len(args) > 0 {
		key = args[0]
		if args[0] == "lmstat" && len(args) > 2 {
			key = args[2]
		}
	}
	return f.results[key]
}

func (f *fakeRunner) count(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c) > 1 && c[1] == sub {
			n++
		}
	}
	return n
}

type fakeService struct {
	mu      sync.Mutex
	stopped int
	started int
}

func (s *fakeService) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeService) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return nil
}

type fakeKeeper struct {
	backups int
	merges  int
}

func (k *fakeKeeper) BackupLog() error     { k.backups++; return nil }
func (k *fakeKeeper) MergeLastLogs() error { k.merges++; return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFleetConfig(t *testing.T, hosts ...string) config.FleetConfig {
	t.Helper()
	tool := filepath.Join(t.TempDir(), "lmutil")
	if err := os.WriteFile(tool, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return config.FleetConfig{
		CurrentHost: hosts[0],
		Hosts:       hosts,
		Feature:     "DOORS",
		ToolPath:    tool,
		Vendor:      "telelogic",
		Port:        19353,
		OptionFile:  filepath.Join(t.TempDir(), "telelogic.opt"),
		ServiceName: "FLEXlm License Manager",
	}
}

func newTestManager(t *testing.T, runner *fakeRunner, hosts ...string) (*Manager, *fakeService, *fakeKeeper) {
	t.Helper()
	svc := &fakeService{}
	keeper := &fakeKeeper{}
	m, err := New(context.Background(), testFleetConfig(t, hosts...),
		WithRunner(runner),
		WithLogger(quietLogger()),
		WithServiceController(svc),
		WithLogKeeper(keeper),
		withSleep(func(time.Duration) {}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(m.Terminate)
	return m, svc, keeper
}

func TestNewRejectsMissingTool(t *testing.T) {
	cfg := testFleetConfig(t, "srv1")
	cfg.ToolPath = filepath.Join(t.TempDir(), "missing")
	_, err := New(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected an error for a missing tool path")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMonitorLicenseAggregates(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: dumpSrv1},
		"19353@SRV2": {Stdout: dumpSrv2},
	}}
	m, _, _ := newTestManager(t, runner, "srv1", "srv2")

	m.MonitorLicense()

	used, total := m.Counts()
	if used != 30 || total != 56 {
		t.Errorf("counts = %d/%d, want 30/56", used, total)
	}
	if got := m.FreePercentage(); got < 0.46 || got > 0.47 {
		t.Errorf("free percentage = %v, want ~26/56", got)
	}
	// SBX035 appears on both hosts but is one user.
	if got := m.TotalUsers(); got != 2 {
		t.Errorf("distinct users = %d, want 2", got)
	}
	want := time.Date(2013, 9, 3, 10, 52, 0, 0, time.Local)
	if !m.LastDump().Equal(want) {
		t.Errorf("last dump = %v, want the most recent host dump %v", m.LastDump(), want)
	}
	if st := m.ServerData("srv1"); st == nil || st.UserCount() != 2 {
		t.Error("srv1 state missing or incomplete")
	}
}

func TestMonitorLicenseSurvivesFailingHost(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: dumpSrv1},
		"19353@SRV2": {ExitCode: 1, Stderr: "Cannot connect to license server system."},
	}}
	m, _, _ := newTestManager(t, runner, "srv1", "srv2")

	done := make(chan struct{})
	go func() {
		m.MonitorLicense()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("monitorLicense blocked on a failing host")
	}

	if st := m.ServerData("srv2"); st.UserCount() != 0 {
		t.Error("failed dump must not mutate the server state")
	}
}

func TestIsAlive(t *testing.T) {
	alive := "Users of DOORS:  (Total of 56 licenses issued;  Total of 39 licenses in use)\n"
	dead := "Users of DOORS:  (Total of 0 licenses issued;  Total of 0 licenses in use)\n"

	cases := []struct {
		name string
		res  shell.Result
		want bool
	}{
		{"issued licenses", shell.Result{Stdout: alive}, true},
		{"zero issued", shell.Result{Stdout: dead}, false},
		{"command failed", shell.Result{ExitCode: 1, Stderr: "boom"}, false},
		{"no totals line", shell.Result{Stdout: "nothing here\n"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &fakeRunner{results: map[string]shell.Result{"19353@SRV1": tc.res}}
			m, _, _ := newTestManager(t, runner, "srv1")
			if got := m.IsAlive(context.Background(), "srv1"); got != tc.want {
				t.Errorf("IsAlive = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReloadServerHappyPath(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: "Users of DOORS:  (Total of 56 licenses issued;  Total of 39 licenses in use)\n"},
	}}
	m, svc, _ := newTestManager(t, runner, "srv1")

	m.ReloadServer(context.Background())

	if runner.count("lmdown") != 1 || runner.count("lmreread") != 1 {
		t.Errorf("reload commands = %d down / %d reread, want 1/1",
			runner.count("lmdown"), runner.count("lmreread"))
	}
	if svc.stopped != 0 || svc.started != 0 {
		t.Error("healthy reload must not restart the service")
	}
}

func TestReloadServerFallsBackOnLmdownFailure(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"lmdown": {ExitCode: 1, Stderr: "lmdown failed"},
	}}
	m, svc, keeper := newTestManager(t, runner, "srv1")

	m.ReloadServer(context.Background())

	if runner.count("lmreread") != 0 {
		t.Error("lmreread must be skipped when lmdown fails")
	}
	if svc.stopped != 1 || svc.started != 1 {
		t.Errorf("restart not performed: stop=%d start=%d", svc.stopped, svc.started)
	}
	if keeper.backups != 1 || keeper.merges != 1 {
		t.Errorf("log backup/merge around restart: backups=%d merges=%d", keeper.backups, keeper.merges)
	}
}

func TestReloadServerRestartsWhenDeadAfterReload(t *testing.T) {
	// lmdown and lmreread succeed, but the follow-up stat shows no
	// issued licenses.
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: "Users of DOORS:  (Total of 0 licenses issued;  Total of 0 licenses in use)\n"},
	}}
	m, svc, _ := newTestManager(t, runner, "srv1")

	m.ReloadServer(context.Background())

	if svc.stopped != 1 || svc.started != 1 {
		t.Errorf("dead server after reload must trigger a restart: stop=%d start=%d", svc.stopped, svc.started)
	}
}

func TestEnsureServerAvailability(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {ExitCode: 1, Stderr: "down"},
	}}
	m, svc, _ := newTestManager(t, runner, "srv1")

	if m.EnsureServerAvailability(context.Background()) {
		t.Error("dead server reported as available")
	}
	if svc.started != 1 {
		t.Error("restart must be issued for a dead server")
	}
}

func TestCheckFleetAlive(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: "Users of DOORS:  (Total of 56 licenses issued;  Total of 39 licenses in use)\n"},
		"19353@SRV2": {ExitCode: 1, Stderr: "down"},
	}}
	m, _, _ := newTestManager(t, runner, "srv1", "srv2")

	health := m.CheckFleetAlive(context.Background())
	if !health["SRV1"] || health["SRV2"] {
		t.Errorf("unexpected health map: %v", health)
	}
}

func TestMockModeSkipsSideEffects(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{}}
	cfg := testFleetConfig(t, "srv1")
	cfg.Mock = true
	svc := &fakeService{}
	m, err := New(context.Background(), cfg,
		WithRunner(runner), WithLogger(quietLogger()), WithServiceController(svc),
		withSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(m.Terminate)

	m.ReloadServer(context.Background())
	m.RestartServer(context.Background())

	if runner.count("lmdown") != 0 || svc.stopped != 0 {
		t.Error("mock mode must not touch the license server")
	}
}

func TestUpdateAndResetUser(t *testing.T) {
	runner := &fakeRunner{results: map[string]shell.Result{
		"19353@SRV1": {Stdout: dumpSrv1},
	}}
	m, _, _ := newTestManager(t, runner, "srv1")
	m.MonitorLicense()

	found := m.UpdateUser("sbx035", func(u *flexlm.MonitoredUser) { u.Banned = true })
	if !found {
		t.Fatal("known user not found")
	}
	if !m.ServerData("srv1").User("SBX035").Banned {
		t.Error("update did not reach the record")
	}

	m.AddBannedTime("sbx035", 30*time.Minute)
	m.ResetUserUsage("sbx035")

	u := m.ServerData("srv1").User("SBX035")
	if u.Usage != 0 || u.Banned {
		t.Error("reset must zero usage and lift the ban")
	}
	if u.BannedTime != 30*time.Minute {
		t.Errorf("banned time = %v, want 30m", u.BannedTime)
	}
	if m.UpdateUser("nobody", func(*flexlm.MonitoredUser) {}) {
		t.Error("unknown user reported as found")
	}
}

// Package fleet owns the per-host monitors and the operations that touch
// the license servers themselves: fan-out polling, liveness checks, the
// reload and restart pathways, and the option file.
package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
	"github.com/flexwatch/flexwatch/pkg/engine/shell"
	"github.com/flexwatch/flexwatch/pkg/metrics"
)

// reloadSettle is the pause between lmdown and lmreread; the daemon needs
// time to drop its clients before it will accept a reread.
const reloadSettle = 60 * time.Second

var aliveRe = regexp.MustCompile(`Users of .*?Total of (\d+) licenses issued.*?Total of (\d+) licenses in use.*`)

// LogKeeper backs up and merges the license daemon's own log around a
// restart. Errors on this path are reported, never fatal.
type LogKeeper interface {
	BackupLog() error
	MergeLastLogs() error
}

type noopLogKeeper struct{}

func (noopLogKeeper) BackupLog() error     { return nil }
func (noopLogKeeper) MergeLastLogs() error { return nil }

// Manager runs one Monitor per configured host and aggregates their server
// states into the fleet-wide view the strategies consult.
type Manager struct {
	cfg      config.FleetConfig
	log      *slog.Logger
	runner   shell.Runner
	saver    LogKeeper
	svc      ServiceController
	snapshot *SnapshotLog
	sleep    func(time.Duration)

	hosts    []string
	monitors map[string]*Monitor

	mu       sync.Mutex
	lastDump time.Time
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option          { return func(m *Manager) { m.log = l } }
func WithRunner(r shell.Runner) Option          { return func(m *Manager) { m.runner = r } }
func WithLogKeeper(k LogKeeper) Option          { return func(m *Manager) { m.saver = k } }
func WithServiceController(c ServiceController) Option {
	return func(m *Manager) { m.svc = c }
}
func WithSnapshotWriter(w io.Writer) Option {
	return func(m *Manager) { m.snapshot = NewSnapshotLog(w) }
}

// withSleep replaces the reload pause, for tests.
func withSleep(fn func(time.Duration)) Option { return func(m *Manager) { m.sleep = fn } }

// New verifies the tool path, then creates and starts one Monitor per host.
// The monitors run until Terminate; ctx bounds their command executions.
func New(ctx context.Context, cfg config.FleetConfig, opts ...Option) (*Manager, error) {
	if _, err := os.Stat(cfg.ToolPath); err != nil {
		return nil, fmt.Errorf("license tool %q not found: %w", cfg.ToolPath, config.ErrInvalidConfiguration)
	}
	cfg.CurrentHost = flexlm.Canonical(cfg.CurrentHost)

	m := &Manager{
		cfg:      cfg,
		log:      slog.Default(),
		runner:   shell.ExecRunner{},
		sleep:    time.Sleep,
		monitors: make(map[string]*Monitor, len(cfg.Hosts)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.saver == nil {
		m.saver = noopLogKeeper{}
	}
	if m.svc == nil {
		m.svc = NetServiceController{Runner: m.runner, Name: cfg.ServiceName}
	}
	if m.snapshot == nil {
		m.snapshot = NewSnapshotLog(nil)
	}

	for _, h := range cfg.Hosts {
		host := flexlm.Canonical(h)
		if _, dup := m.monitors[host]; dup {
			continue
		}
		mon := newMonitor(host, cfg, m.runner, m.snapshot, m.log)
		m.monitors[host] = mon
		m.hosts = append(m.hosts, host)
		go mon.loop(ctx)
	}
	return m, nil
}

// MonitorLicense runs one fleet-wide cycle: arm every monitor, then collect
// each result in host order, summing active users and tracking the most
// recent dump timestamp.
func (m *Manager) MonitorLicense() {
	for _, h := range m.hosts {
		m.monitors[h].Arm()
	}

	active := 0
	latest := m.LastDump()
	for _, h := range m.hosts {
		st := m.monitors[h].Data()
		active += st.UserCount()
		if ts := st.LastDump(); ts.After(latest) {
			latest = ts
		}
	}

	m.mu.Lock()
	m.lastDump = latest
	m.mu.Unlock()

	metrics.SetActiveUsers(active)
	metrics.SetFreePercentage(m.FreePercentage())
	m.log.Info("monitor cycle complete", "active_users", active, "last_dump", latest)
}

func (m *Manager) statArgs(host string) []string {
	return []string{"lmstat", "-c", fmt.Sprintf("%d@%s", m.cfg.Port, host), "-f", m.cfg.Feature}
}

// IsAlive runs a one-shot stat against host and reports whether any
// feature line shows issued licenses.
func (m *Manager) IsAlive(ctx context.Context, host string) bool {
	host = flexlm.Canonical(host)
	res := m.runner.Run(ctx, m.cfg.ToolPath, m.statArgs(host)...)
	if res.HasErrors() {
		m.log.Warn("liveness check failed", "host", host, "exit_code", res.ExitCode, "errors", res.Errors())
		return false
	}
	for _, line := range res.Lines() {
		g := aliveRe.FindStringSubmatch(line)
		if g == nil {
			continue
		}
		if issued, err := strconv.Atoi(g[1]); err == nil && issued > 0 {
			return true
		}
	}
	return false
}

// ReloadServer soft-reconfigures the current host with lmdown followed by
// lmreread. Either command failing, or the server not coming back alive,
// falls back to a full restart.
func (m *Manager) ReloadServer(ctx context.Context) {
	if m.cfg.Mock {
		m.log.Info("mock mode, server reload skipped")
		return
	}
	target := fmt.Sprintf("%d@%s", m.cfg.Port, m.cfg.CurrentHost)

	down := m.runner.Run(ctx, m.cfg.ToolPath, "lmdown", "-c", target, "-vendor", m.cfg.Vendor, "-q")
	if down.HasErrors() {
		m.log.Warn("lmdown failed, restarting instead", "errors", down.Errors())
		m.RestartServer(ctx)
		return
	}

	m.sleep(reloadSettle)

	reread := m.runner.Run(ctx, m.cfg.ToolPath, "lmreread", "-c", target, "-vendor", m.cfg.Vendor)
	if reread.HasErrors() {
		m.log.Warn("lmreread failed, restarting instead", "errors", reread.Errors())
		m.RestartServer(ctx)
		return
	}

	metrics.RecordReload()
	if !m.IsAlive(ctx, m.cfg.CurrentHost) {
		m.log.Warn("server not alive after reload, restarting")
		m.RestartServer(ctx)
	}
}

// RestartServer bounces the license service on the current host, backing
// up the daemon log first and merging it back afterwards. Every stage's
// error is logged and the sequence continues.
func (m *Manager) RestartServer(ctx context.Context) {
	if m.cfg.Mock {
		m.log.Info("mock mode, server restart skipped")
		return
	}
	if err := m.saver.BackupLog(); err != nil {
		m.log.Warn("log backup failed", "error", err)
	}
	if err := m.svc.Stop(ctx); err != nil {
		m.log.Warn("service stop failed", "error", err)
	}
	if err := m.svc.Start(ctx); err != nil {
		m.log.Warn("service start failed", "error", err)
	}
	if err := m.saver.MergeLastLogs(); err != nil {
		m.log.Warn("log merge failed", "error", err)
	}
	metrics.RecordRestart()
}

// EnsureServerAvailability restarts the current host's server when it is
// not alive. Returns whether it was alive already.
func (m *Manager) EnsureServerAvailability(ctx context.Context) bool {
	if m.IsAlive(ctx, m.cfg.CurrentHost) {
		return true
	}
	m.log.Warn("license server not available, restarting", "host", m.cfg.CurrentHost)
	m.RestartServer(ctx)
	return false
}

// CheckFleetAlive probes every monitored host in parallel.
func (m *Manager) CheckFleetAlive(ctx context.Context) map[string]bool {
	g, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	health := make(map[string]bool, len(m.hosts))
	for _, host := range m.hosts {
		g.Go(func() error {
			ok := m.IsAlive(ctx, host)
			mu.Lock()
			health[host] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return health
}

// Hosts returns the monitored host names in configuration order.
func (m *Manager) Hosts() []string { return m.hosts }

// ServerData returns the state for host, or nil for an unknown host.
func (m *Manager) ServerData(host string) *flexlm.ServerState {
	mon := m.monitors[flexlm.Canonical(host)]
	if mon == nil {
		return nil
	}
	return mon.state
}

func (m *Manager) LastDump() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastDump
}

// Counts sums used and total licenses across the fleet.
func (m *Manager) Counts() (used, total int) {
	for _, h := range m.hosts {
		u, t := m.monitors[h].state.Counts()
		used += u
		total += t
	}
	return used, total
}

// FreePercentage is the fleet-wide free share, 1.0 while no totals are
// known yet.
func (m *Manager) FreePercentage() float64 {
	used, total := m.Counts()
	if total == 0 {
		return 1.0
	}
	return float64(total-used) / float64(total)
}

// TotalUsers counts distinct users across all hosts.
func (m *Manager) TotalUsers() int {
	seen := make(map[string]struct{})
	for _, h := range m.hosts {
		m.monitors[h].state.ForEachUser(func(u *flexlm.MonitoredUser) {
			seen[u.UID] = struct{}{}
		})
	}
	return len(seen)
}

// EachUser calls fn for every user record on every host.
func (m *Manager) EachUser(fn func(host string, u *flexlm.MonitoredUser)) {
	for _, h := range m.hosts {
		m.monitors[h].state.ForEachUser(func(u *flexlm.MonitoredUser) {
			fn(h, u)
		})
	}
}

// UpdateUser calls fn with uid's record on every host that knows the
// user, and reports whether any host did.
func (m *Manager) UpdateUser(uid string, fn func(u *flexlm.MonitoredUser)) bool {
	found := false
	for _, h := range m.hosts {
		if m.monitors[h].state.WithUser(uid, fn) {
			found = true
		}
	}
	return found
}

// ResetUserUsage zeroes uid's usage on every host that knows the user.
func (m *Manager) ResetUserUsage(uid string) {
	for _, h := range m.hosts {
		m.monitors[h].state.ResetUsage(uid)
	}
}

// AddBannedTime credits a completed ban interval on every host.
func (m *Manager) AddBannedTime(uid string, d time.Duration) {
	for _, h := range m.hosts {
		m.monitors[h].state.AddBannedTime(uid, d)
	}
}

// Terminate stops every monitor and waits for the workers to exit.
func (m *Manager) Terminate() {
	for _, h := range m.hosts {
		m.monitors[h].Terminate()
	}
}

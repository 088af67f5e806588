package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
	"github.com/flexwatch/flexwatch/pkg/engine/shell"
	"github.com/flexwatch/flexwatch/pkg/metrics"
)

// SnapshotLog is the shared sink all monitors append their dump snapshots
// to. One dump block (header, relevant lines, footer) is written atomically
// with respect to other monitors.
type SnapshotLog struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSnapshotLog(w io.Writer) *SnapshotLog { return &SnapshotLog{w: w} }

func (s *SnapshotLog) WriteDump(host string, lines []string, relevant []int) {
	if s == nil || s.w == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "New dump from %s\n", host)
	for _, i := range relevant {
		if i >= 0 && i < len(lines) {
			fmt.Fprintln(s.w, lines[i])
		}
	}
	fmt.Fprintln(s.w, "End of dump")
}

// Monitor is the long-lived worker for one license host. It owns that
// host's ServerState; nothing else mutates it. Cycles are edge triggered:
// Arm schedules one cycle, Data blocks until it completes.
type Monitor struct {
	state    *flexlm.ServerState
	runner   shell.Runner
	tool     string
	args     []string
	feature  string
	snapshot *SnapshotLog
	log      *slog.Logger

	mu      sync.Mutex
	pending bool
	ready   chan struct{}

	trigger chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func newMonitor(host string, cfg config.FleetConfig, runner shell.Runner, snapshot *SnapshotLog, log *slog.Logger) *Monitor {
	return &Monitor{
		state:    flexlm.NewServerState(host),
		runner:   runner,
		tool:     cfg.ToolPath,
		args:     []string{"lmstat", "-c", fmt.Sprintf("%d@%s", cfg.Port, host), "-f", cfg.Feature},
		feature:  cfg.Feature,
		snapshot: snapshot,
		log:      log.With("host", host),
		trigger:  make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Arm schedules one dump cycle. Arming again before the cycle completes is
// a no-op: two arms within one cycle still yield one dump.
func (m *Monitor) Arm() {
	m.mu.Lock()
	if !m.pending {
		m.pending = true
		m.ready = make(chan struct{})
		select {
		case m.trigger <- struct{}{}:
		default:
		}
	}
	m.mu.Unlock()
}

// Data blocks until the armed cycle has completed, then returns the server
// state. Without a pending cycle it returns immediately.
func (m *Monitor) Data() *flexlm.ServerState {
	m.mu.Lock()
	pending, ready := m.pending, m.ready
	m.mu.Unlock()
	if pending {
		<-ready
	}
	return m.state
}

// LastScannedUsers returns the size of the user map.
func (m *Monitor) LastScannedUsers() int { return m.state.UserCount() }

// Terminate stops the worker and waits for it to exit. A consumer blocked
// in Data is released with the state unchanged.
func (m *Monitor) Terminate() {
	close(m.quit)
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			m.completeCycle()
			return
		case <-m.trigger:
		}
		select {
		case <-m.quit:
			m.completeCycle()
			return
		default:
		}
		m.cycle(ctx)
		m.completeCycle()
	}
}

// cycle runs one dump: invoke the tool, parse, fold into the server state,
// append the snapshot. Failures log a warning and leave the state as it
// was; the cycle still completes so consumers never block forever.
func (m *Monitor) cycle(ctx context.Context) {
	host := m.state.Hostname()
	res := m.runner.Run(ctx, m.tool, m.args...)
	lines := res.Lines()
	if res.HasErrors() || len(lines) == 0 {
		m.log.Warn("license dump empty or failed", "exit_code", res.ExitCode, "errors", res.Errors())
		metrics.RecordEmptyDump(host)
		return
	}

	d, err := flexlm.Parse(lines, m.feature)
	if err != nil {
		m.log.Warn("license dump not parseable", "error", err)
		metrics.RecordParseFailure(host)
		return
	}

	m.state.Apply(d)
	metrics.RecordDump(host)
	m.snapshot.WriteDump(host, lines, d.RelevantLines)
	m.log.Debug("dump applied", "seats", len(d.Usage), "in_use", d.InUse, "issued", d.Issued)
}

// completeCycle publishes the result edge and disarms the trigger.
func (m *Monitor) completeCycle() {
	m.mu.Lock()
	if m.pending {
		m.pending = false
		close(m.ready)
	}
	m.mu.Unlock()
}

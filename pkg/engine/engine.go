// Package engine wires the fleet, the strategies, the mailer and the
// history ledger into the monitor loop and exposes the service callbacks
// the strategies run against.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/flexwatch/flexwatch/pkg/config"
	"github.com/flexwatch/flexwatch/pkg/engine/directory"
	"github.com/flexwatch/flexwatch/pkg/engine/fleet"
	"github.com/flexwatch/flexwatch/pkg/engine/history"
	"github.com/flexwatch/flexwatch/pkg/engine/logsaver"
	"github.com/flexwatch/flexwatch/pkg/engine/mailer"
	"github.com/flexwatch/flexwatch/pkg/engine/shell"
	"github.com/flexwatch/flexwatch/pkg/engine/strategy"
	"github.com/flexwatch/flexwatch/pkg/storage"
)

const tracerName = "flexwatch/engine"

// Engine is the application root: it owns the fleet manager, the mailer
// worker, the strategy enforcer and the history ledger, and carries the
// cross-strategy state (banned set, pending reload).
type Engine struct {
	cfg      config.Config
	log      *slog.Logger
	runner   shell.Runner
	fleet    *fleet.Manager
	mail     *mailer.Mailer
	enf      *strategy.Enforcer
	keep     *strategy.KeepFreeStrategy
	warn     *strategy.WarnStrategy
	resolver *directory.Resolver
	exempt   *strategy.Exemptions
	ledger   *history.Ledger

	snapshotFile *os.File

	mu sync.Mutex
	// bannedSet maps uid to the time the ban was issued; consumed into
	// banned-time bookkeeping when the user's usage is reset.
	bannedSet       map[string]time.Time
	reloadScheduled bool
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option  { return func(e *Engine) { e.log = l } }
func WithRunner(r shell.Runner) Option  { return func(e *Engine) { e.runner = r } }

// New builds the full pipeline: blob store and ledger, log saver, fleet
// manager with its monitors, mailer worker, exemption rules and the two
// strategies registered against the service set.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		log:       slog.Default(),
		bannedSet: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		e.runner = shell.ExecRunner{Timeout: 2 * time.Minute}
	}

	location := cfg.History.S3URL
	if location == "" {
		location = cfg.History.Path
	}
	if location == "" {
		location = "flexwatch-history"
	}
	store, err := storage.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	e.ledger = history.NewLedger(store)

	saver := logsaver.New(cfg.LicenseLog, cfg.LogSaveDir,
		logsaver.WithLogger(e.log), logsaver.WithStore(store))

	fleetOpts := []fleet.Option{
		fleet.WithLogger(e.log),
		fleet.WithRunner(e.runner),
		fleet.WithLogKeeper(saver),
	}
	if cfg.LogSaveDir != "" {
		if err := os.MkdirAll(cfg.LogSaveDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log save dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogSaveDir, "snapshots.log"),
			os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open snapshot log: %w", err)
		}
		e.snapshotFile = f
		fleetOpts = append(fleetOpts, fleet.WithSnapshotWriter(f))
	}

	e.fleet, err = fleet.New(ctx, cfg.Fleet, fleetOpts...)
	if err != nil {
		return nil, err
	}

	e.mail, err = mailer.New(cfg.Mailer, mailer.WithLogger(e.log))
	if err != nil {
		return nil, err
	}
	e.mail.Start()

	e.resolver = directory.NewResolver(e.runner, directory.WithLogger(e.log))

	e.exempt, err = strategy.LoadExemptions(cfg.RulesFile)
	if err != nil {
		return nil, err
	}

	e.enf = strategy.NewEnforcer(strategy.WithLogger(e.log))
	if err := e.registerServices(); err != nil {
		return nil, err
	}

	e.keep = strategy.NewKeepFree(
		cfg.Strategies.KeepFree.Timeout,
		cfg.Strategies.KeepFree.MinFree,
		cfg.Strategies.KeepFree.MaxFree,
		strategy.KeepFreeWithLogger(e.log),
	)
	e.warn = strategy.NewWarn(
		cfg.Strategies.Warn.Threshold,
		cfg.Strategies.Warn.Delay,
		strategy.WarnWithLogger(e.log),
	)
	if err := e.enf.AddStrategy(e.keep, strategy.PriorityHigh); err != nil {
		return nil, err
	}
	if err := e.enf.AddStrategy(e.warn, strategy.PriorityNormal); err != nil {
		return nil, err
	}
	return e, nil
}

// Fleet exposes the fleet manager for the one-shot CLI commands.
func (e *Engine) Fleet() *fleet.Manager { return e.fleet }

// Ledger exposes the history ledger.
func (e *Engine) Ledger() *history.Ledger { return e.ledger }

// Run executes one cycle immediately, then one per interval until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("monitor loop started",
		"interval", e.cfg.Interval, "hosts", e.fleet.Hosts(), "feature", e.cfg.Fleet.Feature)
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.RunCycle(ctx)
		}
	}
}

// RunCycle performs one monitor-and-enforce pass: poll the fleet, record
// the history snapshot, apply the strategies, then honor a scheduled
// reload exactly once.
func (e *Engine) RunCycle(ctx context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "cycle")
	defer span.End()

	e.fleet.MonitorLicense()
	e.appendHistory(ctx)
	e.enf.ApplyStrategies(ctx)
	if e.consumeReload() {
		e.fleet.ReloadServer(ctx)
	}
}

// Shutdown tears the pipeline down in dependency order: strategy cleanup
// still needs the services, the mailer drains last so the UNBAN mail from
// cleanup goes out.
func (e *Engine) Shutdown(ctx context.Context) {
	e.enf.CleanupStrategies(ctx)
	e.fleet.Terminate()
	e.mail.Terminate()
	if e.snapshotFile != nil {
		e.snapshotFile.Close()
	}
	e.log.Info("engine stopped")
}

func (e *Engine) appendHistory(ctx context.Context) {
	snap := history.Snapshot{
		Timestamp:      time.Now().Unix(),
		Hosts:          make(map[string]history.Counts),
		FreePercentage: e.fleet.FreePercentage(),
		BannedUsers:    e.bannedUsers(),
	}
	for _, h := range e.fleet.Hosts() {
		st := e.fleet.ServerData(h)
		used, total := st.Counts()
		snap.Hosts[h] = history.Counts{Used: used, Total: total}
		snap.ActiveUsers += st.UserCount()
	}
	if err := e.ledger.Append(ctx, snap); err != nil {
		e.log.Warn("history append failed", "error", err)
	}
}

func (e *Engine) bannedUsers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	uids := make([]string, 0, len(e.bannedSet))
	for uid := range e.bannedSet {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

func (e *Engine) consumeReload() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.reloadScheduled
	e.reloadScheduled = false
	return v
}

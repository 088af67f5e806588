package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
)

const tracerName = "flexwatch/strategy"

// Enforcer holds the service registry and the ordered strategy collection.
// Setup (RegisterService, AddStrategy) happens before the first cycle; the
// registry is frozen afterwards.
type Enforcer struct {
	log      *slog.Logger
	services map[string]any
	entries  []entry
	nextSeq  int
}

type entry struct {
	pri priority
	s   Strategy
}

type EnforcerOption func(*Enforcer)

func WithLogger(l *slog.Logger) EnforcerOption { return func(e *Enforcer) { e.log = l } }

func NewEnforcer(opts ...EnforcerOption) *Enforcer {
	e := &Enforcer{
		log:      slog.Default(),
		services: make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterService binds a callback to name. Names are unique.
func (e *Enforcer) RegisterService(name string, fn any) error {
	if name == "" || fn == nil {
		return fmt.Errorf("empty service registration: %w", ErrInvalidService)
	}
	if _, dup := e.services[name]; dup {
		return fmt.Errorf("service %q already registered: %w", name, ErrInvalidService)
	}
	e.services[name] = fn
	return nil
}

// Service returns the callback registered under name.
func (e *Enforcer) Service(name string) (any, error) {
	fn, ok := e.services[name]
	if !ok {
		return nil, fmt.Errorf("service %q: %w", name, ErrUnknownService)
	}
	return fn, nil
}

// MustLookup returns the service as its concrete callback type. AddStrategy
// verified the name at registration time, so failure here is a programming
// error and panics.
func MustLookup[T any](e *Enforcer, name string) T {
	svc, err := e.Service(name)
	if err != nil {
		panic(fmt.Sprintf("strategy service %q: %v", name, err))
	}
	fn, ok := svc.(T)
	if !ok {
		var want T
		panic(fmt.Sprintf("strategy service %q is %T, want %T", name, svc, want))
	}
	return fn
}

// AddStrategy inserts s at the given tier. Every service the strategy
// requires must already be registered.
func (e *Enforcer) AddStrategy(s Strategy, tier Tier) error {
	if s == nil || s.Name() == "" {
		return fmt.Errorf("unnamed strategy: %w", ErrInvalidStrategy)
	}
	for _, name := range s.RequiredServices() {
		if _, err := e.Service(name); err != nil {
			return fmt.Errorf("strategy %q requires %q: %w", s.Name(), name, ErrInvalidService)
		}
	}

	e.entries = append(e.entries, entry{
		pri: priority{tier: tier, seq: e.nextSeq},
		s:   s,
	})
	e.nextSeq++
	sort.Slice(e.entries, func(i, j int) bool {
		return e.entries[i].pri.less(e.entries[j].pri)
	})
	return nil
}

// Strategies returns the names in execution order.
func (e *Enforcer) Strategies() []string {
	names := make([]string, len(e.entries))
	for i, en := range e.entries {
		names[i] = en.s.Name()
	}
	return names
}

// ApplyStrategies runs every strategy once, strictly in priority order.
// A failing strategy is logged and the remainder still run.
func (e *Enforcer) ApplyStrategies(ctx context.Context) {
	tracer := otel.Tracer(tracerName)
	for _, en := range e.entries {
		_, span := tracer.Start(ctx, "strategy.apply."+en.s.Name())
		en.s.ResetProblems()
		if err := en.s.Apply(e); err != nil {
			e.log.Error("strategy apply failed", "strategy", en.s.Name(), "error", err)
		}
		for _, p := range en.s.Problems() {
			e.log.Warn("strategy problem", "strategy", en.s.Name(), "problem", p)
		}
		span.End()
	}
}

// CleanupStrategies runs every strategy's teardown in the same order.
func (e *Enforcer) CleanupStrategies(ctx context.Context) {
	tracer := otel.Tracer(tracerName)
	for _, en := range e.entries {
		_, span := tracer.Start(ctx, "strategy.cleanup."+en.s.Name())
		if err := en.s.Cleanup(e); err != nil {
			e.log.Error("strategy cleanup failed", "strategy", en.s.Name(), "error", err)
		}
		span.End()
	}
}

package strategy

import (
	"log/slog"
	"time"
)

// WarnStrategy notifies users approaching their usage budget while
// licenses are getting scarce, before the ban strategy would hit them.
type WarnStrategy struct {
	Base
	log *slog.Logger

	threshold float64
	delay     time.Duration
	warned    int
}

type WarnOption func(*WarnStrategy)

func WarnWithLogger(l *slog.Logger) WarnOption {
	return func(s *WarnStrategy) { s.log = l }
}

// NewWarn warns users within delay of their budget whenever the free
// share drops below threshold.
func NewWarn(threshold float64, delay time.Duration, opts ...WarnOption) *WarnStrategy {
	s := &WarnStrategy{
		log:       slog.Default(),
		threshold: threshold,
		delay:     delay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WarnStrategy) Name() string { return "warn-before-max-usage" }

func (s *WarnStrategy) RequiredServices() []string {
	return []string{
		SvcNotifyEvent,
		SvcGetFreePercentage,
		SvcGetUserBeforeMaxUsage,
	}
}

// WarnedUsers returns how many warnings have been issued in total.
func (s *WarnStrategy) WarnedUsers() int { return s.warned }

func (s *WarnStrategy) Apply(e *Enforcer) error {
	free := MustLookup[FreePercentageFunc](e, SvcGetFreePercentage)()
	if free >= s.threshold {
		return nil
	}

	toWarn := MustLookup[UsersBeforeMaxFunc](e, SvcGetUserBeforeMaxUsage)(s.delay)
	if len(toWarn) == 0 {
		s.log.Warn("license pressure but nobody left to warn", "free", free)
		return nil
	}

	MustLookup[NotifyEventFunc](e, SvcNotifyEvent)(toWarn, EventWarn)
	s.warned += len(toWarn)
	s.log.Info("users warned", "count", len(toWarn), "free", free)
	return nil
}

func (s *WarnStrategy) Cleanup(*Enforcer) error { return nil }

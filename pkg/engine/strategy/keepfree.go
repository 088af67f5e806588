package strategy

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/flexwatch/flexwatch/pkg/engine/fleet"
	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
)

// KeepFreeStrategy keeps a configured share of licenses free by banning
// the heaviest users when headroom drops below the minimum, and lifting
// the bans once the hold window has passed.
//
// The strategy is a small state machine: INIT promotes to FREE on first
// apply; FREE switches to DENY when the free share falls under minFree;
// DENY switches back once the share recovers and keepStateTimeout has
// elapsed since the last switch.
type KeepFreeStrategy struct {
	Base
	log *slog.Logger

	keepStateTimeout time.Duration
	minFree          float64
	maxFree          float64

	current    ApplicationState
	ideal      ApplicationState
	switchTime time.Time
	banned     []flexlm.User

	when    time.Time
	whenSet bool
	now     func() time.Time
}

type KeepFreeOption func(*KeepFreeStrategy)

func KeepFreeWithLogger(l *slog.Logger) KeepFreeOption {
	return func(s *KeepFreeStrategy) { s.log = l }
}

// keepFreeWithNow replaces the clock, for tests.
func keepFreeWithNow(now func() time.Time) KeepFreeOption {
	return func(s *KeepFreeStrategy) { s.now = now }
}

func NewKeepFree(timeout time.Duration, minFree, maxFree float64, opts ...KeepFreeOption) *KeepFreeStrategy {
	s := &KeepFreeStrategy{
		log:              slog.Default(),
		keepStateTimeout: timeout,
		minFree:          minFree,
		maxFree:          maxFree,
		current:          StateInit,
		ideal:            StateFree,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KeepFreeStrategy) Name() string { return "keep-free-percentage" }

func (s *KeepFreeStrategy) RequiredServices() []string {
	return []string{
		SvcResetUserUsage,
		SvcGetUserToBan,
		SvcWriteFlexOptFile,
		SvcNotifyEvent,
		SvcScheduleServerReload,
		SvcGetFreePercentage,
		SvcGetTotalNumberOfUsers,
	}
}

// SetWhen pins the timestamp the next Apply evaluates at. Consumed once;
// the cycle after it falls back to the wall clock.
func (s *KeepFreeStrategy) SetWhen(t time.Time) {
	s.when = t
	s.whenSet = true
}

// State returns the current enforcement state.
func (s *KeepFreeStrategy) State() ApplicationState { return s.current }

// BannedUsers returns a snapshot of the users currently banned by this
// strategy.
func (s *KeepFreeStrategy) BannedUsers() []flexlm.User { return slices.Clone(s.banned) }

func (s *KeepFreeStrategy) Apply(e *Enforcer) error {
	when := s.now()
	if s.whenSet {
		when = s.when
		s.whenSet = false
	}
	if s.current == StateInit {
		s.current = StateFree
	}

	free := MustLookup[FreePercentageFunc](e, SvcGetFreePercentage)()
	s.ideal = StateFree
	if free < s.minFree {
		s.ideal = StateDeny
	}

	// Hold the current state for the full timeout after a switch.
	if !s.switchTime.IsZero() && when.Sub(s.switchTime) <= s.keepStateTimeout {
		s.log.Info("holding state", "state", s.current.String(), "since", s.switchTime, "free", free)
		return nil
	}

	if s.current == StateDeny && len(s.banned) > 0 {
		s.unban(e, when)
	}

	if s.current != s.ideal {
		if s.ideal == StateDeny {
			s.deny(e, free)
		} else {
			s.log.Info("free headroom recovered", "free", free)
		}
		MustLookup[ScheduleReloadFunc](e, SvcScheduleServerReload)()
		s.current = s.ideal
		s.switchTime = when
	}
	return nil
}

// unban restores the option file, resets every banned user's usage and
// notifies them, then requests a reload.
func (s *KeepFreeStrategy) unban(e *Enforcer, when time.Time) {
	if err := MustLookup[WriteOptFileFunc](e, SvcWriteFlexOptFile)(""); err != nil {
		s.AddProblem(fmt.Sprintf("option file reset: %v", err))
	}
	reset := MustLookup[ResetUserUsageFunc](e, SvcResetUserUsage)
	for _, u := range s.banned {
		reset(u.UID, when)
	}
	MustLookup[NotifyEventFunc](e, SvcNotifyEvent)(slices.Clone(s.banned), EventUnban)
	s.log.Info("bans lifted", "users", len(s.banned))
	s.banned = nil
	MustLookup[ScheduleReloadFunc](e, SvcScheduleServerReload)()
	s.current = StateFree
}

// deny selects the ban set. The number of users to ban is sized so the
// free share climbs back to maxFree; with no headroom to reclaim nobody
// is banned and the option file is left alone.
func (s *KeepFreeStrategy) deny(e *Enforcer, free float64) {
	s.banned = MustLookup[GetUserToBanFunc](e, SvcGetUserToBan)()
	if len(s.banned) == 0 {
		s.log.Warn("deny state wanted but no ban candidates", "free", free)
		return
	}

	totalUser := MustLookup[TotalUsersFunc](e, SvcGetTotalNumberOfUsers)()
	n := int((s.maxFree - free) * float64(totalUser))
	if n <= 0 {
		s.log.Warn("no headroom to reclaim, banning nobody",
			"candidates", len(s.banned), "free", free, "total_users", totalUser)
		return
	}
	if n > len(s.banned) {
		n = len(s.banned)
	}
	s.banned = s.banned[:n]

	MustLookup[NotifyEventFunc](e, SvcNotifyEvent)(slices.Clone(s.banned), EventBan)
	uids := make([]string, len(s.banned))
	for i, u := range s.banned {
		uids[i] = u.UID
	}
	if err := MustLookup[WriteOptFileFunc](e, SvcWriteFlexOptFile)(fleet.GenerateDenyGroup(uids, "")); err != nil {
		s.AddProblem(fmt.Sprintf("deny group write: %v", err))
	}
	s.log.Info("users banned", "count", n, "free", free)
}

// Cleanup restores the preamble-only option file and lifts any remaining
// bans. No reload is scheduled here; the process is tearing down.
func (s *KeepFreeStrategy) Cleanup(e *Enforcer) error {
	if err := MustLookup[WriteOptFileFunc](e, SvcWriteFlexOptFile)(""); err != nil {
		return fmt.Errorf("option file reset: %w", err)
	}
	if len(s.banned) > 0 {
		MustLookup[NotifyEventFunc](e, SvcNotifyEvent)(slices.Clone(s.banned), EventUnban)
		s.banned = nil
	}
	return nil
}

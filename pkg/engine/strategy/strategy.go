// Package strategy implements the policy pipeline: a registry of named
// service callbacks and a priority-ordered set of strategies applied once
// per monitor cycle.
package strategy

import (
	"errors"
	"time"

	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
)

var (
	// ErrUnknownService is returned when a lookup names a service nobody
	// registered.
	ErrUnknownService = errors.New("unknown service")
	// ErrInvalidService flags a duplicate registration or a strategy
	// requiring a service that is not registered.
	ErrInvalidService = errors.New("invalid service")
	// ErrInvalidStrategy flags a strategy that cannot be added as given.
	ErrInvalidStrategy = errors.New("invalid strategy")
)

// ApplicationState is the per-strategy enforcement state.
type ApplicationState int

const (
	StateInit ApplicationState = iota
	StateFree
	StateDeny
)

func (s ApplicationState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFree:
		return "FREE"
	case StateDeny:
		return "DENY"
	}
	return "UNKNOWN"
}

// UserEvent names a user-visible enforcement action.
type UserEvent string

const (
	EventWarn  UserEvent = "WARN"
	EventBan   UserEvent = "BAN"
	EventUnban UserEvent = "UNBAN"
)

// Tier is the coarse priority band; strategies in a lower tier run first.
// Insertion order breaks ties within a tier.
type Tier int

const (
	PriorityHighest Tier = 0
	PriorityHigh    Tier = 2
	PriorityNormal  Tier = 4
	PriorityLow     Tier = 8
	PriorityLowest  Tier = 16
)

type priority struct {
	tier Tier
	seq  int
}

func (p priority) less(o priority) bool {
	if p.tier != o.tier {
		return p.tier < o.tier
	}
	return p.seq < o.seq
}

// Registered service names.
const (
	SvcResetUserUsage        = "resetUserUsage"
	SvcGetUserToBan          = "getUserToBan"
	SvcWriteFlexOptFile      = "writeFlexOptFile"
	SvcNotifyEvent           = "notifyEvent"
	SvcScheduleServerReload  = "scheduleServerReloadOnce"
	SvcGetFreePercentage     = "getFreePercentage"
	SvcGetTotalNumberOfUsers = "getTotalNumberOfUsers"
	SvcGetUserBeforeMaxUsage = "getUserBeforeMaxUsage"
)

// Callback signatures for the services above. The registry stores them
// untyped; MustLookup recovers the concrete type.
type (
	ResetUserUsageFunc func(uid string, when time.Time)
	GetUserToBanFunc   func() []flexlm.User
	WriteOptFileFunc   func(content string) error
	NotifyEventFunc    func(users []flexlm.User, event UserEvent)
	ScheduleReloadFunc func() bool
	FreePercentageFunc func() float64
	TotalUsersFunc     func() int
	UsersBeforeMaxFunc func(delay time.Duration) []flexlm.User
)

// Strategy is one policy applied each cycle. Apply and Cleanup run on the
// enforcer's goroutine, never concurrently with another strategy.
type Strategy interface {
	Name() string
	RequiredServices() []string
	ResetProblems()
	Problems() []string
	Apply(e *Enforcer) error
	Cleanup(e *Enforcer) error
}

// Base carries the per-cycle problem list strategies report through.
type Base struct {
	problems []string
}

func (b *Base) ResetProblems()      { b.problems = nil }
func (b *Base) AddProblem(p string) { b.problems = append(b.problems, p) }
func (b *Base) Problems() []string  { return b.problems }

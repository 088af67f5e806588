package engine

import (
	"context"
	"sort"
	"time"

	"github.com/flexwatch/flexwatch/pkg/engine/flexlm"
	"github.com/flexwatch/flexwatch/pkg/engine/mailer"
	"github.com/flexwatch/flexwatch/pkg/engine/strategy"
	"github.com/flexwatch/flexwatch/pkg/metrics"
)

// registerServices binds the capability callbacks the strategies run
// against. Registration happens once, before any strategy is added.
func (e *Engine) registerServices() error {
	regs := []struct {
		name string
		fn   any
	}{
		{strategy.SvcGetFreePercentage, strategy.FreePercentageFunc(e.fleet.FreePercentage)},
		{strategy.SvcGetTotalNumberOfUsers, strategy.TotalUsersFunc(e.fleet.TotalUsers)},
		{strategy.SvcGetUserToBan, strategy.GetUserToBanFunc(e.usersToBan)},
		{strategy.SvcGetUserBeforeMaxUsage, strategy.UsersBeforeMaxFunc(e.usersBeforeMax)},
		{strategy.SvcResetUserUsage, strategy.ResetUserUsageFunc(e.resetUserUsage)},
		{strategy.SvcWriteFlexOptFile, strategy.WriteOptFileFunc(e.fleet.WriteOptFile)},
		{strategy.SvcScheduleServerReload, strategy.ScheduleReloadFunc(e.scheduleReloadOnce)},
		{strategy.SvcNotifyEvent, strategy.NotifyEventFunc(e.notifyEvent)},
	}
	for _, r := range regs {
		if err := e.enf.RegisterService(r.name, r.fn); err != nil {
			return err
		}
	}
	return nil
}

// usersToBan selects the ban candidates: users whose total usage reached
// their budget, not already banned, not exempted by the operator rules.
// Users seen on several hosts are deduplicated keeping the heaviest
// record. The result is ordered heaviest first, uid breaking ties.
func (e *Engine) usersToBan() []flexlm.User {
	type candidate struct {
		user  flexlm.User
		usage time.Duration
	}
	best := make(map[string]candidate)

	e.fleet.EachUser(func(_ string, mu *flexlm.MonitoredUser) {
		if mu.Banned || mu.TotalUsage() < mu.Allowed {
			return
		}
		if e.exempt.Exempt(mu) {
			return
		}
		if c, ok := best[mu.UID]; !ok || mu.TotalUsage() > c.usage {
			best[mu.UID] = candidate{user: mu.User, usage: mu.TotalUsage()}
		}
	})

	cands := make([]candidate, 0, len(best))
	for _, c := range best {
		cands = append(cands, c)
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].usage != cands[j].usage {
			return cands[i].usage > cands[j].usage
		}
		return cands[i].user.UID < cands[j].user.UID
	})

	users := make([]flexlm.User, len(cands))
	for i, c := range cands {
		users[i] = c.user
	}
	return users
}

// usersBeforeMax returns the users within delay of their budget that have
// not been warned or banned yet, marking them warned.
func (e *Engine) usersBeforeMax(delay time.Duration) []flexlm.User {
	seen := make(map[string]bool)
	var out []flexlm.User

	e.fleet.EachUser(func(_ string, mu *flexlm.MonitoredUser) {
		if mu.Warned || mu.Banned || mu.Remaining() > delay {
			return
		}
		mu.Warned = true
		if !seen[mu.UID] {
			seen[mu.UID] = true
			out = append(out, mu.User)
		}
	})

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// resetUserUsage gives uid a fresh budget: the elapsed ban interval is
// credited to banned-time bookkeeping, then the accumulated usage is
// zeroed on every host.
func (e *Engine) resetUserUsage(uid string, when time.Time) {
	uid = flexlm.Canonical(uid)

	e.mu.Lock()
	start, wasBanned := e.bannedSet[uid]
	delete(e.bannedSet, uid)
	e.mu.Unlock()

	if wasBanned && when.After(start) {
		e.fleet.AddBannedTime(uid, when.Sub(start))
	}
	e.fleet.ResetUserUsage(uid)
}

// scheduleReloadOnce marks a server reload for the end of the current
// cycle. Returns false when one is already pending.
func (e *Engine) scheduleReloadOnce() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reloadScheduled {
		return false
	}
	e.reloadScheduled = true
	e.log.Info("server reload scheduled")
	return true
}

// notifyEvent delivers the event to every user: resolve a missing mail
// address through the directory, enqueue the rendered message, update the
// flags on the fleet records and the banned set.
func (e *Engine) notifyEvent(users []flexlm.User, event strategy.UserEvent) {
	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, u := range users {
		if u.Mail == "" {
			u.Mail = e.resolver.Mail(ctx, u.UID)
		}

		var remaining time.Duration
		e.fleet.UpdateUser(u.UID, func(mu *flexlm.MonitoredUser) {
			remaining = mu.Remaining()
			switch event {
			case strategy.EventWarn:
				mu.Warned = true
			case strategy.EventBan:
				mu.Banned = true
			case strategy.EventUnban:
				mu.Unban()
			}
		})

		e.mu.Lock()
		switch event {
		case strategy.EventBan:
			e.bannedSet[u.UID] = now
		case strategy.EventUnban:
			delete(e.bannedSet, u.UID)
		}
		e.mu.Unlock()

		e.mail.Enqueue(mailer.Compose(string(event), e.cfg.Fleet.Feature, u, remaining))
	}
	metrics.RecordUserEvents(string(event), len(users))
	e.log.Info("users notified", "event", string(event), "count", len(users))
}

// GrantUsageTime extends uid's allowed budget on every host; operator
// tooling calls this when a user needs more than the default.
func (e *Engine) GrantUsageTime(uid string, extra time.Duration) bool {
	return e.fleet.UpdateUser(uid, func(mu *flexlm.MonitoredUser) {
		mu.Grant(extra)
	})
}

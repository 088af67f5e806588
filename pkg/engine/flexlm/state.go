package flexlm

import (
	"fmt"
	"sync"
	"time"
)

// ServerState holds license counts and per-user accumulated usage for one
// license host. It is owned by the host's monitor; readers access it through
// the accessor methods, which take the internal lock.
type ServerState struct {
	mu sync.RWMutex

	host  string
	used  int
	total int
	// lastDump is zero until the first successful dump.
	lastDump time.Time
	users    map[string]*MonitoredUser
}

func NewServerState(host string) *ServerState {
	return &ServerState{
		host:  Canonical(host),
		users: make(map[string]*MonitoredUser),
	}
}

func (s *ServerState) Hostname() string { return s.host }

// Counts returns used and total licenses from the last dump with totals.
func (s *ServerState) Counts() (used, total int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used, s.total
}

func (s *ServerState) LastDump() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDump
}

func (s *ServerState) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// User returns the record for uid (any case), or nil.
func (s *ServerState) User(uid string) *MonitoredUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[Canonical(uid)]
}

// WithUser calls fn with uid's record under the lock and reports whether
// the user is known.
func (s *ServerState) WithUser(uid string, fn func(*MonitoredUser)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[Canonical(uid)]
	if ok {
		fn(u)
	}
	return ok
}

// ForEachUser calls fn for every known user while holding the lock; fn must
// not call back into this ServerState.
func (s *ServerState) ForEachUser(fn func(*MonitoredUser)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		fn(u)
	}
}

// Apply folds one parsed dump into the state: accumulates usage for every
// usage line, then updates the counts (when the dump carried totals) and
// the last-dump timestamp.
func (s *ServerState) Apply(d *Dump) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, line := range d.Usage {
		s.addUsage(d.Timestamp, line)
	}
	if d.HasTotals {
		s.used = d.InUse
		s.total = d.Issued
	}
	s.lastDump = d.Timestamp
}

// addUsage implements the accumulation rule. prev is the prior dump's
// timestamp (zero when this is the first dump for the host).
//
// A user absent from the previous dump has their session restarted at the
// reported login time. A user appearing twice in the same dump holds
// several concurrent seats; each extra seat adds another full interval on
// top of the increment already assigned.
func (s *ServerState) addUsage(dumpTs time.Time, line UsageLine) {
	uid := Canonical(line.UID)
	prev := s.lastDump

	u, ok := s.users[uid]
	if !ok {
		u = NewMonitoredUser(uid, line.Machine, line.Host)
		u.Increment = dumpTs.Sub(line.Login)
		s.users[uid] = u
	} else {
		if !prev.IsZero() && u.LastUpdate.Before(prev) {
			u.LastUpdate = line.Login
		}
		increment := dumpTs.Sub(u.LastUpdate)
		if u.LastUpdate.Equal(dumpTs) {
			delta := dumpTs.Sub(line.Login)
			if !prev.IsZero() {
				delta = dumpTs.Sub(prev)
			}
			increment = u.Increment + delta
			// The earlier seat's share was already applied this dump; the
			// widened increment supersedes it.
			u.Usage -= u.Increment
		}
		u.Machine = line.Machine
		u.Host = line.Host
		u.Increment = increment
	}

	u.Usage += u.Increment
	u.LastUpdate = dumpTs
}

// ResetUsage zeroes uid's accumulated usage and increment and clears the
// warn/ban flags, keeping the record (and its banned-time bookkeeping). The
// stale LastUpdate makes the next sighting restart from its login time.
func (s *ServerState) ResetUsage(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[Canonical(uid)]
	if !ok {
		return
	}
	u.Usage = 0
	u.Increment = 0
	u.Unban()
}

// AddBannedTime folds a completed ban interval into uid's budget accounting.
func (s *ServerState) AddBannedTime(uid string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[Canonical(uid)]; ok {
		u.BannedTime += d
	}
}

func (s *ServerState) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("server %s at %s, %d/%d licenses, %d users",
		s.host, s.lastDump.Format(time.DateTime), s.used, s.total, len(s.users))
}

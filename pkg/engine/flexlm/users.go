package flexlm

import "time"

// User identifies a license user. UID is stored canonicalized; Name and
// Mail are optional.
type User struct {
	UID  string
	Name string
	Mail string
}

// NewUser canonicalizes the uid at the boundary.
func NewUser(uid, name, mail string) User {
	return User{UID: Canonical(uid), Name: name, Mail: mail}
}

// SafeName returns the display name, falling back to the UID.
func (u User) SafeName() string {
	if u.Name == "" {
		return u.UID
	}
	return u.Name
}

// MonitoredUser carries the time accounting for one user on one server.
type MonitoredUser struct {
	User

	Machine string
	Host    string

	// Usage is the accumulated active time, the sum of all increments ever
	// assigned. Increment is the share added by the most recent dump.
	Usage      time.Duration
	Increment  time.Duration
	LastUpdate time.Time

	Warned bool
	Banned bool
	// BannedTime accumulates the time spent banned; it counts toward the
	// total against the allowed budget.
	BannedTime time.Duration
	// Allowed is the usage budget. Zero means "use the default".
	Allowed time.Duration
}

// NewMonitoredUser creates a user first seen on machine via host, with the
// default usage budget.
func NewMonitoredUser(uid, machine, host string) *MonitoredUser {
	return &MonitoredUser{
		User:    NewUser(uid, "", ""),
		Machine: machine,
		Host:    host,
		Allowed: DefaultAllowedUsage,
	}
}

// DefaultAllowedUsage is the usage budget granted unless overridden.
const DefaultAllowedUsage = 10 * time.Hour

// TotalUsage is active plus banned time; this is what is measured against
// the allowed budget.
func (u *MonitoredUser) TotalUsage() time.Duration {
	return u.Usage + u.BannedTime
}

// Remaining returns how much budget is left; negative when exceeded.
func (u *MonitoredUser) Remaining() time.Duration {
	return u.Allowed - u.TotalUsage()
}

// Grant extends the allowed budget.
func (u *MonitoredUser) Grant(extra time.Duration) {
	u.Allowed += extra
}

// Unban clears the ban; clearing a ban always clears the warn flag too.
func (u *MonitoredUser) Unban() {
	u.Banned = false
	u.Warned = false
}

// Package flexlm models FLEXlm status dumps: parsing the lmstat text format
// and accumulating per-user usage across successive dumps.
package flexlm

import (
	"errors"
	"strings"
	"time"
)

// ErrNoDumpHeader is returned when the dump text carries no
// "Flexible License Manager status on ..." header line.
var ErrNoDumpHeader = errors.New("no dump header found")

// Canonical normalizes a user or host identifier. Identifiers are
// case-insensitive; the canonical form is upper case.
func Canonical(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// UsageLine is one checked-out seat reported by the license tool.
type UsageLine struct {
	UID     string
	Machine string
	Host    string
	Login   time.Time
}

// Dump is the structured form of one lmstat report for one feature.
type Dump struct {
	Timestamp time.Time
	Issued    int
	InUse     int
	// HasTotals distinguishes "no feature-totals line in the dump" from a
	// genuine zero count; server counts are only updated when it is set.
	HasTotals bool
	Usage     []UsageLine
	// RelevantLines holds the indices of every input line that contributed
	// to this record, for snapshot replay.
	RelevantLines []int
}

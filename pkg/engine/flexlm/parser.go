package flexlm

import (
	"fmt"
	"regexp"
	"time"
)

// Dump layout, as produced by "lmutil lmstat -c port@host -f FEATURE":
//
//	Flexible License Manager status on Tue 9/3/2013 09:52
//	...
//	Users of DOORS:  (Total of 56 licenses issued;  Total of 39 licenses in use)
//	...
//	  SBX035 VSDS-BIE-L0150 VSDS-BIE-L0150 (v6.000000) (VSDS-BIE-S002/7587 677), start Wed 9/3 09:30
//
// The dump header carries the year; user login times do not and borrow it
// from the header.
var (
	dumpHeaderRe  = regexp.MustCompile(`^\s*Flexible License Manager status on.+?(\d+/\d+/\d+\s\d+:\d+)\s*`)
	userLineRe    = regexp.MustCompile(`^\s+([\w.-]+)\s+([\w-]+)\s+([\w-]+?)\s+([\w -]*)\(.+\)\s\(.+\), start \w+ (\d+/\d+\s\d+:\d+)\s*`)
	featureLineRe = regexp.MustCompile(`^Users of\s.*`)
)

const (
	dumpDateLayout  = "1/2/2006 15:04"
	loginDateLayout = "2006/1/2 15:04"
)

func totalsPattern(feature string) *regexp.Regexp {
	return regexp.MustCompile(`^Users of ` + regexp.QuoteMeta(feature) +
		`.*?Total of (\d+) licenses issued.*?Total of (\d+) licenses in use.*`)
}

// Parse turns the raw dump lines into a Dump record for the given feature.
// Lines before the dump header are ignored; unparseable usage lines are
// skipped; a "Users of ..." line for another feature ends the section.
// Returns ErrNoDumpHeader when no header line is present.
func Parse(lines []string, feature string) (*Dump, error) {
	totalsRe := totalsPattern(feature)
	d := &Dump{}

	for i, line := range lines {
		if line == "" {
			continue
		}

		if d.Timestamp.IsZero() {
			if m := dumpHeaderRe.FindStringSubmatch(line); m != nil {
				ts, err := time.ParseInLocation(dumpDateLayout, m[1], time.Local)
				if err != nil {
					continue
				}
				d.Timestamp = ts
				d.RelevantLines = append(d.RelevantLines, i)
			}
			continue
		}

		if !d.HasTotals {
			if m := totalsRe.FindStringSubmatch(line); m != nil {
				fmt.Sscanf(m[1], "%d", &d.Issued)
				fmt.Sscanf(m[2], "%d", &d.InUse)
				d.HasTotals = true
				d.RelevantLines = append(d.RelevantLines, i)
			}
			continue
		}

		if m := userLineRe.FindStringSubmatch(line); m != nil {
			// Login times come without a year; borrow it from the dump header.
			login, err := time.ParseInLocation(loginDateLayout,
				fmt.Sprintf("%d/%s", d.Timestamp.Year(), m[5]), time.Local)
			if err == nil {
				d.Usage = append(d.Usage, UsageLine{
					UID:     m[1],
					Machine: m[2],
					Host:    m[3],
					Login:   login,
				})
				d.RelevantLines = append(d.RelevantLines, i)
			}
		}
		if featureLineRe.MatchString(line) {
			// Start of the next feature section.
			break
		}
	}

	if d.Timestamp.IsZero() {
		return nil, ErrNoDumpHeader
	}
	return d, nil
}

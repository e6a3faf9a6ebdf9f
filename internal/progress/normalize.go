// Package progress reconciles progress snapshots into a stable per-stage
// display model.
package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/raphaelgruber/kg/internal/jobs"
)

// ratioPattern finds an embedded "N/total" in free-text messages, for
// servers that do not send structured counters yet.
var ratioPattern = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

// Update is a progress snapshot reduced to what the aggregator needs.
type Update struct {
	Stage      string // normalized stage key
	Current    int
	Total      int
	Counted    bool     // Current/Total are meaningful
	HasCurrent bool     // Current reported without a total
	Percent    *float64 // server-reported percent, when no counters
	Message    string
}

// Normalize converts a snapshot into an Update. Structured counters win over
// a ratio parsed from the message. A processed count without a total is kept
// as Current alone; with nothing numeric the update is indeterminate.
func Normalize(p jobs.Progress) Update {
	u := Update{
		Stage:   StageKey(p.Stage),
		Message: p.Message,
		Percent: p.Percent,
	}

	switch {
	case p.ItemsProcessed != nil && p.ItemsTotal != nil:
		u.Current, u.Total, u.Counted = *p.ItemsProcessed, *p.ItemsTotal, true
	default:
		if cur, total, ok := ParseRatio(p.Message); ok {
			u.Current, u.Total, u.Counted = cur, total, true
		} else if p.ItemsProcessed != nil {
			u.Current, u.HasCurrent = *p.ItemsProcessed, true
		}
	}

	if u.Counted || u.HasCurrent {
		if u.Current < 0 {
			u.Current = 0
		}
		if u.Total < 0 {
			u.Total = 0
		}
	}
	return u
}

// ParseRatio extracts the first "N/total" pair from s.
func ParseRatio(s string) (current, total int, ok bool) {
	m := ratioPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, false
	}
	cur, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	tot, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return cur, tot, true
}

// StageKey normalizes a free-form stage label for matching:
// "Restoring Concepts" and "restoring-concepts" both become "restoring_concepts".
func StageKey(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return '_'
		}
		return r
	}, s)
}

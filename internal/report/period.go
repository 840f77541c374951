package report

import (
	"fmt"
	"time"
)

// Mode says which underlying source is authoritative for a resolved period.
type Mode string

const (
	// ModeCurrent reads the live source, recomputed on read. Only the
	// single-month "right now" view qualifies.
	ModeCurrent Mode = "current"
	// ModeHistorical reads immutable monthly snapshots.
	ModeHistorical Mode = "historical"
)

// PeriodQuery is a year plus an inclusive month range. A single month has
// MonthStart == MonthEnd; quarters, semesters and full years are just wider
// ranges.
type PeriodQuery struct {
	Year       int `json:"year"`
	MonthStart int `json:"monthStart"`
	MonthEnd   int `json:"monthEnd"`
}

// Resolution is the concrete fetch plan for a period query.
type Resolution struct {
	Mode   Mode  `json:"mode"`
	Months []int `json:"months"`
}

// Resolve classifies a period query and expands it into the month list to
// fetch. The query is current only when the range is exactly the in-progress
// calendar month of now's year; a multi-month range that happens to include
// the current month is still historical, so consolidated numbers stay
// reproducible while the month is in progress. now is injected so resolution
// is deterministic in tests.
func Resolve(now time.Time, q PeriodQuery) (Resolution, error) {
	if q.MonthStart < 1 || q.MonthStart > 12 || q.MonthEnd < 1 || q.MonthEnd > 12 {
		return Resolution{}, fmt.Errorf("month out of range: %d..%d", q.MonthStart, q.MonthEnd)
	}
	if q.MonthStart > q.MonthEnd {
		return Resolution{}, fmt.Errorf("month range inverted: %d..%d", q.MonthStart, q.MonthEnd)
	}
	if q.Year < 2000 || q.Year > 2100 {
		return Resolution{}, fmt.Errorf("year out of range: %d", q.Year)
	}

	months := make([]int, 0, q.MonthEnd-q.MonthStart+1)
	for m := q.MonthStart; m <= q.MonthEnd; m++ {
		months = append(months, m)
	}

	mode := ModeHistorical
	if q.Year == now.Year() && q.MonthStart == int(now.Month()) && q.MonthEnd == int(now.Month()) {
		mode = ModeCurrent
	}
	return Resolution{Mode: mode, Months: months}, nil
}

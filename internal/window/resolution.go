// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

package window

import "time"

// Resolution is one time granularity of a rolling window set, ordered by
// ascending duration. Each coarser resolution's coverage encloses the finer
// one's.
type Resolution int

const (
	Second Resolution = iota
	Minute
	Hour
	Day
	Month
)

// Resolutions lists every supported resolution in ascending order.
var Resolutions = [5]Resolution{Second, Minute, Hour, Day, Month}

func (r Resolution) String() string {
	switch r {
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	}
	return "unknown"
}

// Truncate returns the UTC window boundary that contains t at this
// resolution.
func (r Resolution) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch r {
	case Second:
		return t.Truncate(time.Second)
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Next returns the boundary of the window following the one that starts at b.
func (r Resolution) Next(b time.Time) time.Time {
	switch r {
	case Second:
		return b.Add(time.Second)
	case Minute:
		return b.Add(time.Minute)
	case Hour:
		return b.Add(time.Hour)
	case Day:
		return b.AddDate(0, 0, 1)
	case Month:
		return b.AddDate(0, 1, 0)
	}
	return b
}

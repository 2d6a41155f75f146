// SPDX-FileCopyrightText: 2025 Mads R. Havmand <mads@v42.dk>
//
// SPDX-License-Identifier: AGPL-3.0-only

// Package window maintains per-metric rolling time windows at multiple
// resolutions. A Set holds one current/previous cell pair per resolution and
// folds values into the cell containing an event's end time, rolling the
// window forward when the boundary advances. The fold function itself is
// supplied by the caller, so the same primitive drives both accumulation and
// aggregation.
package window

import (
	"errors"
	"fmt"
	"time"
)

// ErrStale is returned by Update in strict mode when the event's end time is
// older than a window boundary by more than the configured slack. No cell has
// been mutated when this is returned.
var ErrStale = errors.New("usage older than slack window")

// Quantity is one accumulated cell value. SUM and MAX metrics use only Value.
// AVG metrics maintain the running Sum and Count with Value holding the mean.
// Custom fold functions may assign the fields any semantics they need.
type Quantity struct {
	Value float64 `json:"value"`
	Sum   float64 `json:"sum,omitempty"`
	Count int64   `json:"count,omitempty"`
}

// Num returns a plain numeric quantity.
func Num(v float64) *Quantity {
	return &Quantity{Value: v}
}

// Clone returns a copy of q, or nil for nil.
func (q *Quantity) Clone() *Quantity {
	if q == nil {
		return nil
	}
	c := *q
	return &c
}

// Action describes what Update did to a single cell.
type Action int

const (
	// Folded means the value was folded into the existing current window.
	Folded Action = iota
	// Rolled means the boundary advanced: the old current value was frozen
	// as previous and a fresh current window was opened for the value.
	Rolled
	// Late means the boundary had already rolled past the event but its end
	// time was still within slack, so the value was folded into the previous
	// window, the one that contains the end time.
	Late
	// Skipped means the end time was within slack but older than the
	// retained previous window, so the value cannot be attributed at this
	// resolution and the cell was left untouched. Skipped is not an error
	// in strict mode.
	Skipped
	// Stale means the value was older than the cell's boundary by more than
	// slack and the cell was left untouched.
	Stale
)

func (a Action) String() string {
	switch a {
	case Folded:
		return "folded"
	case Rolled:
		return "rolled"
	case Late:
		return "late"
	case Skipped:
		return "skipped"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Cell is the current/previous window pair at one resolution. Previous holds
// the final value of the prior window and is frozen once the boundary rolls.
type Cell struct {
	Boundary time.Time `json:"boundary"`
	Previous *Quantity `json:"previous,omitempty"`
	Current  *Quantity `json:"current,omitempty"`
}

// Set is a rolling window set: one Cell per resolution, second through month.
type Set struct {
	Cells [len(Resolutions)]Cell `json:"cells"`
}

// Cell returns the cell tracked at resolution r.
func (s *Set) Cell(r Resolution) *Cell {
	return &s.Cells[r]
}

// Clone returns a deep copy of the set. A doc opening a new bucket clones
// the superseded bucket's sets so the first cross-bucket fold freezes the
// old totals as previous instead of losing them.
func (s *Set) Clone() *Set {
	c := &Set{}
	for i := range s.Cells {
		c.Cells[i] = Cell{
			Boundary: s.Cells[i].Boundary,
			Previous: s.Cells[i].Previous.Clone(),
			Current:  s.Cells[i].Current.Clone(),
		}
	}
	return c
}

// Result reports the outcome of one Update call at one resolution. Before is
// the folded window's value prior to this fold; it is nil when the fold opened
// a new window. For Late the pair refers to the previous window. The pair
// (Before, After) is the delta a downstream aggregation folds in, so repeated
// aggregation of successive deltas never double-counts.
type Result struct {
	Resolution Resolution `json:"resolution"`
	Action     Action     `json:"action"`
	Before     *Quantity  `json:"before,omitempty"`
	After      *Quantity  `json:"after,omitempty"`
}

// Update folds a value into every resolution's window for the event ending at
// end. fn receives the resolution being folded and the cell's current value
// (nil for a fresh window) and returns the new one.
//
// Classification happens before any mutation: in strict mode a single stale
// resolution aborts the whole update with ErrStale and the set is unchanged.
// In non-strict mode stale resolutions are skipped and reported as such.
func (s *Set) Update(end time.Time, slack time.Duration, strict bool, fn func(r Resolution, cur *Quantity) *Quantity) ([]Result, error) {
	if fn == nil {
		return nil, fmt.Errorf("window: nil fold function")
	}

	actions := [len(Resolutions)]Action{}
	for _, r := range Resolutions {
		actions[r] = s.classify(r, end, slack)
		if strict && actions[r] == Stale {
			return nil, fmt.Errorf("window %s: %w", r, ErrStale)
		}
	}

	results := make([]Result, 0, len(Resolutions))
	for _, r := range Resolutions {
		cell := s.Cell(r)
		res := Result{Resolution: r, Action: actions[r]}

		switch actions[r] {
		case Stale, Skipped:
			// Left untouched.
		case Rolled:
			if !cell.Boundary.IsZero() {
				cell.Previous = cell.Current
			}
			cell.Boundary = r.Truncate(end)
			cell.Current = fn(r, nil)
			res.After = cell.Current.Clone()
		case Folded:
			res.Before = cell.Current.Clone()
			cell.Current = fn(r, cell.Current)
			res.After = cell.Current.Clone()
		case Late:
			// Previous is not finally frozen until slack has passed, so
			// usage that belongs to it still lands there instead of
			// inflating the current window.
			res.Before = cell.Previous.Clone()
			cell.Previous = fn(r, cell.Previous)
			res.After = cell.Previous.Clone()
		}

		results = append(results, res)
	}
	return results, nil
}

// classify decides what Update will do at resolution r without mutating
// anything.
func (s *Set) classify(r Resolution, end time.Time, slack time.Duration) Action {
	cell := s.Cell(r)
	if cell.Boundary.IsZero() {
		return Rolled
	}
	b := r.Truncate(end)
	switch {
	case b.Equal(cell.Boundary):
		return Folded
	case b.After(cell.Boundary):
		return Rolled
	default:
		if cell.Boundary.Sub(end.UTC()) > slack {
			return Stale
		}
		// Within slack the value still folds into the window that contains
		// it, which is the previous cell. Windows older than the previous
		// one are no longer retained at this resolution, so the value can
		// only be skipped here; coarser resolutions still capture it.
		if r.Next(b).Equal(cell.Boundary) {
			return Late
		}
		return Skipped
	}
}

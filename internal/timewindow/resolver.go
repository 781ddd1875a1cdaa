// Package timewindow maps wall-clock instants onto positions in the
// recurring weekly timetable.
//
// Everything here is pure: the caller injects "now".
package timewindow

import (
	"errors"
	"fmt"
	"time"
)

// Window describes the daily lesson grid.
//
// Start/End are offsets from local midnight in Location. Slots is the number
// of positions in the grid; slot i begins at Start + i*Interval.
type Window struct {
	Start    time.Duration
	End      time.Duration
	Interval time.Duration
	// Grace is the trailing part of every slot during which the following
	// slot is already reported as the current one.
	Grace    time.Duration
	Slots    int
	Location *time.Location
}

var ErrInvalidWindow = errors.New("invalid schedule window")

func (w Window) Validate() error {
	switch {
	case w.Interval <= 0:
		return fmt.Errorf("%w: slot interval must be > 0", ErrInvalidWindow)
	case w.End <= w.Start:
		return fmt.Errorf("%w: end must be after start", ErrInvalidWindow)
	case w.Grace < 0 || w.Grace >= w.Interval:
		return fmt.Errorf("%w: grace must be in [0, slot interval)", ErrInvalidWindow)
	case w.Slots <= 0:
		return fmt.Errorf("%w: at least one slot is required", ErrInvalidWindow)
	case w.Start < 0 || w.End > 24*time.Hour:
		return fmt.Errorf("%w: start/end must be within one day", ErrInvalidWindow)
	}
	return nil
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// Local converts t into the window's zone.
func (w Window) Local(t time.Time) time.Time { return t.In(w.loc()) }

// Midnight returns local midnight of the day containing t.
func (w Window) Midnight(t time.Time) time.Time {
	l := w.Local(t)
	return time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, l.Location())
}

// At returns the instant at offset from local midnight of the day containing t.
func (w Window) At(t time.Time, offset time.Duration) time.Time {
	return w.Midnight(t).Add(offset)
}

// Resolve converts now into a Coordinate.
//
// Outside [Start, End] and on weekends the coordinate carries no slot.
// An instant exactly on a slot boundary belongs to the slot that begins there.
func (w Window) Resolve(now time.Time) Coordinate {
	local := w.Local(now)
	c := Coordinate{Weekday: WeekdayOf(local), Parity: ParityOf(local)}
	if !c.Weekday.IsSchoolDay() || w.Interval <= 0 || w.Slots <= 0 {
		return c
	}
	tod := local.Sub(w.Midnight(local))
	if tod < w.Start || tod > w.End {
		return c
	}
	elapsed := tod - w.Start
	idx := int(elapsed / w.Interval)
	if w.Grace > 0 && elapsed%w.Interval >= w.Interval-w.Grace {
		idx++
	}
	if idx > w.Slots-1 {
		idx = w.Slots - 1
	}
	c.slot = idx
	c.inRange = true
	return c
}

// Coordinate is a (slot, weekday, parity) position in the timetable.
type Coordinate struct {
	slot    int
	inRange bool

	Weekday Weekday
	Parity  Parity
}

// At builds an in-range coordinate directly.
func At(slot int, day Weekday, parity Parity) Coordinate {
	return Coordinate{slot: slot, inRange: slot >= 0, Weekday: day, Parity: parity}
}

// Slot returns the lesson index and whether the coordinate is in range.
func (c Coordinate) Slot() (int, bool) {
	if !c.inRange {
		return 0, false
	}
	return c.slot, true
}

// OutOfRange reports whether no lesson position matches.
func (c Coordinate) OutOfRange() bool { return !c.inRange }

// Next returns the following slot on the same day.
func (c Coordinate) Next() Coordinate {
	if !c.inRange {
		return c
	}
	c.slot++
	return c
}

func (c Coordinate) String() string {
	if !c.inRange {
		return fmt.Sprintf("%s/%s/out-of-range", c.Parity, c.Weekday)
	}
	return fmt.Sprintf("%s/%s/%d", c.Parity, c.Weekday, c.slot)
}

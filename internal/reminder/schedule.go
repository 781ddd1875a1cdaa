package reminder

import (
	"time"

	"calenbot/internal/timewindow"
)

// grid yields the reminder fire times of one day: one per slot, each lead
// before the slot starts, clipped to the window end.
type grid struct {
	w    timewindow.Window
	lead time.Duration
}

func (g grid) firstOffset() time.Duration { return g.w.Start - g.lead }

// day returns the fire times for the day containing t, ascending. Non-school
// days have none.
func (g grid) day(t time.Time) []time.Time {
	local := g.w.Local(t)
	if !timewindow.WeekdayOf(local).IsSchoolDay() {
		return nil
	}
	end := g.w.At(local, g.w.End)
	out := make([]time.Time, 0, g.w.Slots)
	for k := 0; k < g.w.Slots; k++ {
		f := g.w.At(local, g.firstOffset()+time.Duration(k)*g.w.Interval)
		if f.After(end) {
			break
		}
		out = append(out, f)
	}
	return out
}

// nominalFirst is the first fire time of the day containing t.
func (g grid) nominalFirst(t time.Time) time.Time {
	return g.w.At(t, g.firstOffset())
}

// dailySchedule fires on the grid of every school day, starting at from.
type dailySchedule struct {
	g    grid
	from time.Time
}

// Next implements cron.Schedule.
func (s dailySchedule) Next(t time.Time) time.Time {
	if t.Before(s.from) {
		t = s.from.Add(-time.Nanosecond)
	}
	day := s.g.w.Midnight(t)
	// A week always contains a school day; 8 covers any starting weekday.
	for i := 0; i < 8; i++ {
		for _, f := range s.g.day(day) {
			if f.After(t) {
				return f
			}
		}
		day = s.g.w.Midnight(day.AddDate(0, 0, 1))
	}
	return time.Time{}
}

// catchUpSchedule fires once at first, then on the remaining grid points of
// that same day up to end. After that Next returns the zero time, which cron
// treats as "never again".
type catchUpSchedule struct {
	first time.Time
	rest  []time.Time
}

func newCatchUp(g grid, first, end time.Time) catchUpSchedule {
	s := catchUpSchedule{first: first}
	for _, f := range g.day(first) {
		if f.After(first) && !f.After(end) {
			s.rest = append(s.rest, f)
		}
	}
	return s
}

// Next implements cron.Schedule.
func (s catchUpSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	for _, f := range s.rest {
		if f.After(t) {
			return f
		}
	}
	return time.Time{}
}

package render

import (
	"fmt"
	"strings"
	"time"

	"calenbot/internal/timetable"
	"calenbot/internal/timewindow"
)

// Options selects the optional parts of a lesson block.
type Options struct {
	Links    bool // lesson link line
	Contacts bool // teacher email and phone
}

// Now renders the lesson at c and the one after it, or the no-lesson text.
func (t *Templates) Now(st *timetable.Store, c timewindow.Coordinate, o Options) string {
	s, ok := t.currentAndNext(st, c, t.t.NowHeader, o)
	if !ok {
		return t.t.NoLesson
	}
	return s
}

// Reminder renders the pre-class reminder for the slot at c followed by the
// lesson after it. It reports false when there is nothing to announce.
func (t *Templates) Reminder(st *timetable.Store, c timewindow.Coordinate, lead time.Duration, o Options) (string, bool) {
	return t.currentAndNext(st, c, t.reminderHeader(lead), o)
}

func (t *Templates) currentAndNext(st *timetable.Store, c timewindow.Coordinate, header string, o Options) (string, bool) {
	cur, hasCur, next, hasNext := st.DescribeNow(c)
	if !hasCur {
		return "", false
	}
	var b strings.Builder
	b.WriteString(header)
	t.writeDayHeader(&b, cur.Weekday, cur.Parity)
	t.writeEntry(&b, st, cur, o)
	if hasNext {
		b.WriteString(t.t.NextHeader)
		t.writeDayHeader(&b, next.Weekday, next.Parity)
		t.writeEntry(&b, st, next, o)
	}
	return b.String(), true
}

// Day renders every lesson of the day c falls on.
func (t *Templates) Day(st *timetable.Store, c timewindow.Coordinate, o Options) string {
	if !c.Weekday.IsSchoolDay() {
		return t.t.NoDay
	}
	entries := st.LessonsForDay(c.Parity, c.Weekday)
	if len(entries) == 0 {
		return t.t.NoDay
	}
	return t.days(st, entries, o)
}

// Week renders one parity of the timetable.
func (t *Templates) Week(st *timetable.Store, p timewindow.Parity, o Options) string {
	entries := st.AllLessons(p)
	if len(entries) == 0 {
		return t.t.NoWeek
	}
	return t.days(st, entries, o)
}

// All renders both parities, A first. Each element is sent as its own
// message; the segments are never joined.
func (t *Templates) All(st *timetable.Store, o Options) []string {
	out := make([]string, 0, len(timewindow.Parities))
	for _, p := range timewindow.Parities {
		out = append(out, t.Week(st, p, o))
	}
	return out
}

// days expects entries ordered by day then slot, as the store returns them.
func (t *Templates) days(st *timetable.Store, entries []timetable.Entry, o Options) string {
	var b strings.Builder
	for i, e := range entries {
		if i == 0 || entries[i-1].Weekday != e.Weekday {
			if i > 0 {
				b.WriteString("\n")
			}
			t.writeDayHeader(&b, e.Weekday, e.Parity)
		}
		t.writeEntry(&b, st, e, o)
	}
	b.WriteString("\n")
	return b.String()
}

func (t *Templates) writeDayHeader(b *strings.Builder, d timewindow.Weekday, p timewindow.Parity) {
	fmt.Fprintf(b, "*%s (%s %d):*\n", t.weekday(d), t.t.Week, int(p))
}

func (t *Templates) writeEntry(b *strings.Builder, st *timetable.Store, e timetable.Entry, o Options) {
	l := e.Lesson
	fmt.Fprintf(b, "\t*%s:* `%s (%s)`\n", st.Label(e.Slot), l.Subject, l.Type)
	if o.Links && known(l.Link) {
		fmt.Fprintf(b, "\t\t\t-\t*%s:* %s\n", t.t.Link, l.Link)
	}
	for _, tc := range l.Teachers {
		line := t.t.Teacher + ": " + tc.Name
		if o.Contacts {
			if known(tc.Email) {
				line += ",\n\t" + t.t.Email + ": " + tc.Email
			}
			if known(tc.Phone) {
				line += ",\n\t" + t.t.Phone + ": " + tc.Phone
			}
		}
		fmt.Fprintf(b, "\t\t\t-\t_%s_\n", line)
	}
}

func known(s string) bool { return s != "" && s != timetable.Unknown }

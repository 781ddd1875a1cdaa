// Package timetable holds the immutable lesson lookup built from the scraped
// timetable, plus the sources it can be rebuilt from.
package timetable

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"calenbot/internal/timewindow"
)

// Unknown replaces any missing lesson or teacher field.
const Unknown = "N/A"

var (
	ErrDuplicateEntry = errors.New("timetable: duplicate entry")
	ErrInvalidEntry   = errors.New("timetable: invalid entry")
)

type Teacher struct {
	Name  string
	Email string
	Phone string
}

type Lesson struct {
	Subject  string
	Type     string
	Link     string
	Teachers []Teacher
}

// Entry places a lesson at one timetable cell.
type Entry struct {
	Parity  timewindow.Parity
	Weekday timewindow.Weekday
	Slot    int
	Lesson  *Lesson
}

type cell struct {
	parity timewindow.Parity
	day    timewindow.Weekday
	slot   int
}

type dayKey struct {
	parity timewindow.Parity
	day    timewindow.Weekday
}

// Store is read-only after Build. Share it freely between goroutines.
type Store struct {
	labels []string
	cells  map[cell]*Entry
	days   map[dayKey][]Entry
	count  int
}

// Empty returns a store with no lessons.
func Empty(labels []string) *Store {
	s, _ := Build(labels, nil)
	return s
}

// Build validates entries and indexes them. labels are the slot start times
// in grid order; every entry's Slot must index into it.
func Build(labels []string, entries []Entry) (*Store, error) {
	s := &Store{
		labels: append([]string(nil), labels...),
		cells:  make(map[cell]*Entry, len(entries)),
		days:   make(map[dayKey][]Entry),
	}
	seen := make(map[cell]struct{}, len(entries))
	for i, e := range entries {
		if !e.Parity.Valid() {
			return nil, fmt.Errorf("%w: #%d parity %d", ErrInvalidEntry, i, e.Parity)
		}
		if !e.Weekday.IsSchoolDay() {
			return nil, fmt.Errorf("%w: #%d weekday %s", ErrInvalidEntry, i, e.Weekday)
		}
		if e.Slot < 0 || e.Slot >= len(labels) {
			return nil, fmt.Errorf("%w: #%d slot %d outside [0,%d)", ErrInvalidEntry, i, e.Slot, len(labels))
		}
		if e.Lesson == nil {
			return nil, fmt.Errorf("%w: #%d has no lesson", ErrInvalidEntry, i)
		}
		k := cell{e.Parity, e.Weekday, e.Slot}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("%w: week %s %s slot %d", ErrDuplicateEntry, e.Parity, e.Weekday, e.Slot)
		}
		seen[k] = struct{}{}
		e.Lesson = normalize(e.Lesson)
		s.days[dayKey{e.Parity, e.Weekday}] = append(s.days[dayKey{e.Parity, e.Weekday}], e)
		s.count++
	}
	for dk, list := range s.days {
		sort.Slice(list, func(i, j int) bool { return list[i].Slot < list[j].Slot })
		for i := range list {
			s.cells[cell{dk.parity, dk.day, list[i].Slot}] = &list[i]
		}
	}
	return s, nil
}

func normalize(in *Lesson) *Lesson {
	out := &Lesson{
		Subject: orUnknown(in.Subject),
		Type:    orUnknown(in.Type),
		Link:    orUnknown(in.Link),
	}
	for _, t := range in.Teachers {
		out.Teachers = append(out.Teachers, Teacher{
			Name:  orUnknown(t.Name),
			Email: orUnknown(t.Email),
			Phone: orUnknown(t.Phone),
		})
	}
	if len(out.Teachers) == 0 {
		out.Teachers = []Teacher{{Name: Unknown, Email: Unknown, Phone: Unknown}}
	}
	return out
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return Unknown
	}
	return s
}

// Len is the number of stored entries.
func (s *Store) Len() int { return s.count }

// Label returns the start time of slot i, or Unknown.
func (s *Store) Label(slot int) string {
	if slot < 0 || slot >= len(s.labels) {
		return Unknown
	}
	return s.labels[slot]
}

func (s *Store) LessonAt(p timewindow.Parity, d timewindow.Weekday, slot int) (*Lesson, bool) {
	e, ok := s.cells[cell{p, d, slot}]
	if !ok {
		return nil, false
	}
	return e.Lesson, true
}

// EntryAt resolves a coordinate. Out-of-range coordinates have no entry.
func (s *Store) EntryAt(c timewindow.Coordinate) (Entry, bool) {
	slot, ok := c.Slot()
	if !ok {
		return Entry{}, false
	}
	e, ok := s.cells[cell{c.Parity, c.Weekday, slot}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// DescribeNow returns the lesson at c and the one in the following slot of
// the same day.
func (s *Store) DescribeNow(c timewindow.Coordinate) (cur Entry, hasCur bool, next Entry, hasNext bool) {
	cur, hasCur = s.EntryAt(c)
	next, hasNext = s.EntryAt(c.Next())
	return cur, hasCur, next, hasNext
}

// LessonsForDay returns the day's entries ordered by slot.
func (s *Store) LessonsForDay(p timewindow.Parity, d timewindow.Weekday) []Entry {
	list := s.days[dayKey{p, d}]
	return append([]Entry(nil), list...)
}

// AllLessons returns every entry of one parity ordered by weekday then slot.
func (s *Store) AllLessons(p timewindow.Parity) []Entry {
	var out []Entry
	for d := timewindow.Monday; d <= timewindow.Friday; d++ {
		out = append(out, s.days[dayKey{p, d}]...)
	}
	return out
}

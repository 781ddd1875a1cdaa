package timetable

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"calenbot/internal/timewindow"
	logx "calenbot/pkg/logx"
)

var testLabels = []string{"08:30", "10:25", "12:20", "14:15", "16:10", "18:05"}

func lesson(subject string) *Lesson {
	return &Lesson{Subject: subject, Type: "Lec", Link: "https://example.org/" + subject,
		Teachers: []Teacher{{Name: "T " + subject}}}
}

func sampleEntries() []Entry {
	return []Entry{
		{Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 2, Lesson: lesson("physics")},
		{Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 0, Lesson: lesson("math")},
		{Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 1, Lesson: lesson("chem")},
		{Parity: timewindow.ParityA, Weekday: timewindow.Wednesday, Slot: 0, Lesson: lesson("art")},
		{Parity: timewindow.ParityB, Weekday: timewindow.Tuesday, Slot: 3, Lesson: lesson("history")},
	}
}

func TestBuildLookups(t *testing.T) {
	t.Parallel()
	st, err := Build(testLabels, sampleEntries())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if st.Len() != 5 {
		t.Fatalf("Len = %d, want 5", st.Len())
	}
	l, ok := st.LessonAt(timewindow.ParityA, timewindow.Monday, 1)
	if !ok || l.Subject != "chem" {
		t.Fatalf("LessonAt = %+v, %v", l, ok)
	}
	if _, ok := st.LessonAt(timewindow.ParityB, timewindow.Monday, 1); ok {
		t.Fatal("parity B monday slot 1 must be empty")
	}

	day := st.LessonsForDay(timewindow.ParityA, timewindow.Monday)
	if len(day) != 3 {
		t.Fatalf("LessonsForDay len = %d", len(day))
	}
	for i, e := range day {
		if e.Slot != i {
			t.Fatalf("LessonsForDay not ordered: %d at %d", e.Slot, i)
		}
	}

	all := st.AllLessons(timewindow.ParityA)
	if len(all) != 4 || all[3].Weekday != timewindow.Wednesday {
		t.Fatalf("AllLessons order wrong: %+v", all)
	}
	if st.Label(1) != "10:25" || st.Label(42) != Unknown {
		t.Fatalf("Label mismatch")
	}
}

func TestBuildRejectsDuplicateCell(t *testing.T) {
	t.Parallel()
	entries := append(sampleEntries(), Entry{
		Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 0, Lesson: lesson("dup"),
	})
	if _, err := Build(testLabels, entries); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("err = %v, want ErrDuplicateEntry", err)
	}
}

func TestBuildRejectsInvalid(t *testing.T) {
	t.Parallel()
	cases := []Entry{
		{Parity: 3, Weekday: timewindow.Monday, Slot: 0, Lesson: lesson("x")},
		{Parity: timewindow.ParityA, Weekday: timewindow.Saturday, Slot: 0, Lesson: lesson("x")},
		{Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 6, Lesson: lesson("x")},
		{Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 0},
	}
	for i, e := range cases {
		if _, err := Build(testLabels, []Entry{e}); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("case %d: err = %v", i, err)
		}
	}
}

func TestMissingFieldsBecomeUnknown(t *testing.T) {
	t.Parallel()
	st, err := Build(testLabels, []Entry{{
		Parity: timewindow.ParityB, Weekday: timewindow.Friday, Slot: 0,
		Lesson: &Lesson{Subject: "bio", Teachers: []Teacher{{Name: "X"}}},
	}, {
		Parity: timewindow.ParityB, Weekday: timewindow.Friday, Slot: 1,
		Lesson: &Lesson{Subject: "geo"},
	}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	l, _ := st.LessonAt(timewindow.ParityB, timewindow.Friday, 0)
	if l.Link != Unknown || l.Type != Unknown || l.Teachers[0].Email != Unknown || l.Teachers[0].Phone != Unknown {
		t.Fatalf("unexpected normalization: %+v", l)
	}
	l, _ = st.LessonAt(timewindow.ParityB, timewindow.Friday, 1)
	if len(l.Teachers) != 1 || l.Teachers[0].Name != Unknown {
		t.Fatalf("missing teacher not marked unknown: %+v", l.Teachers)
	}
}

func TestDescribeNow(t *testing.T) {
	t.Parallel()
	st, _ := Build(testLabels, sampleEntries())
	cur, hasCur, next, hasNext := st.DescribeNow(timewindow.At(1, timewindow.Monday, timewindow.ParityA))
	if !hasCur || cur.Lesson.Subject != "chem" {
		t.Fatalf("cur = %+v", cur)
	}
	if !hasNext || next.Lesson.Subject != "physics" {
		t.Fatalf("next = %+v", next)
	}
	_, hasCur, _, hasNext = st.DescribeNow(timewindow.Coordinate{Weekday: timewindow.Monday, Parity: timewindow.ParityA})
	if hasCur || hasNext {
		t.Fatal("out-of-range coordinate must have no lessons")
	}
}

type fakeSource struct {
	entries []Entry
	err     error
}

func (f *fakeSource) Name() string { return "fake" }
func (f *fakeSource) Load(context.Context) ([]Entry, error) {
	return f.entries, f.err
}

func TestHolderKeepsPreviousOnFailure(t *testing.T) {
	t.Parallel()
	src := &fakeSource{entries: sampleEntries()}
	h := NewHolder(testLabels, src, logx.Nop())
	if h.Current().Len() != 0 {
		t.Fatal("new holder must start empty")
	}
	if err := h.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	first := h.Current()

	src.err = errors.New("boom")
	if err := h.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if h.Current() != first {
		t.Fatal("failed refresh replaced the store")
	}

	src.err = nil
	src.entries = append(sampleEntries(), sampleEntries()[0])
	if err := h.Refresh(context.Background()); !errors.Is(err, ErrDuplicateEntry) {
		t.Fatalf("err = %v", err)
	}
	if h.Current() != first {
		t.Fatal("invalid rebuild replaced the store")
	}
}

func TestYAMLSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "timetable.yaml")
	body := `
teachers:
  iv: {name: "I. Ivanov", email: "iv@example.org"}
lessons:
  - {week: 1, day: "0", slot: "08:30", subject: "Math", type: "Lec", teachers: [iv]}
  - {week: 2, day: "Friday", slot: "10:25", subject: "Art", teachers: [guest]}
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	src := YAMLSource{Path: path, Labels: testLabels, WeekdayNames: []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}}
	entries, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	st, err := Build(testLabels, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	l, ok := st.LessonAt(timewindow.ParityA, timewindow.Monday, 0)
	if !ok || l.Teachers[0].Email != "iv@example.org" {
		t.Fatalf("math = %+v", l)
	}
	l, ok = st.LessonAt(timewindow.ParityB, timewindow.Friday, 1)
	if !ok || l.Teachers[0].Name != "guest" {
		t.Fatalf("art = %+v", l)
	}
}

func TestSQLiteSource(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "schedule.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	stmts := []string{
		`CREATE TABLE lessons (id INTEGER PRIMARY KEY, subject TEXT, type TEXT, link TEXT, teacher_id TEXT)`,
		`CREATE TABLE teachers (id INTEGER PRIMARY KEY, name TEXT, email TEXT, phone TEXT)`,
		`CREATE TABLE schedule (id INTEGER PRIMARY KEY, timestamp TEXT, weekday TEXT, lesson_id INTEGER, week_number INTEGER)`,
		`INSERT INTO teachers (id, name, email, phone) VALUES (1, 'Petrenko', 'p@example.org', NULL), (2, 'Koval', NULL, NULL)`,
		`INSERT INTO lessons (id, subject, type, link, teacher_id) VALUES (1, 'Algebra', 'Lec', NULL, '1,2')`,
		`INSERT INTO schedule (timestamp, weekday, lesson_id, week_number) VALUES ('8:30', 'Tuesday', 1, 2)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("%s: %v", s, err)
		}
	}
	_ = db.Close()

	src := SQLiteSource{Path: path, Labels: testLabels, WeekdayNames: []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"}}
	entries, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	st, err := Build(testLabels, entries)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	l, ok := st.LessonAt(timewindow.ParityB, timewindow.Tuesday, 0)
	if !ok {
		t.Fatal("lesson missing")
	}
	if l.Link != Unknown || len(l.Teachers) != 2 || l.Teachers[1].Email != Unknown {
		t.Fatalf("lesson = %+v", l)
	}

	if _, err := (SQLiteSource{Path: filepath.Join(t.TempDir(), "missing.db")}).Load(context.Background()); err == nil {
		t.Fatal("missing database must fail")
	}
}

package timetable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"calenbot/internal/timewindow"

	_ "modernc.org/sqlite"
)

// SQLiteSource reads the database produced by the timetable scraper.
//
// Expected tables:
//
//	lessons(id, subject, type, link, teacher_id)   teacher_id is a comma separated id list
//	teachers(id, name, email, phone)
//	schedule(timestamp, weekday, lesson_id, week_number)
//
// schedule.timestamp is a slot label ("08:30"); schedule.weekday is either a
// 0-based index (Mon=0) or one of WeekdayNames.
type SQLiteSource struct {
	Path         string
	Labels       []string
	WeekdayNames []string
}

func (s SQLiteSource) Name() string { return "sqlite:" + s.Path }

func (s SQLiteSource) Load(ctx context.Context) ([]Entry, error) {
	if strings.TrimSpace(s.Path) == "" {
		return nil, errors.New("timetable sqlite path is required")
	}
	// sql.Open would create an empty database; a missing file is an error here.
	if _, err := os.Stat(s.Path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", s.Path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	teachers, err := loadTeachers(ctx, db)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT s.week_number, s.weekday, s.timestamp,
		       COALESCE(l.subject, ''), COALESCE(l.type, ''), COALESCE(l.link, ''),
		       COALESCE(CAST(l.teacher_id AS TEXT), '')
		FROM schedule s
		JOIN lessons l ON l.id = s.lesson_id
		ORDER BY s.week_number, s.id`)
	if err != nil {
		return nil, fmt.Errorf("query schedule: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			week                        int
			weekday, label              string
			subject, typ, link, teachID string
		)
		if err := rows.Scan(&week, &weekday, &label, &subject, &typ, &link, &teachID); err != nil {
			return nil, err
		}
		day, err := parseWeekday(weekday, s.WeekdayNames)
		if err != nil {
			return nil, err
		}
		slot, err := slotIndex(label, s.Labels)
		if err != nil {
			return nil, err
		}
		l := &Lesson{Subject: subject, Type: typ, Link: link}
		for _, id := range splitIDs(teachID) {
			// unknown ids become an all-Unknown teacher in Build
			l.Teachers = append(l.Teachers, teachers[id])
		}
		out = append(out, Entry{Parity: timewindow.Parity(week), Weekday: day, Slot: slot, Lesson: l})
	}
	return out, rows.Err()
}

func loadTeachers(ctx context.Context, db *sql.DB) (map[int64]Teacher, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, COALESCE(name, ''), COALESCE(email, ''), COALESCE(phone, '') FROM teachers`)
	if err != nil {
		return nil, fmt.Errorf("query teachers: %w", err)
	}
	defer rows.Close()
	out := map[int64]Teacher{}
	for rows.Next() {
		var id int64
		var t Teacher
		if err := rows.Scan(&id, &t.Name, &t.Email, &t.Phone); err != nil {
			return nil, err
		}
		out[id] = t
	}
	return out, rows.Err()
}

func splitIDs(s string) []int64 {
	var out []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}

func parseWeekday(raw string, names []string) (timewindow.Weekday, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return timewindow.Weekday(n), nil
	}
	for i, name := range names {
		if strings.EqualFold(name, raw) {
			return timewindow.Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidEntry, raw)
}

func slotIndex(label string, labels []string) (int, error) {
	label = strings.TrimSpace(label)
	for i, l := range labels {
		if l == label {
			return i, nil
		}
	}
	// Accept "8:30" for "08:30".
	if d, err := timewindow.ParseClock(label); err == nil {
		want := timewindow.FormatClock(d)
		for i, l := range labels {
			if l == want {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("%w: unknown slot %q", ErrInvalidEntry, label)
}

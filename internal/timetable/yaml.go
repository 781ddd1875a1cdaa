package timetable

import (
	"context"
	"fmt"
	"os"

	"calenbot/internal/timewindow"

	"go.yaml.in/yaml/v3"
)

// YAMLSource reads a hand-maintained timetable:
//
//	teachers:
//	  ivanov: {name: "I. Ivanov", email: "...", phone: "..."}
//	lessons:
//	  - {week: 1, day: 0, slot: "08:30", subject: "Math", type: "Lec", teachers: [ivanov]}
type YAMLSource struct {
	Path         string
	Labels       []string
	WeekdayNames []string
}

type yamlFile struct {
	Teachers map[string]yamlTeacher `yaml:"teachers"`
	Lessons  []yamlLesson           `yaml:"lessons"`
}

type yamlTeacher struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	Phone string `yaml:"phone"`
}

type yamlLesson struct {
	Week     int      `yaml:"week"`
	Day      string   `yaml:"day"`
	Slot     string   `yaml:"slot"`
	Subject  string   `yaml:"subject"`
	Type     string   `yaml:"type"`
	Link     string   `yaml:"link"`
	Teachers []string `yaml:"teachers"`
}

func (s YAMLSource) Name() string { return "yaml:" + s.Path }

func (s YAMLSource) Load(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return parseYAML(b, s.Labels, s.WeekdayNames)
}

func parseYAML(b []byte, labels, names []string) ([]Entry, error) {
	var f yamlFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse timetable yaml: %w", err)
	}
	out := make([]Entry, 0, len(f.Lessons))
	for i, yl := range f.Lessons {
		day, err := parseWeekday(yl.Day, names)
		if err != nil {
			return nil, fmt.Errorf("lesson #%d: %w", i, err)
		}
		slot, err := slotIndex(yl.Slot, labels)
		if err != nil {
			return nil, fmt.Errorf("lesson #%d: %w", i, err)
		}
		l := &Lesson{Subject: yl.Subject, Type: yl.Type, Link: yl.Link}
		for _, ref := range yl.Teachers {
			t, ok := f.Teachers[ref]
			if !ok {
				// Unlisted refs are used as the display name.
				t = yamlTeacher{Name: ref}
			}
			l.Teachers = append(l.Teachers, Teacher(t))
		}
		out = append(out, Entry{Parity: timewindow.Parity(yl.Week), Weekday: day, Slot: slot, Lesson: l})
	}
	return out, nil
}

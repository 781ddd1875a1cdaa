package timewindow

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Weekday counts from Monday=0 to Sunday=6.
type Weekday int

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

// SchoolDays is the number of weekdays that carry lessons (Mon..Fri).
const SchoolDays = 5

func WeekdayOf(t time.Time) Weekday {
	return Weekday((int(t.Weekday()) + 6) % 7)
}

func (d Weekday) IsSchoolDay() bool { return d >= Monday && d <= Friday }

func (d Weekday) String() string {
	switch d {
	case Monday:
		return "mon"
	case Tuesday:
		return "tue"
	case Wednesday:
		return "wed"
	case Thursday:
		return "thu"
	case Friday:
		return "fri"
	case Saturday:
		return "sat"
	case Sunday:
		return "sun"
	}
	return "day(" + strconv.Itoa(int(d)) + ")"
}

// Parity selects one of the two alternating weekly timetables.
// Its numeric value is the stored week number.
type Parity int

const (
	ParityA Parity = 1
	ParityB Parity = 2
)

// Parities lists both parities in display order.
var Parities = [2]Parity{ParityA, ParityB}

// ParityOf is the only place week parity is derived:
// odd ISO week => ParityA, even ISO week => ParityB.
func ParityOf(t time.Time) Parity {
	_, week := t.ISOWeek()
	if week%2 == 1 {
		return ParityA
	}
	return ParityB
}

func (p Parity) Valid() bool { return p == ParityA || p == ParityB }

func (p Parity) String() string {
	switch p {
	case ParityA:
		return "A"
	case ParityB:
		return "B"
	}
	return "parity(" + strconv.Itoa(int(p)) + ")"
}

// ParseClock parses "H:MM" / "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	if d > 24*time.Hour {
		return 0, fmt.Errorf("time %q is past midnight", s)
	}
	return d, nil
}

// FormatClock renders an offset from midnight as HH:MM.
func FormatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// ParseUTCOffset parses "+03:00", "-5:30", "+2" or "" (UTC) into a fixed zone.
func ParseUTCOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || strings.EqualFold(s, "utc") {
		return time.UTC, nil
	}
	sign := 1
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		sign = -1
		s = s[1:]
	}
	hh, mm, hasMin := strings.Cut(s, ":")
	h, err := offsetField(hh)
	if err != nil || h > 14 {
		return nil, fmt.Errorf("invalid utc offset hours %q", hh)
	}
	m := 0
	if hasMin {
		m, err = offsetField(mm)
		if err != nil || m > 59 {
			return nil, fmt.Errorf("invalid utc offset minutes %q", mm)
		}
	}
	secs := sign * (h*3600 + m*60)
	return time.FixedZone(offsetName(secs), secs), nil
}

// offsetField parses one to two bare digits; signs are rejected.
func offsetField(s string) (int, error) {
	if s == "" || len(s) > 2 {
		return 0, fmt.Errorf("bad field %q", s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("bad field %q", s)
		}
	}
	return strconv.Atoi(s)
}

// offsetName renders secs as UTC+HH:MM, keeping the sign of sub-hour
// offsets.
func offsetName(secs int) string {
	sign := '+'
	if secs < 0 {
		sign, secs = '-', -secs
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, secs/3600, secs%3600/60)
}

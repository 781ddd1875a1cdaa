// Package render turns timetable lookups into chat messages.
//
// Every user-visible string lives in Texts. New fills blanks from Defaults
// and parses the few strings that take parameters, so a bad template fails
// at startup instead of on the first reminder.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"calenbot/internal/timewindow"
)

var ErrTemplate = errors.New("render: invalid template")

// Texts enumerates every string the bot sends. Fields marked "template" are
// text/template sources; the rest are used verbatim.
type Texts struct {
	Weekdays []string `json:"weekdays,omitempty"` // Monday..Friday

	Week    string `json:"week,omitempty"`
	Teacher string `json:"teacher,omitempty"`
	Link    string `json:"link,omitempty"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`

	NoLesson string `json:"no_lesson,omitempty"`
	NoDay    string `json:"no_day,omitempty"`
	NoWeek   string `json:"no_week,omitempty"`

	NowHeader      string `json:"now_header,omitempty"`
	ReminderHeader string `json:"reminder_header,omitempty"` // template: {{.Lead}}
	NextHeader     string `json:"next_header,omitempty"`

	NoAuth         string `json:"no_auth,omitempty"`
	RateLimited    string `json:"rate_limited,omitempty"`
	UnknownCommand string `json:"unknown_command,omitempty"`

	DeafMode       string `json:"deaf_mode,omitempty"`       // template: {{.State}}
	VerboseMode    string `json:"verbose_mode,omitempty"`    // template: {{.State}}
	AutodeleteMode string `json:"autodelete_mode,omitempty"` // template: {{.State}}
	StateOn        string `json:"state_on,omitempty"`
	StateOff       string `json:"state_off,omitempty"`

	Welcome          string `json:"welcome,omitempty"`
	GroupEnabled     string `json:"group_enabled,omitempty"`
	GroupDisabled    string `json:"group_disabled,omitempty"`
	SchedulerStarted string `json:"scheduler_started,omitempty"`
	SchedulerStopped string `json:"scheduler_stopped,omitempty"`
}

// Defaults returns the built-in English texts.
func Defaults() Texts {
	return Texts{
		Weekdays: []string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday"},

		Week:    "Week",
		Teacher: "Teacher",
		Link:    "Link",
		Email:   "Email",
		Phone:   "Phone",

		NoLesson: "No lesson right now",
		NoDay:    "No lessons today",
		NoWeek:   "No lessons this week",

		NowHeader:      "Lesson now:\n",
		ReminderHeader: "*Heads up, starting in {{.Lead}}:*\n",
		NextHeader:     "\n*Next lesson:*\n",

		NoAuth:         "This chat is not authorized to use the bot.",
		RateLimited:    "Too many requests, try again later.",
		UnknownCommand: "Sorry, I don't know that command.",

		DeafMode:       "Deaf mode {{.State}}",
		VerboseMode:    "Verbose mode {{.State}}",
		AutodeleteMode: "Autodelete {{.State}}",
		StateOn:        "on",
		StateOff:       "off",

		Welcome:          "Hi! Use /now, /today, /week or /all to see the timetable.",
		GroupEnabled:     "Group enabled.",
		GroupDisabled:    "Group disabled.",
		SchedulerStarted: "Reminders started.",
		SchedulerStopped: "Reminders stopped.",
	}
}

// Templates is the validated, ready-to-use form of Texts.
type Templates struct {
	t Texts

	reminder   *template.Template
	deaf       *template.Template
	verbose    *template.Template
	autodelete *template.Template
}

// New fills empty fields from Defaults and parses the parameterized ones.
func New(t Texts) (*Templates, error) {
	t = withDefaults(t)
	if len(t.Weekdays) != timewindow.SchoolDays {
		return nil, fmt.Errorf("%w: weekdays needs %d names, got %d", ErrTemplate, timewindow.SchoolDays, len(t.Weekdays))
	}
	out := &Templates{t: t}
	var err error
	if out.reminder, err = parse("reminder_header", t.ReminderHeader, leadData{Lead: "5m"}); err != nil {
		return nil, err
	}
	if out.deaf, err = parse("deaf_mode", t.DeafMode, stateData{State: t.StateOn}); err != nil {
		return nil, err
	}
	if out.verbose, err = parse("verbose_mode", t.VerboseMode, stateData{State: t.StateOn}); err != nil {
		return nil, err
	}
	if out.autodelete, err = parse("autodelete_mode", t.AutodeleteMode, stateData{State: t.StateOn}); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate reports whether t would be accepted by New.
func (t Texts) Validate() error {
	_, err := New(t)
	return err
}

// MustDefault returns the default templates. It panics only if Defaults is broken.
func MustDefault() *Templates {
	out, err := New(Texts{})
	if err != nil {
		panic(err)
	}
	return out
}

type leadData struct{ Lead string }
type stateData struct{ State string }

// parse compiles src and executes it once against sample data so that
// references to unknown fields fail here.
func parse(name, src string, sample any) (*template.Template, error) {
	tpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplate, name, err)
	}
	if err := tpl.Execute(&bytes.Buffer{}, sample); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplate, name, err)
	}
	return tpl, nil
}

func withDefaults(t Texts) Texts {
	d := Defaults()
	if len(t.Weekdays) == 0 {
		t.Weekdays = d.Weekdays
	}
	fill := func(dst *string, def string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = def
		}
	}
	fill(&t.Week, d.Week)
	fill(&t.Teacher, d.Teacher)
	fill(&t.Link, d.Link)
	fill(&t.Email, d.Email)
	fill(&t.Phone, d.Phone)
	fill(&t.NoLesson, d.NoLesson)
	fill(&t.NoDay, d.NoDay)
	fill(&t.NoWeek, d.NoWeek)
	fill(&t.NowHeader, d.NowHeader)
	fill(&t.ReminderHeader, d.ReminderHeader)
	fill(&t.NextHeader, d.NextHeader)
	fill(&t.NoAuth, d.NoAuth)
	fill(&t.RateLimited, d.RateLimited)
	fill(&t.UnknownCommand, d.UnknownCommand)
	fill(&t.DeafMode, d.DeafMode)
	fill(&t.VerboseMode, d.VerboseMode)
	fill(&t.AutodeleteMode, d.AutodeleteMode)
	fill(&t.StateOn, d.StateOn)
	fill(&t.StateOff, d.StateOff)
	fill(&t.Welcome, d.Welcome)
	fill(&t.GroupEnabled, d.GroupEnabled)
	fill(&t.GroupDisabled, d.GroupDisabled)
	fill(&t.SchedulerStarted, d.SchedulerStarted)
	fill(&t.SchedulerStopped, d.SchedulerStopped)
	return t
}

// Texts returns the effective texts, defaults included.
func (t *Templates) Texts() Texts { return t.t }

func (t *Templates) NoAuth() string         { return t.t.NoAuth }
func (t *Templates) RateLimited() string    { return t.t.RateLimited }
func (t *Templates) UnknownCommand() string { return t.t.UnknownCommand }
func (t *Templates) Welcome() string        { return t.t.Welcome }
func (t *Templates) GroupEnabled() string   { return t.t.GroupEnabled }
func (t *Templates) GroupDisabled() string  { return t.t.GroupDisabled }

func (t *Templates) SchedulerStarted() string { return t.t.SchedulerStarted }
func (t *Templates) SchedulerStopped() string { return t.t.SchedulerStopped }

func (t *Templates) DeafMode(on bool) string       { return t.state(t.deaf, on) }
func (t *Templates) VerboseMode(on bool) string    { return t.state(t.verbose, on) }
func (t *Templates) AutodeleteMode(on bool) string { return t.state(t.autodelete, on) }

func (t *Templates) state(tpl *template.Template, on bool) string {
	s := t.t.StateOff
	if on {
		s = t.t.StateOn
	}
	return execute(tpl, stateData{State: s})
}

func (t *Templates) reminderHeader(lead time.Duration) string {
	return execute(t.reminder, leadData{Lead: formatLead(lead)})
}

// formatLead prints whole minutes as "5m" and anything else as a Go duration.
func formatLead(d time.Duration) string {
	if d > 0 && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}

// execute cannot fail for templates that passed parse.
func execute(tpl *template.Template, data any) string {
	var b bytes.Buffer
	if err := tpl.Execute(&b, data); err != nil {
		return ""
	}
	return b.String()
}

func (t *Templates) weekday(d timewindow.Weekday) string {
	if d.IsSchoolDay() {
		return t.t.Weekdays[d]
	}
	return d.String()
}

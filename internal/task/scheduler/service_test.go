package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "calenbot/pkg/logx"

	"github.com/robfig/cron/v3"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every", raw: "every:1h", kind: SpecInterval, source: "duration", duration: time.Hour},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:", "00:00", "-5m", "01:75"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
}

func TestSpreadScheduleFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "x")
	if jitter < 0 || jitter >= time.Minute {
		t.Fatalf("jitter = %v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Minute + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	if next := sched.Next(first); next.Sub(first) != time.Minute {
		t.Fatalf("after first run interval = %v", next.Sub(first))
	}
}

func TestAddScheduleUpsertAndUnschedule(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }

	if err := s.AddSchedule("sweep", "10m", 0, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	if err := s.AddSchedule("sweep", "*/5 * * * *", 0, job); err != nil {
		t.Fatalf("AddSchedule replace: %v", err)
	}
	if err := s.AddSchedule("refresh", "@every 1h", time.Second, job); err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Name != "refresh" || snap[1].Spec != "*/5 * * * *" {
		t.Fatalf("Snapshot = %+v", snap)
	}
	if len(s.c.Entries()) != 2 {
		t.Fatalf("cron entries = %d, want 2", len(s.c.Entries()))
	}
	if !s.Unschedule("sweep") || s.Unschedule("sweep") {
		t.Fatal("Unschedule must remove exactly once")
	}
	if err := s.AddSchedule("", "10m", 0, job); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.AddSchedule("bad", "nonsense", 0, job); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestRunCountsFailuresAndHonoursStop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	var calls atomic.Int32
	d := &scheduleDef{name: "j", timeout: time.Second, job: func(ctx context.Context) error {
		calls.Add(1)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job context has no deadline")
		}
		return errors.New("boom")
	}}
	s.run(d)
	if d.runs.Load() != 1 || d.fails.Load() != 1 {
		t.Fatalf("runs=%d fails=%d", d.runs.Load(), d.fails.Load())
	}
	s.Stop(context.Background())
	s.run(d)
	if calls.Load() != 1 {
		t.Fatal("job ran after Stop")
	}
}

func TestRawScheduleRemove(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	id := s.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {}))
	if s.Entry(id).ID != id {
		t.Fatal("entry not registered")
	}
	s.Remove(id)
	s.Remove(id)
	if s.Entry(id).Valid() {
		t.Fatal("entry still registered after Remove")
	}
}

package bot

import (
	"sync"
	"testing"
	"time"

	"calenbot/internal/writequeue"
	logx "calenbot/pkg/logx"
)

// stallWriter holds the first Enqueue until release is closed and records
// payloads in call order.
type stallWriter struct {
	entered chan struct{}
	release chan struct{}

	mu  sync.Mutex
	n   int
	ops []map[string]any
}

func (w *stallWriter) Enqueue(_ string, payload any, _ writequeue.Mode) writequeue.Key {
	w.mu.Lock()
	w.n++
	first := w.n == 1
	w.mu.Unlock()
	if first {
		close(w.entered)
		<-w.release
	}
	w.mu.Lock()
	w.ops = append(w.ops, payload.(map[string]any))
	w.mu.Unlock()
	return writequeue.Key{}
}

func TestSettingsQueueOrderMatchesMemory(t *testing.T) {
	t.Parallel()
	on, off := true, false
	tests := []struct {
		name   string
		first  func(*Session)
		second func(*Session)
		check  func(t *testing.T, s Settings, last map[string]any)
	}{
		{
			name:   "toggle",
			first:  func(s *Session) { s.ToggleVerbose(&on) },
			second: func(s *Session) { s.ToggleVerbose(&off) },
			check: func(t *testing.T, s Settings, last map[string]any) {
				if last["verbose"] != s.Verbose || s.Verbose {
					t.Fatalf("memory verbose=%v, last queued %v", s.Verbose, last)
				}
			},
		},
		{
			name:   "scheduler",
			first:  func(s *Session) { s.SetScheduler(true, groupChat, 3) },
			second: func(s *Session) { s.SetScheduler(false, 0, 0) },
			check: func(t *testing.T, s Settings, last map[string]any) {
				if last["scheduler"] != s.Scheduler || s.Scheduler {
					t.Fatalf("memory scheduler=%v, last queued %v", s.Scheduler, last)
				}
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := &stallWriter{entered: make(chan struct{}), release: make(chan struct{})}
			sess := NewSession(w, logx.Nop())

			var wg sync.WaitGroup
			wg.Add(2)
			go func() { defer wg.Done(); tt.first(sess) }()
			<-w.entered
			go func() { defer wg.Done(); tt.second(sess) }()
			time.Sleep(20 * time.Millisecond)
			close(w.release)
			wg.Wait()

			if len(w.ops) != 2 {
				t.Fatalf("ops = %v", w.ops)
			}
			tt.check(t, sess.Snapshot(), w.ops[1])
		})
	}
}

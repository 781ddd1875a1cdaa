package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "calenbot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestReadyStoppingStatus(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := New(logx.Nop())
	n.notify = rec.notify

	n.Ready()
	n.Status("serving")
	n.Stopping()

	want := []string{daemon.SdNotifyReady, "STATUS=serving", daemon.SdNotifyStopping}
	if len(rec.states) != len(want) {
		t.Fatalf("states = %v", rec.states)
	}
	for i := range want {
		if rec.states[i] != want[i] {
			t.Fatalf("states[%d] = %q, want %q", i, rec.states[i], want[i])
		}
	}
}

func TestNotifyErrorIsSwallowed(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop())
	n.notify = func(bool, string) (bool, error) { return false, errors.New("socket gone") }
	if n.send(daemon.SdNotifyReady) {
		t.Fatal("send reported success on error")
	}
}

func TestWatchdog(t *testing.T) {
	t.Parallel()

	t.Run("disabled returns immediately", func(t *testing.T) {
		t.Parallel()
		n := New(logx.Nop())
		n.watchdog = func(bool) (time.Duration, error) { return 0, nil }
		if err := n.Watchdog(context.Background(), nil); err != nil {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("pings while healthy", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		n := New(logx.Nop())
		n.notify = rec.notify
		n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
		defer cancel()
		if err := n.Watchdog(ctx, func() bool { return true }); err != nil {
			t.Fatalf("err = %v", err)
		}
		if rec.count(daemon.SdNotifyWatchdog) < 2 {
			t.Fatalf("too few pings: %v", rec.states)
		}
	})

	t.Run("unhealthy skips pings", func(t *testing.T) {
		t.Parallel()
		rec := &recorder{}
		n := New(logx.Nop())
		n.notify = rec.notify
		n.watchdog = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

		ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
		defer cancel()
		_ = n.Watchdog(ctx, func() bool { return false })
		if got := rec.count(daemon.SdNotifyWatchdog); got != 0 {
			t.Fatalf("pings = %d, want 0", got)
		}
	})
}

// Package supervisor runs the bot's long-lived goroutines under one
// cancellable context with panic recovery, restart backoff and
// per-name statistics for the debug endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "calenbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg       sync.WaitGroup
	active   atomic.Int64
	started  atomic.Uint64
	firstErr atomic.Pointer[error]
	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	stats map[string]*taskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first task failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		stats:  map[string]*taskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel stops the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded task failure.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) fail(err error) {
	if err == nil {
		return
	}
	s.firstErr.CompareAndSwap(nil, &err)
	if s.cancelOnErr {
		s.cancel()
	}
}

// Go runs fn once. A panic or a non-cancellation error is recorded.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		began := s.begin(name, false)
		err := s.call(name, fn)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			s.fail(err)
		}
		s.end(name, began, err)
	})
}

// Go0 is Go for functions without an error result.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// call runs fn and converts a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name, r)
			s.log.Error("task panicked",
				logx.String("task", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

type restartPolicy struct {
	min, max    time.Duration
	maxRestarts int
	restartNil  bool
	publish     bool
}

type RestartOption func(*restartPolicy)

// WithBackoff sets the delay bounds between restarts.
func WithBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts; the failure that exhausts the
// budget is recorded as the supervisor error. Zero means unlimited.
func WithMaxRestarts(n int) RestartOption {
	return func(p *restartPolicy) { p.maxRestarts = n }
}

// WithRestartOnExit restarts fn even when it returns nil.
func WithRestartOnExit() RestartOption {
	return func(p *restartPolicy) { p.restartNil = true }
}

// WithPublishErrors records every failure in Err while still restarting.
func WithPublishErrors() RestartOption {
	return func(p *restartPolicy) { p.publish = true }
}

// GoRestart runs fn until the context ends, restarting it with jittered
// exponential backoff after an error or panic.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&pol)
	}
	if pol.max < pol.min {
		pol.max = pol.min
	}

	s.spawn(func() {
		delay := pol.min
		for restarts := 0; ; restarts++ {
			if s.ctx.Err() != nil {
				return
			}
			began := s.begin(name, restarts > 0)
			err := s.call(name, fn)

			// Failures during shutdown are not failures.
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.end(name, began, nil)
				return
			}
			if err == nil {
				if !pol.restartNil {
					s.end(name, began, nil)
					return
				}
				err = errors.New("exited")
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.end(name, began, err)
			if pol.publish {
				s.fail(err)
			}

			if pol.maxRestarts > 0 && restarts >= pol.maxRestarts {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				s.fail(err)
				return
			}
			// A long healthy run earns a fresh backoff.
			if time.Since(began) >= 30*time.Second {
				delay = pol.min
			}
			wait := delay + jitter(delay)
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))

			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay = min(delay*2, pol.max)
		}
	})
}

// jitter returns up to 20% of d.
func jitter(d time.Duration) time.Duration {
	if d < 5 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d / 5)))
}

// Stop cancels the context and waits for all tasks.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

type taskStats struct {
	active    int64
	runs      uint64
	restarts  uint64
	panics    uint64
	lastStart time.Time
	lastStop  time.Time
	lastErr   string
	lastPanic string
	total     time.Duration
}

// TaskStats aggregates every run of one task name.
type TaskStats struct {
	Name      string        `json:"name"`
	Active    int64         `json:"active"`
	Runs      uint64        `json:"runs"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	LastStart time.Time     `json:"last_start"`
	LastStop  time.Time     `json:"last_stop"`
	LastErr   string        `json:"last_err,omitempty"`
	LastPanic string        `json:"last_panic,omitempty"`
	Runtime   time.Duration `json:"runtime"`
}

type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

func (s *Supervisor) stat(name string) *taskStats {
	st := s.stats[name]
	if st == nil {
		st = &taskStats{}
		s.stats[name] = st
	}
	return st
}

func (s *Supervisor) begin(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.active++
	st.runs++
	if restart {
		st.restarts++
	}
	st.lastStart = now
	s.mu.Unlock()
	s.log.Debug("task started", logx.String("task", name))
	return now
}

func (s *Supervisor) end(name string, began time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	st := s.stat(name)
	st.active--
	st.lastStop = now
	st.total += now.Sub(began)
	if err != nil {
		st.lastErr = err.Error()
	}
	s.mu.Unlock()
	s.log.Debug("task stopped", logx.String("task", name))
}

func (s *Supervisor) notePanic(name string, p any) {
	s.mu.Lock()
	st := s.stat(name)
	st.panics++
	st.lastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}

// Snapshot reports task statistics, running tasks first.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for name, st := range s.stats {
		snap.Tasks = append(snap.Tasks, TaskStats{
			Name:      name,
			Active:    st.active,
			Runs:      st.runs,
			Restarts:  st.restarts,
			Panics:    st.panics,
			LastStart: st.lastStart,
			LastStop:  st.lastStop,
			LastErr:   st.lastErr,
			LastPanic: st.lastPanic,
			Runtime:   st.total,
		})
	}
	s.mu.Unlock()
	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		return a.Name < b.Name
	})
	return snap
}

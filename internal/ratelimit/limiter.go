// Package ratelimit implements sliding-window admission control.
//
// Each scope keeps the timestamps admitted within the trailing window, in
// order. A check trims the expired prefix, then either rejects (window full)
// or records now.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Policy chooses how callers map onto scopes.
type Policy string

const (
	// PolicyGlobal shares one window between all callers.
	PolicyGlobal  Policy = "global"
	PolicyPerUser Policy = "per_user"
)

// GlobalScope is the scope used under PolicyGlobal.
const GlobalScope = "global"

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyPerUser:
		return PolicyPerUser, nil
	case PolicyGlobal:
		return PolicyGlobal, nil
	}
	return "", fmt.Errorf("unknown rate limit policy %q", s)
}

type Config struct {
	Policy      Policy
	Window      time.Duration
	MaxRequests int
}

type window struct {
	mu  sync.Mutex
	ts  []time.Time
	hit time.Time // last check, for Sweep
	// dead is set by Sweep once the window left the map.
	dead bool
}

// Limiter is safe for concurrent use. Each scope has its own mutex, so a
// busy scope never blocks admission checks for another one.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	scopes map[string]*window
}

type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit window must be > 0")
	}
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("rate limit max_requests must be > 0")
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyPerUser
	}
	l := &Limiter{cfg: cfg, now: time.Now, scopes: map[string]*window{}}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

func (l *Limiter) Policy() Policy { return l.cfg.Policy }

// ScopeFor maps a caller to its scope under the configured policy.
func (l *Limiter) ScopeFor(userID int64) string {
	if l.cfg.Policy == PolicyGlobal {
		return GlobalScope
	}
	return "user:" + strconv.FormatInt(userID, 10)
}

// AdmitUser is Admit(ScopeFor(userID)).
func (l *Limiter) AdmitUser(userID int64) bool { return l.Admit(l.ScopeFor(userID)) }

// Admit records one request for scope and reports whether it is allowed.
// Rejected requests are not recorded. A timestamp expires once it is
// strictly older than now minus the window.
func (l *Limiter) Admit(scope string) bool {
	for {
		w := l.window(scope)
		now := l.now()

		w.mu.Lock()
		if w.dead {
			// Swept between lookup and lock; retry on the live window.
			w.mu.Unlock()
			continue
		}
		ok := l.admitLocked(w, now)
		w.mu.Unlock()
		return ok
	}
}

func (l *Limiter) admitLocked(w *window, now time.Time) bool {
	w.hit = now
	cut := 0
	for cut < len(w.ts) && now.Sub(w.ts[cut]) > l.cfg.Window {
		cut++
	}
	if cut > 0 {
		w.ts = append(w.ts[:0], w.ts[cut:]...)
	}
	if len(w.ts) >= l.cfg.MaxRequests {
		return false
	}
	w.ts = append(w.ts, now)
	return true
}

func (l *Limiter) window(scope string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.scopes[scope]
	if !ok {
		w = &window{}
		l.scopes[scope] = w
	}
	return w
}

// Sweep forgets scopes whose newest timestamp left the window. It returns
// the number of scopes dropped.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.scopes {
		w.mu.Lock()
		idle := now.Sub(w.hit) > l.cfg.Window &&
			(len(w.ts) == 0 || now.Sub(w.ts[len(w.ts)-1]) > l.cfg.Window)
		if idle {
			w.dead = true
			delete(l.scopes, k)
			n++
		}
		w.mu.Unlock()
	}
	return n
}

// Scopes returns the number of tracked scopes.
func (l *Limiter) Scopes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.scopes)
}

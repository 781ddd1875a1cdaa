// Package router turns inbound chat messages into command requests and runs
// them on a bounded worker pool.
//
// Routing is flat: "/name arg..." or "/name@bot arg..." selects the command
// registered under name or one of its aliases. Access decisions are left to
// the handlers; Role only drives the scoped command menus.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	kit "calenbot/internal/transport"
	"calenbot/internal/runtime/supervisor"
	logx "calenbot/pkg/logx"

	"github.com/google/uuid"
)

// Role is the minimum audience a command is meant for.
type Role int

const (
	RoleMember Role = iota
	RoleAdmin
	RoleOperator
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOperator:
		return "operator"
	default:
		return "member"
	}
}

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Role        Role
	Timeout     time.Duration // 0 uses the manager default
	Handle      HandlerFunc
}

type Request struct {
	ReqID   string
	Message *kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Role    Role
	Args    []string
	Logger  logx.Logger
}

const defaultTimeout = 30 * time.Second

type Manager struct {
	log     logx.Logger
	workers int
	timeout time.Duration

	mu       sync.RWMutex
	byName   map[string]*Command
	list     []Command
	unknown  HandlerFunc
	username string

	runMu sync.Mutex
	sup   *supervisor.Supervisor
	jobs  chan func()
}

type Option func(*Manager)

// WithWorkers sets the worker pool size. Values below 1 use NumCPU (min 2).
func WithWorkers(n int) Option { return func(m *Manager) { m.workers = n } }

// WithQueueSize bounds pending requests; overflow is dropped and logged.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.jobs = make(chan func(), n)
		}
	}
}

// WithTimeout sets the default per-command deadline.
func WithTimeout(d time.Duration) Option { return func(m *Manager) { m.timeout = d } }

func NewManager(log logx.Logger, opts ...Option) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		log:     log.With(logx.String("comp", "router")),
		timeout: defaultTimeout,
		byName:  map[string]*Command{},
		jobs:    make(chan func(), 256),
	}
	for _, o := range opts {
		o(m)
	}
	if m.workers < 1 {
		m.workers = max(runtime.NumCPU(), 2)
	}
	return m
}

// SetUsername sets the bot's own username. Commands addressed to another
// bot ("/now@other_bot") are then ignored.
func (m *Manager) SetUsername(name string) {
	m.mu.Lock()
	m.username = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "@"))
	m.mu.Unlock()
}

// SetCommands installs the command table. unknown, if non-nil, handles
// every unmatched "/word".
func (m *Manager) SetCommands(cmds []Command, unknown HandlerFunc) {
	byName := map[string]*Command{}
	list := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		list = append(list, c)
		cc := &list[len(list)-1]
		byName[name] = cc
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = cc
				}
			}
		}
	}
	// Aliases must not shadow a canonical name registered later.
	for i := range list {
		byName[list[i].Name] = &list[i]
	}

	m.mu.Lock()
	m.byName = byName
	m.list = list
	m.unknown = unknown
	m.mu.Unlock()
	m.log.Debug("commands installed", logx.Int("count", len(list)))
}

// Commands returns the installed commands ordered by name.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	out := append([]Command(nil), m.list...)
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot exposes the worker pool state for the debug endpoint.
func (m *Manager) Snapshot() supervisor.Snapshot {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.sup.Snapshot()
}

func (m *Manager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes updates until ctx ends or updates is closed, then
// lets the workers finish queued requests for a short grace period.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.runMu.Lock()
	m.sup = sup
	m.runMu.Unlock()

	jobs := m.jobs
	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("router.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					m.runJob(idx, job)
				}
			}
		}, supervisor.WithBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.log.Info("dispatcher started", logx.Int("workers", m.workers), logx.Int("queue", cap(jobs)))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				m.Route(ctx, up.Message)
			}
		}
	}
}

func (m *Manager) runJob(worker int, job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// Parse splits a command message into its lowercase command word, the bot
// it is addressed to (may be empty) and the arguments. ok is false for
// messages that are not commands.
func Parse(text string) (word, bot string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", nil, false
	}
	parts := strings.Fields(text)
	word = strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word, bot = word[:i], strings.ToLower(word[i+1:])
	}
	if word == "" {
		return "", "", nil, false
	}
	return strings.ToLower(word), bot, parts[1:], true
}

// Route resolves msg to a handler and enqueues it. Non-command messages
// are ignored.
func (m *Manager) Route(ctx context.Context, msg *kit.Message) {
	word, bot, args, ok := Parse(msg.Text)
	if !ok {
		return
	}

	m.mu.RLock()
	me := m.username
	cmd := m.byName[word]
	unknown := m.unknown
	m.mu.RUnlock()

	if bot != "" && me != "" && bot != me {
		return
	}

	var (
		h       HandlerFunc
		name    = word
		role    = RoleMember
		timeout = m.timeout
	)
	switch {
	case cmd != nil:
		h, name, role = cmd.Handle, cmd.Name, cmd.Role
		if cmd.Timeout > 0 {
			timeout = cmd.Timeout
		}
	case unknown != nil:
		h = unknown
	default:
		return
	}

	rid := uuid.NewString()
	req := &Request{
		ReqID:   rid,
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:  msg.FromID,
		Command: name,
		Role:    role,
		Args:    args,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}

	final := Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(ctx, req) }) {
		req.Logger.Warn("dropping command, workers busy")
	}
}

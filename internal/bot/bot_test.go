package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"calenbot/internal/groups"
	"calenbot/internal/ratelimit"
	"calenbot/internal/render"
	"calenbot/internal/storage"
	"calenbot/internal/timetable"
	"calenbot/internal/timewindow"
	kit "calenbot/internal/transport"
	"calenbot/internal/transport/telegram/router"
	"calenbot/internal/writequeue"
	logx "calenbot/pkg/logx"
)

const (
	operatorID = int64(1)
	memberID   = int64(10)
	adminID    = int64(11)
	groupChat  = int64(-100)
	otherChat  = int64(-200)
)

var labels = []string{"08:30", "10:25", "12:20", "14:15", "16:10", "18:05"}

// Monday 2024-01-01 is in ISO week 1, parity A.
func monday(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }

type sentMsg struct {
	to   kit.ChatTarget
	text string
}

type fakeTransport struct {
	mu         sync.Mutex
	nextID     int
	sent       []sentMsg
	deleted    []kit.MessageRef
	admins     map[int64]bool
	failDelete map[int]bool
	menus      map[kit.MenuScopeKind][]kit.BotCommand
	menuUsers  map[kit.MenuScopeKind]int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		nextID:     1000,
		admins:     map[int64]bool{adminID: true},
		failDelete: map[int]bool{},
		menus:      map[kit.MenuScopeKind][]kit.BotCommand{},
		menuUsers:  map[kit.MenuScopeKind]int64{},
	}
}

func (f *fakeTransport) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMsg{to: to, text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeTransport) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete[ref.MessageID] {
		return errors.New("message can't be deleted")
	}
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeTransport) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.admins[userID], nil
}

func (f *fakeTransport) SetMenuCommands(ctx context.Context, scope kit.MenuScope, cmds []kit.BotCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.menus[scope.Kind] = cmds
	f.menuUsers[scope.Kind] = scope.UserID
	return nil
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.text
	}
	return out
}

type fakeReminders struct {
	mu     sync.Mutex
	armed  bool
	starts int
}

func (r *fakeReminders) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.armed {
		return false
	}
	r.armed = true
	return true
}

func (r *fakeReminders) Stop() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.armed
	r.armed = false
	return was
}

func (r *fakeReminders) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *fakeAuditor) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type staticTimetable struct{ st *timetable.Store }

func (s staticTimetable) Current() *timetable.Store { return s.st }

type env struct {
	svc     *Service
	tr      *fakeTransport
	store   storage.Store
	queue   *writequeue.Queue
	groups  *groups.Registry
	rem     *fakeReminders
	audit   *fakeAuditor
	manager *router.Manager
	now     time.Time
	handler map[string]router.HandlerFunc
}

func newEnv(t *testing.T, now time.Time) *env {
	t.Helper()
	math := &timetable.Lesson{Subject: "Math", Type: "Lec", Link: "https://meet.example/math",
		Teachers: []timetable.Teacher{{Name: "Ivanova", Email: "iv@example.org"}}}
	phys := &timetable.Lesson{Subject: "Physics", Type: "Lab"}
	st, err := timetable.Build(labels, []timetable.Entry{
		{Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 0, Lesson: math},
		{Parity: timewindow.ParityA, Weekday: timewindow.Monday, Slot: 1, Lesson: phys},
		{Parity: timewindow.ParityB, Weekday: timewindow.Tuesday, Slot: 0, Lesson: phys},
	})
	if err != nil {
		t.Fatal(err)
	}

	e := &env{tr: newFakeTransport(), store: storage.NewMemory(), rem: &fakeReminders{}, audit: &fakeAuditor{}, now: now}
	clock := func() time.Time { return e.now }
	lim, err := ratelimit.New(ratelimit.Config{Policy: ratelimit.PolicyPerUser, Window: time.Minute, MaxRequests: 2}, ratelimit.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	e.queue = writequeue.New(e.store, logx.Nop())
	e.groups = groups.New(e.queue, logx.Nop())
	e.manager = router.NewManager(logx.Nop())

	e.svc = New(Deps{
		Transport: e.tr,
		Timetable: staticTimetable{st},
		Window: timewindow.Window{
			Start: 8*time.Hour + 30*time.Minute, End: 19*time.Hour + 50*time.Minute,
			Interval: 115 * time.Minute, Grace: 5 * time.Minute, Slots: len(labels), Location: time.UTC,
		},
		Lead:       5 * time.Minute,
		Limiter:    lim,
		Groups:     e.groups,
		Session:    NewSession(e.queue, logx.Nop()),
		Templates:  render.MustDefault(),
		Reminders:  e.rem,
		Auditor:    e.audit,
		Menus:      e.manager,
		OperatorID: operatorID,
		SendRate:   1000,
		Now:        clock,
	}, logx.Nop())
	e.manager.SetCommands(e.svc.Commands(), e.svc.Unknown())

	e.handler = map[string]router.HandlerFunc{"": e.svc.Unknown()}
	for _, c := range e.svc.Commands() {
		e.handler[c.Name] = c.Handle
	}
	return e
}

var msgSeq struct {
	sync.Mutex
	n int
}

func (e *env) run(t *testing.T, cmd string, chat, from int64, args ...string) {
	t.Helper()
	h, ok := e.handler[cmd]
	if !ok {
		h = e.handler[""]
	}
	msgSeq.Lock()
	msgSeq.n++
	id := msgSeq.n
	msgSeq.Unlock()
	req := &router.Request{
		ReqID:   "test",
		Message: &kit.Message{ID: id, ChatID: chat, ChatTitle: "Group A", FromID: from, Text: "/" + cmd},
		Chat:    kit.ChatTarget{ChatID: chat},
		FromID:  from,
		Command: cmd,
		Args:    args,
		Logger:  logx.Nop(),
	}
	if err := h(context.Background(), req); err != nil {
		t.Fatalf("/%s: %v", cmd, err)
	}
}

func TestGateDecisions(t *testing.T) {
	t.Parallel()
	e := newEnv(t, monday(9, 0))
	e.groups.Enable(groupChat, "Group A", operatorID)
	ctx := context.Background()
	req := func(chat, from int64) *router.Request {
		return &router.Request{Chat: kit.ChatTarget{ChatID: chat}, FromID: from, Logger: logx.Nop()}
	}

	cases := []struct {
		name string
		chat int64
		from int64
		role router.Role
		want Decision
	}{
		{"operator anywhere", otherChat, operatorID, router.RoleOperator, Allow},
		{"member in disabled chat", otherChat, memberID, router.RoleMember, DenyUnauthorized},
		{"member runs operator command", groupChat, memberID, router.RoleOperator, DenyUnauthorized},
		{"member runs admin command", groupChat, memberID, router.RoleAdmin, DenyUnauthorized},
		{"admin runs admin command", groupChat, adminID, router.RoleAdmin, Allow},
		{"member query", groupChat, memberID, router.RoleMember, Allow},
	}
	for _, tc := range cases {
		if got, _ := e.svc.Gate(ctx, req(tc.chat, tc.from), tc.role); got != tc.want {
			t.Errorf("%s: Gate = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestRateLimitAndOperatorBypass(t *testing.T) {
	t.Parallel()
	e := newEnv(t, monday(9, 0))
	e.groups.Enable(groupChat, "Group A", operatorID)
	ctx := context.Background()
	member := &router.Request{Chat: kit.ChatTarget{ChatID: groupChat}, FromID: memberID, Logger: logx.Nop()}
	operator := &router.Request{Chat: kit.ChatTarget{ChatID: groupChat}, FromID: operatorID, Logger: logx.Nop()}

	for i := 0; i < 2; i++ {
		if d, _ := e.svc.Gate(ctx, member, router.RoleMember); d != Allow {
			t.Fatalf("call %d = %s", i, d)
		}
	}
	if d, _ := e.svc.Gate(ctx, member, router.RoleMember); d != DenyRateLimited {
		t.Fatalf("third call = %s", d)
	}
	for i := 0; i < 5; i++ {
		if d, _ := e.svc.Gate(ctx, operator, router.RoleMember); d != Allow {
			t.Fatalf("operator call %d = %s", i, d)
		}
	}

	e.run(t, "now", groupChat, memberID)
	if got := e.tr.texts(); len(got) != 1 || got[0] != render.Defaults().RateLimited {
		t.Fatalf("sent = %q", got)
	}

	e.now = e.now.Add(time.Minute + time.Second)
	if d, _ := e.svc.Gate(ctx, member, router.RoleMember); d != Allow {
		t.Fatalf("after window = %s", d)
	}
}

func TestDeafModeSilencesMembers(t *testing.T) {
	t.Parallel()
	e := newEnv(t, monday(9, 0))
	e.groups.Enable(groupChat, "Group A", operatorID)

	e.run(t, "deaf", groupChat, adminID)
	if !e.svc.session.Snapshot().Deaf {
		t.Fatal("deaf mode not enabled")
	}
	e.run(t, "now", groupChat, memberID)
	e.run(t, "now", groupChat, adminID)

	got := e.tr.texts()
	if len(got) != 2 || got[0] != "Deaf mode on" || !strings.Contains(got[1], "Math (Lec)") {
		t.Fatalf("sent = %q", got)
	}
}

func TestUnauthorizedChatGetsDenial(t *testing.T) {
	t.Parallel()
	e := newEnv(t, monday(9, 0))
	e.run(t, "now", otherChat, memberID)
	e.run(t, "bogus", otherChat, memberID)
	got := e.tr.texts()
	if len(got) != 2 || got[0] != render.Defaults().NoAuth || got[1] != render.Defaults().NoAuth {
		t.Fatalf("sent = %q", got)
	}
}

func TestQueries(t *testing.T) {
	t.Parallel()
	e := newEnv(t, monday(9, 0))
	e.groups.Enable(groupChat, "Group A", operatorID)

	e.run(t, "now", groupChat, operatorID)
	e.run(t, "all", groupChat, operatorID)
	e.run(t, "week", groupChat, operatorID)
	e.run(t, "bogus", groupChat, operatorID)

	got := e.tr.texts()
	if len(got) != 5 {
		t.Fatalf("sent %d messages: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "Lesson now:") || !strings.Contains(got[0], "Math (Lec)") {
		t.Fatalf("now = %q", got[0])
	}
	if !strings.Contains(got[0], "*Next lesson:*") || !strings.Contains(got[0], "Physics (Lab)") {
		t.Fatalf("now lacks the next lesson: %q", got[0])
	}
	if !strings.Contains(got[1], "Week 1") || !strings.Contains(got[2], "Week 2") {
		t.Fatalf("all segments = %q / %q", got[1], got[2])
	}
	if got[3] != got[1] {
		t.Fatalf("week in parity A should match the first segment:\n%q\n%q", got[3], got[1])
	}
	if got[4] != render.Defaults().UnknownCommand {
		t.Fatalf("unknown = %q", got[4])
	}

	e.now = monday(7, 0)
	if got := e.svc.Query("now"); len(got) != 1 || got[0] != render.Defaults().NoLesson {
		t.Fatalf("early now = %q", got)
	}
	if got := e.svc.Query("today"); !strings.Contains(got[0], "Physics") {
		t.Fatalf("today = %q", got)
	}
}

func TestVerboseAddsLinks(t *testing.T) {
	t.Parallel()
	e := newEnv(t, monday(9, 0))
	if strings.Contains(e.svc.Query("now")[0], "meet.example") {
		t.Fatal("link shown without verbose")
	}
	e.svc.session.ToggleVerbose(nil)
	if !strings.Contains(e.svc.Query("now")[0], "meet.example") {
		t.Fatal("link missing with verbose")
	}
}

func TestOperatorCommandsPersistAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, monday(9, 0))

	e.run(t, "enable", groupChat, memberID)
	if e.groups.Authorized(groupChat) {
		t.Fatal("member enabled a chat")
	}
	e.run(t, "enable", groupChat, operatorID)
	e.run(t, "verbose", groupChat, operatorID, "on")
	e.run(t, "start_scheduler", groupChat, operatorID)
	if err := e.queue.Drain(ctx); err != nil {
		t.Fatal(err)
	}

	reg := groups.New(e.queue, logx.Nop())
	if err := reg.Load(ctx, e.store); err != nil {
		t.Fatal(err)
	}
	if g, ok := reg.Get(groupChat); !ok || g.Title != "Group A" || g.EnabledBy != operatorID {
		t.Fatalf("persisted group = %+v ok=%v", g, ok)
	}

	sess := NewSession(nil, logx.Nop())
	if err := sess.Load(ctx, e.store); err != nil {
		t.Fatal(err)
	}
	if st := sess.Snapshot(); !st.Verbose || !st.Scheduler || st.ReminderChat != groupChat {
		t.Fatalf("persisted settings = %+v", st)
	}
	if !e.rem.Armed() {
		t.Fatal("reminders not started")
	}

	e.audit.mu.Lock()
	defer e.audit.mu.Unlock()
	if len(e.audit.entries) != 3 {
		t.Fatalf("audit entries = %+v", e.audit.entries)
	}
	if first := e.audit.entries[0]; first.OK || first.ActorID != memberID || first.Command != "enable" {
		t.Fatalf("refused attempt audit = %+v", first)
	}
}

func TestRestoreRearmsReminders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, monday(9, 0))
	_ = e.store.Put(ctx, SettingsCollection, map[string]any{"scheduler": true, "reminder_chat": groupChat})
	if err := e.svc.session.Load(ctx, e.store); err != nil {
		t.Fatal(err)
	}
	e.svc.Restore()
	if !e.rem.Armed() {
		t.Fatal("not re-armed")
	}

	e.run(t, "stop_scheduler", groupChat, operatorID)
	if e.rem.Armed() || e.svc.session.Snapshot().Scheduler {
		t.Fatal("stop_scheduler left reminders on")
	}
}

func TestFireSendsReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, monday(8, 25))

	// No target yet.
	if got := e.svc.fire(ctx, monday(8, 30)); got != reminderNoTarget {
		t.Fatalf("fire = %s", got)
	}
	e.svc.session.SetScheduler(true, groupChat, 7)
	if got := e.svc.fire(ctx, monday(8, 30)); got != reminderUnauthorized {
		t.Fatalf("fire = %s", got)
	}

	e.groups.Enable(groupChat, "Group A", operatorID)
	if got := e.svc.fire(ctx, monday(8, 30)); got != reminderSent {
		t.Fatalf("fire = %s", got)
	}
	// Slot 2 on Monday is empty.
	if got := e.svc.fire(ctx, monday(12, 20)); got != reminderEmpty {
		t.Fatalf("fire = %s", got)
	}

	e.tr.mu.Lock()
	defer e.tr.mu.Unlock()
	if len(e.tr.sent) != 1 {
		t.Fatalf("sent = %+v", e.tr.sent)
	}
	m := e.tr.sent[0]
	if m.to.ChatID != groupChat || m.to.ThreadID != 7 {
		t.Fatalf("target = %+v", m.to)
	}
	if !strings.HasPrefix(m.text, "*Heads up, starting in 5m:*") || !strings.Contains(m.text, "Physics") {
		t.Fatalf("text = %q", m.text)
	}
}

func TestAutodelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t, monday(9, 0))
	e.groups.Enable(groupChat, "Group A", operatorID)

	e.run(t, "now", groupChat, memberID) // not tracked: autodelete off
	e.run(t, "autodelete", groupChat, operatorID)
	e.run(t, "now", groupChat, memberID)
	if n := e.svc.Pending(); n != 4 {
		t.Fatalf("pending = %d, want 2 replies and 2 commands", n)
	}

	e.tr.mu.Lock()
	e.tr.failDelete[e.tr.nextID] = true
	e.tr.mu.Unlock()

	deleted, err := e.svc.Autodelete(ctx)
	if err != nil || deleted != 3 {
		t.Fatalf("Autodelete = %d, %v", deleted, err)
	}
	if e.svc.Pending() != 0 {
		t.Fatal("failed delete was kept")
	}

	e.run(t, "autodelete", groupChat, operatorID, "off")
	e.run(t, "now", groupChat, operatorID)
	if e.svc.Pending() != 0 {
		t.Fatal("tracking while autodelete is off")
	}
}

func TestCommandsInstallsScopedMenus(t *testing.T) {
	t.Parallel()
	e := newEnv(t, monday(9, 0))
	e.run(t, "commands", groupChat, operatorID)

	e.tr.mu.Lock()
	defer e.tr.mu.Unlock()
	sizes := map[kit.MenuScopeKind]int{}
	for k, v := range e.tr.menus {
		sizes[k] = len(v)
	}
	if sizes[kit.MenuScopeChat] != 4 || sizes[kit.MenuScopeChatAdmins] != 6 || sizes[kit.MenuScopeChatMember] != 13 {
		t.Fatalf("menu sizes = %v", sizes)
	}
	if e.tr.menuUsers[kit.MenuScopeChatMember] != operatorID {
		t.Fatalf("operator menu user = %d", e.tr.menuUsers[kit.MenuScopeChatMember])
	}
}

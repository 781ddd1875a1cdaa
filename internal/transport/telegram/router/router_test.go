package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "calenbot/internal/transport"
	logx "calenbot/pkg/logx"
)

func TestParse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		word string
		bot  string
		args int
		ok   bool
	}{
		{"/now", "now", "", 0, true},
		{"  /NOW@CalenBot  extra  words ", "now", "calenbot", 2, true},
		{"hello /now", "", "", 0, false},
		{"/", "", "", 0, false},
		{"/@bot", "", "", 0, false},
	}
	for _, tc := range cases {
		word, bot, args, ok := Parse(tc.in)
		if word != tc.word || bot != tc.bot || len(args) != tc.args || ok != tc.ok {
			t.Errorf("Parse(%q) = %q %q %v %v", tc.in, word, bot, args, ok)
		}
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"/Start_Scheduler": "start_scheduler",
		"stop-scheduler":   "stop_scheduler",
		"a  b":             "a_b",
		"42":               "cmd_42",
		"ÿÿ":               "",
		"__x__":            "x",
	}
	for in, want := range cases {
		if got := sanitizeTelegramCommand(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

type recorder struct {
	mu   sync.Mutex
	reqs []*Request
	done chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{}, 16)} }

func (r *recorder) handle(ctx context.Context, req *Request) error {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recorder) wait(t *testing.T, n int) []*Request {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d requests handled", i, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Request(nil), r.reqs...)
}

func TestDispatchRoutesCommandsAliasesAndUnknown(t *testing.T) {
	t.Parallel()
	known, unknown := newRecorder(), newRecorder()
	m := NewManager(logx.Nop(), WithWorkers(2))
	m.SetUsername("@CalenBot")
	m.SetCommands([]Command{
		{Name: "now", Aliases: []string{"n"}, Handle: known.handle},
		{Name: "enable", Role: RoleOperator, Handle: known.handle},
	}, unknown.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan kit.Update, 8)
	go func() { _ = m.DispatchLoop(ctx, updates) }()

	send := func(text string) {
		updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -1, FromID: 7, Text: text}}
	}
	send("/now@calenbot")
	send("/n")
	send("/enable")
	send("/now@otherbot")
	send("plain text")
	send("/nope a b")

	got := known.wait(t, 3)
	names := map[string]int{}
	for _, r := range got {
		names[r.Command]++
		if r.ReqID == "" || r.Chat.ChatID != -1 || r.FromID != 7 {
			t.Fatalf("request = %+v", r)
		}
	}
	if names["now"] != 2 || names["enable"] != 1 {
		t.Fatalf("routed = %v", names)
	}
	u := unknown.wait(t, 1)
	if u[0].Command != "nope" || len(u[0].Args) != 2 || u[0].Role != RoleMember {
		t.Fatalf("unknown request = %+v", u[0])
	}
}

func TestPanicRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := Chain(func(ctx context.Context, req *Request) error { panic("kaboom") },
		MWPanicRecover(logx.Nop()), MWRequestLog(logx.Nop()))
	if err := h(context.Background(), &Request{}); err == nil {
		t.Fatal("panic not converted to error")
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()
	h := MWTimeout(10 * time.Millisecond)(func(ctx context.Context, req *Request) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err := h(context.Background(), &Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestMenuIsCumulative(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *Request) error { return nil }
	m := NewManager(logx.Nop())
	m.SetCommands([]Command{
		{Name: "enable", Role: RoleOperator, Description: "authorize chat", Handle: noop},
		{Name: "deaf", Role: RoleAdmin, Handle: noop},
		{Name: "now", Description: "current lesson", Handle: noop},
		{Name: "week", Description: "this week", Handle: noop},
	}, nil)

	cases := []struct {
		role Role
		want []string
	}{
		{RoleMember, []string{"now", "week"}},
		{RoleAdmin, []string{"now", "week", "deaf"}},
		{RoleOperator, []string{"now", "week", "deaf", "enable"}},
	}
	for _, tc := range cases {
		menu := m.Menu(tc.role)
		if len(menu) != len(tc.want) {
			t.Fatalf("%s menu = %+v", tc.role, menu)
		}
		for i, w := range tc.want {
			if menu[i].Command != w {
				t.Fatalf("%s menu[%d] = %q, want %q", tc.role, i, menu[i].Command, w)
			}
		}
	}
	if d := m.Menu(RoleAdmin)[2].Description; d != "deaf" {
		t.Fatalf("empty description fallback = %q", d)
	}
}

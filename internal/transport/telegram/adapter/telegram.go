// Package adapter implements transport.Adapter on the Telegram Bot API via
// telebot.
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	kit "calenbot/internal/transport"
	rtsup "calenbot/internal/runtime/supervisor"
	logx "calenbot/pkg/logx"

	"github.com/cespare/xxhash/v2"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// AdminCacheTTL bounds how long a chat's administrator list is reused.
	AdminCacheTTL time.Duration
	// APIURL overrides the Bot API endpoint; empty uses the public one.
	APIURL string
}

const defaultAPIURL = "https://api.telegram.org"

type adminEntry struct {
	ids     map[int64]struct{}
	fetched time.Time
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Pointer[chan<- kit.Update]
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	adminMu sync.Mutex
	admins  map[int64]adminEntry

	menuMu   sync.Mutex
	menuHash map[string]uint64
	http     *http.Client
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.AdminCacheTTL <= 0 {
		cfg.AdminCacheTTL = 5 * time.Minute
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "telegram")),
		bot:      b,
		admins:   map[int64]adminEntry{},
		menuHash: map[string]uint64{},
		http:     &http.Client{Timeout: 8 * time.Second},
	}
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Username is the bot's own username, used to ignore commands addressed to
// other bots.
func (a *Adapter) Username() string {
	if a.bot.Me == nil {
		return ""
	}
	return a.bot.Me.Username
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Chat == nil {
		return nil
	}
	a.publish(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			ChatTitle:    m.Chat.Title,
			ThreadID:     m.ThreadID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
			IsGroup:      m.Chat.Type != tele.ChatPrivate,
		},
	})
	return nil
}

func (a *Adapter) publish(up kit.Update) {
	p := a.out.Load()
	if p == nil {
		return
	}
	select {
	case *p <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped, channel full", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// Start begins long polling and forwards text messages to out.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(&out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// telebot's Start returns only after Stop; an early return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started", logx.String("username", a.Username()))
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithRestartOnExit(),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	was := a.running
	a.running = false
	a.out.Store(nil)
	a.runMu.Unlock()

	if !was || sup == nil {
		return nil
	}
	sup.Cancel()
	go a.bot.Stop()

	// Long polling may still be waiting on getUpdates; do not hold shutdown for it.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// Supervisor exposes the polling goroutines for the debug endpoint.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

const telegramTextLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks of at least a third of the limit.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. The returned ref is the first message.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, fmt.Errorf("send to %d: %w", to.ChatID, err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, ref kit.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.Delete(&tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}); err != nil {
		return fmt.Errorf("delete %d/%d: %w", ref.ChatID, ref.MessageID, err)
	}
	return nil
}

// IsChatAdmin reports whether userID administers chatID. In a private chat
// the user owns the conversation. Administrator lists are cached per chat.
func (a *Adapter) IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error) {
	if chatID == userID {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	a.adminMu.Lock()
	e, ok := a.admins[chatID]
	a.adminMu.Unlock()
	if !ok || time.Since(e.fetched) > a.cfg.AdminCacheTTL {
		members, err := a.bot.AdminsOf(&tele.Chat{ID: chatID})
		if err != nil {
			return false, fmt.Errorf("admins of %d: %w", chatID, err)
		}
		e = adminEntry{ids: make(map[int64]struct{}, len(members)), fetched: time.Now()}
		for _, m := range members {
			if m.User != nil {
				e.ids[m.User.ID] = struct{}{}
			}
		}
		a.adminMu.Lock()
		a.admins[chatID] = e
		a.adminMu.Unlock()
	}
	_, admin := e.ids[userID]
	return admin, nil
}

type apiScope struct {
	Type   string `json:"type"`
	ChatID int64  `json:"chat_id,omitempty"`
	UserID int64  `json:"user_id,omitempty"`
}

type apiCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

func menuKey(scope kit.MenuScope) string {
	return string(scope.Kind) + ":" + strconv.FormatInt(scope.ChatID, 10) + ":" + strconv.FormatInt(scope.UserID, 10)
}

func menuSum(cmds []kit.BotCommand) uint64 {
	d := xxhash.New()
	for _, c := range cmds {
		_, _ = d.WriteString(c.Command)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(c.Description)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// SetMenuCommands installs cmds for scope (setMyCommands). The call is
// skipped when the scope already carries the same list.
func (a *Adapter) SetMenuCommands(ctx context.Context, scope kit.MenuScope, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	key, sum := menuKey(scope), menuSum(cmds)
	if prev, ok := a.menuHash[key]; ok && prev == sum {
		return nil
	}

	payload := struct {
		Commands []apiCommand `json:"commands"`
		Scope    apiScope     `json:"scope"`
	}{
		Commands: make([]apiCommand, 0, len(cmds)),
		Scope:    apiScope{Type: string(scope.Kind), ChatID: scope.ChatID, UserID: scope.UserID},
	}
	for _, c := range cmds {
		payload.Commands = append(payload.Commands, apiCommand{Command: c.Command, Description: c.Description})
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := strings.TrimRight(a.cfg.APIURL, "/") + "/bot" + a.cfg.Token + "/setMyCommands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 || !out.OK {
		return fmt.Errorf("setMyCommands failed: %s (code=%d http=%d)", out.Description, out.ErrorCode, resp.StatusCode)
	}

	a.menuHash[key] = sum
	a.log.Info("menu commands updated", logx.String("scope", string(scope.Kind)), logx.Int64("chat_id", scope.ChatID), logx.Int("count", len(cmds)))
	return nil
}

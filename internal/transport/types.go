package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat transport the bot core talks to.
//
// Send/Delete failures are reported but callers treat them as non-fatal.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error

	// IsChatAdmin reports whether userID administers chatID.
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// MenuScope selects who sees a command menu.
type MenuScope struct {
	Kind   MenuScopeKind
	ChatID int64
	UserID int64 // only for MenuScopeChatMember
}

type MenuScopeKind string

const (
	MenuScopeChat       MenuScopeKind = "chat"
	MenuScopeChatAdmins MenuScopeKind = "chat_administrators"
	MenuScopeChatMember MenuScopeKind = "chat_member"
)

// CommandMenuUpdater is an optional interface that adapters can implement
// to install platform-specific command menus.
type CommandMenuUpdater interface {
	SetMenuCommands(ctx context.Context, scope MenuScope, cmds []BotCommand) error
}

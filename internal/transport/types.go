// Package transport holds the chat-bot types shared by the Telegram adapter,
// the command router and the log sink, so none of them imports telebot types
// from the others.
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound bot event; exactly one of Message and Callback is set.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

// Message is a text message addressed to the bot. ThreadID is the forum
// topic, 0 outside forums.
type Message struct {
	ID       int
	ChatID   int64
	ThreadID int
	FromID   int64
	Text     string
}

// Callback is an inline button press; Data is the route-encoded payload.
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
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
	// Markup is the adapter's own keyboard type (*telebot.ReplyMarkup).
	Markup any
}

// Sender posts and edits bot messages. Panel replies, notices and the chat
// log sink only need this much.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
}

// Bot is what the command router drives.
type Bot interface {
	Sender
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// MenuCommand is one entry of the bot's slash-command menu.
type MenuCommand struct {
	Command     string
	Description string
}

// MenuPublisher is implemented by bots that can show a command menu.
type MenuPublisher interface {
	PublishMenu(ctx context.Context, cmds []MenuCommand) error
}

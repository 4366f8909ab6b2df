// Package transport defines the adapter-neutral chat types the rest of the
// bot is written against. The Telegram implementation lives in
// transport/telegram; nothing outside that package imports telebot directly.
package transport

import (
	"context"
	"errors"
)

// ErrRecipientGone marks a permanent delivery failure: the platform says
// this recipient can no longer be messaged (blocked the bot, deleted the
// account, chat gone). Adapters wrap their platform error with it so the
// notifier can trigger subscription cleanup instead of retrying.
var ErrRecipientGone = errors.New("recipient unreachable")

// ChatTarget addresses a chat, optionally inside a forum topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef addresses one already-sent message, for edits.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

// Update is one inbound event from the chat platform. Exactly one of
// Message/Callback is set, matching Kind.
type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread, 0 outside forums
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Callback is a button tap on an inline keyboard. Data carries the packed
// callback payload ("scope:action:payload").
type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool

	// ReplyMarkupAdapter holds platform markup the transport layer knows
	// how to attach; for Telegram that is a *telebot.ReplyMarkup.
	ReplyMarkupAdapter any
}

// NoticeKind labels what a notification is about. Operator alerts are
// the only kind the notifier deduplicates.
type NoticeKind string

const (
	NoticeAvailability NoticeKind = "availability"
	NoticeBooking      NoticeKind = "booking"
	NoticeAlert        NoticeKind = "alert"
)

// Notification is a queued outbound message for the notifier pipeline.
type Notification struct {
	Kind    NoticeKind
	Target  ChatTarget
	Text    string
	Options *SendOptions
}

// Adapter is the platform surface the bot runs on: a feed of inbound
// updates plus the three outbound calls the handlers need.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can sync the platform's
// command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

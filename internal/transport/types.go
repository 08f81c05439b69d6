package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

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
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// String renders the target as a destination id: "<chat>" or "<chat>:<thread>".
func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseChatTarget is the inverse of ChatTarget.String.
func ParseChatTarget(dest string) (ChatTarget, error) {
	s := strings.TrimSpace(dest)
	if s == "" {
		return ChatTarget{}, fmt.Errorf("empty destination")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return ChatTarget{}, fmt.Errorf("invalid chat id %q: %w", chatPart, err)
	}
	t := ChatTarget{ChatID: chatID}
	if hasThread {
		th, err := strconv.Atoi(threadPart)
		if err != nil {
			return ChatTarget{}, fmt.Errorf("invalid thread id %q: %w", threadPart, err)
		}
		t.ThreadID = th
	}
	return t, nil
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

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Sender is the send-only half of Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// RateLimitError is returned by adapters when the platform asks the caller
// to back off (Telegram 429 with retry_after).
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}

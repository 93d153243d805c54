// Package transport is the chat-platform abstraction the bot talks through.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotModified is returned by EditText when the message already has
	// the requested content.
	ErrNotModified = errors.New("message is not modified")
	// ErrUnreachable means the chat or message is gone or the bot was
	// blocked; retrying will not help.
	ErrUnreachable = errors.New("chat or message unreachable")
)

// FloodError is a platform rate limit carrying the delay it asked for.
type FloodError struct {
	Err   error
	After time.Duration
}

func (e *FloodError) Error() string {
	return fmt.Sprintf("flood wait %s: %v", e.After, e.Err)
}

func (e *FloodError) Unwrap() error { return e.Err }

// RetryAfter lets retry loops honour the requested delay.
func (e *FloodError) RetryAfter() time.Duration { return e.After }

type UpdateKind string

const UpdateCallback UpdateKind = "callback"

type Update struct {
	Kind     UpdateKind
	Callback *Callback
}

type Callback struct {
	ID           string
	FromID       int64
	FromUsername string
	ChatID       int64
	ThreadID     int
	MessageID    int
	Data         string
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

// Button is an inline button carrying callback data ("prefix:action:payload").
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool

	// Keyboard is an inline keyboard, one slice per row. On edit a nil
	// keyboard removes the buttons of the message.
	Keyboard [][]Button
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

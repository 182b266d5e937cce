// Package transport abstracts the chat backend the bot talks through.
package transport

import (
	"context"
	"time"
)

// Message is a single inbound or historical chat message, normalized
// across backends.
type Message struct {
	ID       string
	ChatID   string
	SenderID string
	Text     string
	FromSelf bool
	IsGroup  bool
	HasMedia bool
	SentAt   time.Time
}

// Transport is a connected chat backend. Start blocks until the context
// is cancelled, delivering inbound messages on out.
type Transport interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop()

	SendText(ctx context.Context, chatID, text string) error
	History(ctx context.Context, chatID string, limit int) ([]Message, error)
	SetTyping(ctx context.Context, chatID string, typing bool) error
	SelfID() string
}

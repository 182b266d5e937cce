// Package telegram adapts the Telegram Bot API to the transport
// interface. Bots cannot read chat history from the API, so the adapter
// keeps a bounded per-chat ring of the messages it has observed and
// serves History from that.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/config"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultHistorySize = 50
)

var _ transport.Transport = (*Adapter)(nil)

type Adapter struct {
	bot *tele.Bot
	log logx.Logger

	historySize int

	runMu   sync.Mutex
	running bool

	histMu  sync.Mutex
	history map[string][]transport.Message

	// dropped counts inbound messages discarded because the consumer
	// lagged behind the poll loop. Summarized periodically.
	dropped uint64
}

func New(cfg config.TelegramConfig, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.PollTimeout, defaultPollTimeout)
	if err != nil {
		return nil, err
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: pollTimeout},
	})
	if err != nil {
		return nil, err
	}

	size := cfg.HistorySize
	if size <= 0 {
		size = defaultHistorySize
	}
	return &Adapter{
		bot:         bot,
		log:         log,
		historySize: size,
		history:     make(map[string][]transport.Message),
	}, nil
}

func (a *Adapter) SelfID() string {
	return strconv.FormatInt(a.bot.Me.ID, 10)
}

// Start registers handlers and runs the long-poll loop until ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return errors.New("telegram adapter already running")
	}
	a.running = true
	a.runMu.Unlock()

	handle := func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		msg := a.normalize(m)
		a.record(msg)
		if msg.FromSelf {
			return nil
		}
		select {
		case out <- msg:
		default:
			atomic.AddUint64(&a.dropped, 1)
		}
		return nil
	}
	a.bot.Handle(tele.OnText, handle)
	a.bot.Handle(tele.OnMedia, handle)

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
					a.log.Warn("inbound messages dropped, consumer lagging",
						logx.Any("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()

	a.log.Info("telegram poll loop starting", logx.String("self", SelfName(a.bot)))
	a.bot.Start()
	return nil
}

func (a *Adapter) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	a.bot.Stop()
}

func (a *Adapter) SendText(ctx context.Context, chatID, text string) error {
	rcpt, err := recipient(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sent, err := a.bot.Send(rcpt, text)
	if err != nil {
		return fmt.Errorf("telegram send to %s: %w", chatID, err)
	}
	a.record(transport.Message{
		ID:       strconv.Itoa(sent.ID),
		ChatID:   chatID,
		SenderID: a.SelfID(),
		Text:     text,
		FromSelf: true,
		SentAt:   sent.Time(),
	})
	return nil
}

// History returns up to limit observed messages for the chat, oldest
// first.
func (a *Adapter) History(_ context.Context, chatID string, limit int) ([]transport.Message, error) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	ring := a.history[chatID]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	return append([]transport.Message(nil), ring...), nil
}

func (a *Adapter) SetTyping(ctx context.Context, chatID string, typing bool) error {
	if !typing {
		// Telegram clears the indicator on its own.
		return nil
	}
	rcpt, err := recipient(chatID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.bot.Notify(rcpt, tele.Typing)
}

func (a *Adapter) normalize(m *tele.Message) transport.Message {
	isGroup := m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
	return transport.Message{
		ID:       strconv.Itoa(m.ID),
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		SenderID: strconv.FormatInt(m.Sender.ID, 10),
		Text:     m.Text,
		FromSelf: m.Sender.ID == a.bot.Me.ID,
		IsGroup:  isGroup,
		HasMedia: m.Media() != nil,
		SentAt:   m.Time(),
	}
}

func (a *Adapter) record(msg transport.Message) {
	a.histMu.Lock()
	defer a.histMu.Unlock()
	ring := append(a.history[msg.ChatID], msg)
	if len(ring) > a.historySize {
		ring = ring[len(ring)-a.historySize:]
	}
	a.history[msg.ChatID] = ring
}

func recipient(chatID string) (tele.Recipient, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q", chatID)
	}
	return tele.ChatID(id), nil
}

// SelfName is the bot's @username, or its numeric id when unset.
func SelfName(b *tele.Bot) string {
	if b.Me != nil && b.Me.Username != "" {
		return "@" + b.Me.Username
	}
	if b.Me != nil {
		return strconv.FormatInt(b.Me.ID, 10)
	}
	return "unknown"
}

// Package autoreply answers incoming chats with generated replies,
// waiting out message bursts so one reply covers the whole burst.
package autoreply

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"heraldbot/internal/config"
	"heraldbot/internal/transport"
	"heraldbot/pkg/groq"
	"heraldbot/pkg/logx"
)

const (
	defaultDebounceWindow = 5 * time.Second
	defaultHistoryFetch   = 50
	defaultContextTurns   = 10
	defaultReplyDelayMin  = 2 * time.Second
	defaultReplyDelayMax  = 4 * time.Second
)

// Generator produces a reply from an ordered conversation history.
type Generator interface {
	Reply(ctx context.Context, history []groq.Message) (string, error)
}

// Chat is the transport slice the service needs.
type Chat interface {
	SendText(ctx context.Context, chatID, text string) error
	History(ctx context.Context, chatID string, limit int) ([]transport.Message, error)
	SetTyping(ctx context.Context, chatID string, typing bool) error
	SelfID() string
}

type settings struct {
	personalEnabled bool
	groupAllow      map[string]struct{}
	window          time.Duration
	historyFetch    int
	contextTurns    int
	delayMin        time.Duration
	delayMax        time.Duration
}

type Service struct {
	chat Chat
	gen  Generator
	log  logx.Logger

	mu  sync.RWMutex
	cfg settings

	deb *debouncer
}

func New(chat Chat, gen Generator, cfg config.AutoReplyConfig, log logx.Logger) *Service {
	s := &Service{
		chat: chat,
		gen:  gen,
		log:  log,
		deb:  newDebouncer(),
	}
	s.Apply(cfg)
	return s
}

// Apply installs new settings. Bursts already waiting keep their old
// window; new messages use the updated one.
func (s *Service) Apply(cfg config.AutoReplyConfig) {
	window, _ := config.ParseDurationOrDefault("auto_reply.debounce_window", cfg.DebounceWindow, defaultDebounceWindow)
	dMin, _ := config.ParseDurationOrDefault("auto_reply.reply_delay_min", cfg.ReplyDelayMin, defaultReplyDelayMin)
	dMax, _ := config.ParseDurationOrDefault("auto_reply.reply_delay_max", cfg.ReplyDelayMax, defaultReplyDelayMax)
	if dMax < dMin {
		dMax = dMin
	}

	allow := make(map[string]struct{}, len(cfg.GroupAllowList))
	for _, id := range cfg.GroupAllowList {
		allow[id] = struct{}{}
	}

	fetch := cfg.HistoryFetch
	if fetch <= 0 {
		fetch = defaultHistoryFetch
	}
	turns := cfg.ContextTurns
	if turns <= 0 {
		turns = defaultContextTurns
	}

	s.mu.Lock()
	s.cfg = settings{
		personalEnabled: cfg.PersonalEnabled,
		groupAllow:      allow,
		window:          window,
		historyFetch:    fetch,
		contextTurns:    turns,
		delayMin:        dMin,
		delayMax:        dMax,
	}
	s.mu.Unlock()
}

// HandleMessage feeds one inbound message into the debounce pipeline.
// Ineligible messages are dropped without arming a timer.
func (s *Service) HandleMessage(ctx context.Context, msg transport.Message) {
	if !s.eligible(msg) {
		return
	}

	s.mu.RLock()
	window := s.cfg.window
	s.mu.RUnlock()

	key := debounceKey{chatID: msg.ChatID, senderID: msg.SenderID}
	s.deb.Trigger(key, window, func() {
		s.reply(ctx, key)
	})
}

// Stop cancels pending bursts and waits for in-flight replies.
func (s *Service) Stop() {
	s.deb.Stop()
}

func (s *Service) eligible(msg transport.Message) bool {
	if msg.FromSelf || msg.HasMedia || msg.Text == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if msg.IsGroup {
		_, ok := s.cfg.groupAllow[msg.ChatID]
		return ok
	}
	return s.cfg.personalEnabled
}

func (s *Service) reply(ctx context.Context, key debounceKey) {
	if ctx.Err() != nil {
		return
	}

	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	traceID := uuid.NewString()
	log := s.log.With(
		logx.String("trace", traceID),
		logx.String("chat", key.chatID),
		logx.String("sender", key.senderID))

	_ = s.chat.SetTyping(ctx, key.chatID, true)
	defer func() { _ = s.chat.SetTyping(ctx, key.chatID, false) }()

	history, err := s.chat.History(ctx, key.chatID, cfg.historyFetch)
	if err != nil {
		log.Warn("auto-reply history fetch failed", logx.Err(err))
		return
	}

	turns := buildTurns(history, key.senderID, s.chat.SelfID(), cfg.contextTurns)
	if len(turns) == 0 {
		log.Debug("auto-reply skipped, no usable context")
		return
	}

	text, err := s.gen.Reply(ctx, turns)
	if err != nil {
		log.Warn("auto-reply generation failed", logx.Err(err))
		return
	}

	if err := s.humanDelay(ctx, cfg.delayMin, cfg.delayMax); err != nil {
		return
	}

	if err := s.chat.SendText(ctx, key.chatID, text); err != nil {
		log.Warn("auto-reply send failed", logx.Err(err))
		return
	}
	log.Info("auto-reply sent", logx.Int("context_turns", len(turns)))
}

// buildTurns keeps only messages by the burst's sender or the bot, maps
// them to chat roles, and trims to the most recent maxTurns.
func buildTurns(history []transport.Message, senderID, selfID string, maxTurns int) []groq.Message {
	turns := make([]groq.Message, 0, len(history))
	for _, m := range history {
		if m.Text == "" {
			continue
		}
		switch {
		case m.FromSelf || m.SenderID == selfID:
			turns = append(turns, groq.Message{Role: "assistant", Content: m.Text})
		case m.SenderID == senderID:
			turns = append(turns, groq.Message{Role: "user", Content: m.Text})
		}
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	// The model needs the sender to speak last.
	for len(turns) > 0 && turns[len(turns)-1].Role == "assistant" {
		turns = turns[:len(turns)-1]
	}
	return turns
}

func (s *Service) humanDelay(ctx context.Context, min, max time.Duration) error {
	d := min
	if span := max - min; span > 0 {
		d += time.Duration(rand.Int63n(int64(span) + 1))
	}
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

package autoreply

import (
	"context"
	"sync"
	"testing"
	"time"

	"heraldbot/internal/config"
	"heraldbot/internal/transport"
	"heraldbot/pkg/groq"
	"heraldbot/pkg/logx"
)

type fakeChat struct {
	mu      sync.Mutex
	sent    []string
	history []transport.Message
	events  []string
}

func (f *fakeChat) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.events = append(f.events, "send")
	return nil
}

func (f *fakeChat) History(_ context.Context, _ string, _ int) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "history")
	return append([]transport.Message(nil), f.history...), nil
}

func (f *fakeChat) SetTyping(_ context.Context, _ string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if typing {
		f.events = append(f.events, "typing-on")
	} else {
		f.events = append(f.events, "typing-off")
	}
	return nil
}

func (f *fakeChat) SelfID() string { return "bot" }

func (f *fakeChat) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeGen struct {
	mu       sync.Mutex
	calls    [][]groq.Message
	calledAt time.Time
	out      string
	failErr  error
	block    chan struct{}
}

func (g *fakeGen) Reply(_ context.Context, history []groq.Message) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, history)
	if g.calledAt.IsZero() {
		g.calledAt = time.Now()
	}
	block := g.block
	g.mu.Unlock()
	if block != nil {
		<-block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return "", g.failErr
	}
	return g.out, nil
}

func (g *fakeGen) callTime() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calledAt
}

func fastCfg() config.AutoReplyConfig {
	return config.AutoReplyConfig{
		PersonalEnabled: true,
		DebounceWindow:  "20ms",
		ReplyDelayMin:   "1ms",
		ReplyDelayMax:   "1ms",
	}
}

func inbound(chatID, senderID, text string) transport.Message {
	return transport.Message{ChatID: chatID, SenderID: senderID, Text: text, SentAt: time.Now()}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBurstGetsOneReply(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{history: []transport.Message{
		{SenderID: "alice", Text: "hey"},
		{SenderID: "alice", Text: "you there?"},
	}}
	gen := &fakeGen{out: "yes, here"}
	svc := New(chat, gen, fastCfg(), logx.Nop())
	defer svc.Stop()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.HandleMessage(ctx, inbound("c1", "alice", "ping"))
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, func() bool { return chat.sentCount() > 0 })
	time.Sleep(50 * time.Millisecond)

	if got := chat.sentCount(); got != 1 {
		t.Fatalf("sent %d replies for one burst, want 1", got)
	}
	gen.mu.Lock()
	calls := len(gen.calls)
	gen.mu.Unlock()
	if calls != 1 {
		t.Fatalf("generator called %d times, want 1", calls)
	}
}

func TestSeparateSendersReplySeparately(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{history: []transport.Message{
		{SenderID: "alice", Text: "hi"},
		{SenderID: "bob", Text: "hello"},
	}}
	gen := &fakeGen{out: "hey"}
	svc := New(chat, gen, fastCfg(), logx.Nop())
	defer svc.Stop()

	ctx := context.Background()
	svc.HandleMessage(ctx, inbound("c1", "alice", "hi"))
	svc.HandleMessage(ctx, inbound("c1", "bob", "hello"))

	waitFor(t, func() bool { return chat.sentCount() == 2 })
}

func TestEligibility(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  config.AutoReplyConfig
		msg  transport.Message
		want bool
	}{
		{
			name: "personal enabled",
			cfg:  config.AutoReplyConfig{PersonalEnabled: true},
			msg:  transport.Message{ChatID: "c1", SenderID: "a", Text: "hi"},
			want: true,
		},
		{
			name: "personal disabled",
			cfg:  config.AutoReplyConfig{},
			msg:  transport.Message{ChatID: "c1", SenderID: "a", Text: "hi"},
			want: false,
		},
		{
			name: "group on allow list",
			cfg:  config.AutoReplyConfig{GroupAllowList: []string{"g1"}},
			msg:  transport.Message{ChatID: "g1", SenderID: "a", Text: "hi", IsGroup: true},
			want: true,
		},
		{
			name: "group not on allow list",
			cfg:  config.AutoReplyConfig{PersonalEnabled: true, GroupAllowList: []string{"g1"}},
			msg:  transport.Message{ChatID: "g2", SenderID: "a", Text: "hi", IsGroup: true},
			want: false,
		},
		{
			name: "own message",
			cfg:  config.AutoReplyConfig{PersonalEnabled: true},
			msg:  transport.Message{ChatID: "c1", SenderID: "bot", Text: "hi", FromSelf: true},
			want: false,
		},
		{
			name: "empty text",
			cfg:  config.AutoReplyConfig{PersonalEnabled: true},
			msg:  transport.Message{ChatID: "c1", SenderID: "a"},
			want: false,
		},
		{
			name: "media with caption",
			cfg:  config.AutoReplyConfig{PersonalEnabled: true},
			msg:  transport.Message{ChatID: "c1", SenderID: "a", Text: "look", HasMedia: true},
			want: false,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			svc := New(&fakeChat{}, &fakeGen{}, tc.cfg, logx.Nop())
			defer svc.Stop()
			if got := svc.eligible(tc.msg); got != tc.want {
				t.Fatalf("eligible = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildTurns(t *testing.T) {
	t.Parallel()
	history := []transport.Message{
		{SenderID: "carol", Text: "off topic"},
		{SenderID: "alice", Text: "hey bot"},
		{SenderID: "bot", FromSelf: true, Text: "hello"},
		{SenderID: "alice", Text: ""},
		{SenderID: "alice", Text: "how are you"},
	}

	turns := buildTurns(history, "alice", "bot", 10)
	if len(turns) != 3 {
		t.Fatalf("got %d turns: %+v", len(turns), turns)
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, role := range wantRoles {
		if turns[i].Role != role {
			t.Fatalf("turns[%d].Role = %q, want %q", i, turns[i].Role, role)
		}
	}
	if turns[2].Content != "how are you" {
		t.Fatalf("last turn = %q", turns[2].Content)
	}
}

func TestBuildTurnsTrimsToLimitAndTrailingAssistant(t *testing.T) {
	t.Parallel()
	var history []transport.Message
	for i := 0; i < 20; i++ {
		history = append(history, transport.Message{SenderID: "alice", Text: "msg"})
	}
	history = append(history, transport.Message{SenderID: "bot", FromSelf: true, Text: "ack"})

	turns := buildTurns(history, "alice", "bot", 5)
	if len(turns) != 4 {
		t.Fatalf("got %d turns, want 4 after trailing-assistant trim", len(turns))
	}
	for _, turn := range turns {
		if turn.Role != "user" {
			t.Fatalf("unexpected role %q", turn.Role)
		}
	}
}

func TestTypingSignaledBeforeHistoryFetch(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{history: []transport.Message{{SenderID: "alice", Text: "hi"}}}
	gen := &fakeGen{out: "hey"}
	svc := New(chat, gen, fastCfg(), logx.Nop())
	defer svc.Stop()

	svc.HandleMessage(context.Background(), inbound("c1", "alice", "hi"))
	waitFor(t, func() bool { return chat.sentCount() == 1 })

	chat.mu.Lock()
	events := append([]string(nil), chat.events...)
	chat.mu.Unlock()

	want := []string{"typing-on", "history", "send", "typing-off"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i, e := range want {
		if events[i] != e {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestDebounceWaitsFullWindowAfterLastMessage(t *testing.T) {
	t.Parallel()
	const window = 50 * time.Millisecond

	chat := &fakeChat{history: []transport.Message{{SenderID: "alice", Text: "hi"}}}
	gen := &fakeGen{out: "hey"}
	cfg := fastCfg()
	cfg.DebounceWindow = "50ms"
	svc := New(chat, gen, cfg, logx.Nop())
	defer svc.Stop()

	ctx := context.Background()
	var lastSent time.Time
	for i := 0; i < 3; i++ {
		lastSent = time.Now()
		svc.HandleMessage(ctx, inbound("c1", "alice", "ping"))
		time.Sleep(20 * time.Millisecond)
	}

	waitFor(t, func() bool { return gen.callTime() != (time.Time{}) })
	if elapsed := gen.callTime().Sub(lastSent); elapsed < window {
		t.Fatalf("reply generated %v after last message, want >= %v", elapsed, window)
	}
}

func TestStopWaitsForInFlightReply(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{history: []transport.Message{{SenderID: "alice", Text: "hi"}}}
	gen := &fakeGen{out: "hey", block: make(chan struct{})}
	svc := New(chat, gen, fastCfg(), logx.Nop())

	svc.HandleMessage(context.Background(), inbound("c1", "alice", "hi"))
	waitFor(t, func() bool { return gen.callTime() != (time.Time{}) })

	stopped := make(chan struct{})
	go func() {
		svc.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a reply was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gen.block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the reply finished")
	}
	if chat.sentCount() != 1 {
		t.Fatalf("sent = %d, want the in-flight reply delivered", chat.sentCount())
	}
}

func TestGenerationFailureSendsNothing(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{history: []transport.Message{{SenderID: "alice", Text: "hi"}}}
	gen := &fakeGen{failErr: context.DeadlineExceeded}
	svc := New(chat, gen, fastCfg(), logx.Nop())
	defer svc.Stop()

	svc.HandleMessage(context.Background(), inbound("c1", "alice", "hi"))
	time.Sleep(100 * time.Millisecond)

	if chat.sentCount() != 0 {
		t.Fatalf("sent %d replies despite generation failure", chat.sentCount())
	}
}

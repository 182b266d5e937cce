package telegram

import (
	"context"
	"strconv"
	"testing"

	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

func testAdapter(size int) *Adapter {
	return &Adapter{
		log:         logx.Nop(),
		historySize: size,
		history:     make(map[string][]transport.Message),
	}
}

func TestHistoryRingBounded(t *testing.T) {
	t.Parallel()
	a := testAdapter(3)
	for i := 0; i < 10; i++ {
		a.record(transport.Message{ID: strconv.Itoa(i), ChatID: "c1", Text: "m" + strconv.Itoa(i)})
	}

	got, err := a.History(context.Background(), "c1", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].ID != "7" || got[2].ID != "9" {
		t.Fatalf("ring = %+v", got)
	}
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()
	a := testAdapter(10)
	for i := 0; i < 6; i++ {
		a.record(transport.Message{ID: strconv.Itoa(i), ChatID: "c1"})
	}

	got, _ := a.History(context.Background(), "c1", 2)
	if len(got) != 2 || got[0].ID != "4" {
		t.Fatalf("got %+v", got)
	}

	empty, _ := a.History(context.Background(), "other", 5)
	if len(empty) != 0 {
		t.Fatalf("got %+v for unknown chat", empty)
	}
}

func TestHistoryIsolatedPerChat(t *testing.T) {
	t.Parallel()
	a := testAdapter(10)
	a.record(transport.Message{ID: "1", ChatID: "c1"})
	a.record(transport.Message{ID: "2", ChatID: "c2"})

	got, _ := a.History(context.Background(), "c1", 0)
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("got %+v", got)
	}
}

func TestRecipientParsing(t *testing.T) {
	t.Parallel()
	if _, err := recipient("123456"); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
	if _, err := recipient("-1001234567890"); err != nil {
		t.Fatalf("supergroup id rejected: %v", err)
	}
	if _, err := recipient("not-a-number"); err == nil {
		t.Fatal("garbage id accepted")
	}
}

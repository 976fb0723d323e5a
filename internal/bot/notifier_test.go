package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v4"

	"healthwatch/internal/retry"
	"healthwatch/internal/storage"
)

type fakeSender struct {
	failures int
	calls    int
	lastTo   tele.Recipient
	lastText string
}

func (f *fakeSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("telegram: temporarily unavailable")
	}
	f.lastTo = to
	f.lastText, _ = what.(string)
	return &tele.Message{}, nil
}

func fastPolicy(attempts uint64) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestNotifierSendsText(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 100, 10, fastPolicy(3), zerolog.Nop())

	if err := n.Send(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sender.lastText != "hello" {
		t.Fatalf("unexpected text %q", sender.lastText)
	}
	if sender.lastTo.Recipient() != tele.ChatID(42).Recipient() {
		t.Fatalf("unexpected recipient %v", sender.lastTo)
	}
}

func TestNotifierRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failures: 2}
	n := NewNotifier(sender, 100, 10, fastPolicy(3), zerolog.Nop())

	if err := n.Send(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("Send should succeed after retries: %v", err)
	}
	if sender.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", sender.calls)
	}
}

func TestNotifierReportsExhaustedRetries(t *testing.T) {
	sender := &fakeSender{failures: 10}
	n := NewNotifier(sender, 100, 10, fastPolicy(2), zerolog.Nop())

	if err := n.Send(context.Background(), 42, "hello"); err == nil {
		t.Fatal("expected error once the attempt budget is spent")
	}
	if sender.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", sender.calls)
	}
}

func TestParseLevels(t *testing.T) {
	levels, err := parseLevels([]string{"25", "10.5"})
	if err != nil {
		t.Fatalf("parseLevels: %v", err)
	}
	if len(levels) != 2 || !levels[0].Equal(decimal.RequireFromString("25")) || !levels[1].Equal(decimal.RequireFromString("10.5")) {
		t.Fatalf("unexpected levels %v", levels)
	}

	if _, err := parseLevels([]string{"abc"}); err == nil {
		t.Fatal("expected error for non-numeric level")
	}
	if _, err := parseLevels([]string{"-5"}); err == nil {
		t.Fatal("expected error for negative level")
	}
}

func TestFormatSubscriptionsEmpty(t *testing.T) {
	got := formatSubscriptions(nil, "health", "%")
	if got == "" || got[0] == '\n' {
		t.Fatalf("unexpected empty-list text %q", got)
	}
}

func TestFormatSubscriptionsShowsArmState(t *testing.T) {
	records := []storage.AccountRecord{{
		Account: storage.Account{
			Address:    "0x1111111111111111111111111111111111111111",
			LastMetric: decimal.NewFromInt(42),
		},
		Subscribers: []storage.SubscriberRecord{{
			Subscriber: storage.Subscriber{ID: 1, RecipientID: 42},
			Thresholds: []storage.Threshold{
				{ID: 1, Level: decimal.NewFromInt(25), Armed: true},
				{ID: 2, Level: decimal.NewFromInt(45), Armed: false},
			},
		}},
	}}

	got := formatSubscriptions(records, "health", "%")
	for _, want := range []string{"health 42.00%", "level 25%", "level 45%", "armed", "fired"} {
		if !strings.Contains(got, want) {
			t.Fatalf("formatted list missing %q:\n%s", want, got)
		}
	}
}

func TestFormatSubscriptionsUsesMetricLabel(t *testing.T) {
	records := []storage.AccountRecord{{
		Account: storage.Account{
			Address:    "0x1111111111111111111111111111111111111111",
			LastMetric: decimal.NewFromInt(6000),
		},
		Subscribers: []storage.SubscriberRecord{{
			Subscriber: storage.Subscriber{ID: 1, RecipientID: 42},
			Thresholds: []storage.Threshold{{ID: 1, Level: decimal.NewFromInt(2000), Armed: true}},
		}},
	}}

	got := formatSubscriptions(records, "available credit", "")
	if !strings.Contains(got, "available credit 6000.00") {
		t.Fatalf("credit-mode list must name the metric:\n%s", got)
	}
	if strings.Contains(got, "health") {
		t.Fatalf("credit-mode list must not mention health:\n%s", got)
	}
}

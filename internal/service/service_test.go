package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"healthwatch/internal/chain"
	"healthwatch/internal/directory"
	"healthwatch/internal/retry"
	"healthwatch/internal/storage/storagetest"
)

const (
	addrA    = "0x1111111111111111111111111111111111111111"
	addrB    = "0x2222222222222222222222222222222222222222"
	badAddr  = "zzz"
	noPosErr = "0x3333333333333333333333333333333333333333"
)

type fakeResolver struct {
	metrics map[string]int64
}

func (f *fakeResolver) ResolveAccount(_ context.Context, address string) (chain.Position, error) {
	metric, ok := f.metrics[address]
	if !ok {
		return chain.Position{}, chain.ErrAccountNotFound
	}
	return chain.Position{Address: address, Metric: decimal.NewFromInt(metric)}, nil
}

func canonical(t *testing.T, raw string) string {
	t.Helper()
	addr, err := chain.NormalizeAddress(raw)
	if err != nil {
		t.Fatalf("NormalizeAddress(%q): %v", raw, err)
	}
	return addr
}

func newService(t *testing.T) (*Service, *directory.Directory) {
	t.Helper()
	store := storagetest.NewMemStore()
	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	dir := directory.New(store, store, policy, zerolog.Nop())
	resolver := &fakeResolver{metrics: map[string]int64{
		canonical(t, addrA): 80,
		canonical(t, addrB): 55,
	}}
	return New(dir, resolver, nil, nil, zerolog.Nop()), dir
}

func levels(values ...int64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromInt(v)
	}
	return out
}

func TestSubscribeReturnsCurrentMetric(t *testing.T) {
	svc, dir := newService(t)
	ctx := context.Background()

	metric, err := svc.Subscribe(ctx, 42, addrA, levels(25, 10))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !metric.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("expected current metric 80, got %s", metric)
	}

	rec, ok := dir.Mirror().Get(canonical(t, addrA))
	if !ok {
		t.Fatal("subscribing must populate the mirror")
	}
	if len(rec.Subscribers) != 1 || len(rec.Subscribers[0].Thresholds) != 2 {
		t.Fatalf("unexpected record shape %+v", rec)
	}
}

func TestSubscribeUnknownAccount(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Subscribe(context.Background(), 42, noPosErr, levels(25))
	if !errors.Is(err, chain.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSubscribeInvalidAddress(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Subscribe(context.Background(), 42, badAddr, levels(25))
	if !errors.Is(err, chain.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestSubscribeRejectsDuplicateLevel(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, 42, addrA, levels(25)); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	_, err := svc.Subscribe(ctx, 42, addrA, levels(25))
	if !errors.Is(err, ErrExistingThreshold) {
		t.Fatalf("expected ErrExistingThreshold, got %v", err)
	}

	// A different recipient may hold the same level.
	if _, err := svc.Subscribe(ctx, 43, addrA, levels(25)); err != nil {
		t.Fatalf("other recipient subscribe: %v", err)
	}
}

func TestSubscribeRejectsRepeatedLevelInRequest(t *testing.T) {
	svc, dir := newService(t)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, 42, addrA, levels(25, 25))
	if !errors.Is(err, ErrExistingThreshold) {
		t.Fatalf("expected ErrExistingThreshold, got %v", err)
	}
	if _, ok := dir.Mirror().Get(canonical(t, addrA)); ok {
		t.Fatal("a rejected request must not leave a partial subscription behind")
	}
	subs, err := svc.ListSubscriptions(ctx, 42)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after rejection, got %d", len(subs))
	}

	// The duplicate may appear anywhere in the request.
	_, err = svc.Subscribe(ctx, 42, addrA, levels(25, 40, 25))
	if !errors.Is(err, ErrExistingThreshold) {
		t.Fatalf("expected ErrExistingThreshold, got %v", err)
	}
	if _, ok := dir.Mirror().Get(canonical(t, addrA)); ok {
		t.Fatal("a rejected request must not leave a partial subscription behind")
	}
}

func TestSubscribeRequiresLevels(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Subscribe(context.Background(), 42, addrA, nil)
	if !errors.Is(err, ErrNoLevels) {
		t.Fatalf("expected ErrNoLevels, got %v", err)
	}
}

func TestUnsubscribeLastThresholdRemovesAccount(t *testing.T) {
	svc, dir := newService(t)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, 42, addrA, levels(25)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	remaining, err := svc.Unsubscribe(ctx, 42, addrA, levels(25))
	if err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if remaining {
		t.Fatal("recipient should have nothing left")
	}

	if _, ok := dir.Mirror().Get(canonical(t, addrA)); ok {
		t.Fatal("account must be gone once its last threshold is removed")
	}
	subs, err := svc.ListSubscriptions(ctx, 42)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected empty subscription list, got %d entries", len(subs))
	}
}

func TestUnsubscribeKeepsOtherSubscribers(t *testing.T) {
	svc, dir := newService(t)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, 42, addrA, levels(25)); err != nil {
		t.Fatalf("Subscribe 42: %v", err)
	}
	if _, err := svc.Subscribe(ctx, 43, addrA, levels(30)); err != nil {
		t.Fatalf("Subscribe 43: %v", err)
	}

	if _, err := svc.Unsubscribe(ctx, 42, addrA, nil); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	rec, ok := dir.Mirror().Get(canonical(t, addrA))
	if !ok {
		t.Fatal("account with a remaining subscriber must survive")
	}
	if len(rec.Subscribers) != 1 || rec.Subscribers[0].RecipientID != 43 {
		t.Fatalf("unexpected survivors %+v", rec.Subscribers)
	}
}

func TestUnsubscribeAllAccounts(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, 42, addrA, levels(25)); err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	if _, err := svc.Subscribe(ctx, 42, addrB, levels(40)); err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	remaining, err := svc.Unsubscribe(ctx, 42, "", nil)
	if err != nil {
		t.Fatalf("Unsubscribe all: %v", err)
	}
	if remaining {
		t.Fatal("expected no remaining thresholds")
	}
}

func TestUnsubscribeErrors(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Unsubscribe(ctx, 42, addrA, nil); !errors.Is(err, ErrNoThresholds) {
		t.Fatalf("expected ErrNoThresholds, got %v", err)
	}

	if _, err := svc.Subscribe(ctx, 42, addrA, levels(25)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := svc.Unsubscribe(ctx, 42, addrA, levels(30)); !errors.Is(err, ErrThresholdNotFound) {
		t.Fatalf("expected ErrThresholdNotFound, got %v", err)
	}
}

func TestListSubscriptionsNarrowsToRecipient(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Subscribe(ctx, 42, addrA, levels(25)); err != nil {
		t.Fatalf("Subscribe 42: %v", err)
	}
	if _, err := svc.Subscribe(ctx, 43, addrA, levels(30)); err != nil {
		t.Fatalf("Subscribe 43: %v", err)
	}

	subs, err := svc.ListSubscriptions(ctx, 42)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected one account, got %d", len(subs))
	}
	if len(subs[0].Subscribers) != 1 || subs[0].Subscribers[0].RecipientID != 42 {
		t.Fatalf("view must contain only the caller's subscriber row: %+v", subs[0].Subscribers)
	}
}

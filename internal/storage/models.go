package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a monitored borrow account, keyed by its on-chain address.
// A row exists only while at least one threshold is held against it.
type Account struct {
	Address    string
	LastMetric decimal.Decimal
	CreatedAt  time.Time
}

// Subscriber links one notification recipient to one account. Each
// (account, recipient) pair has exactly one row.
type Subscriber struct {
	ID          int64
	Address     string
	RecipientID int64
	CreatedAt   time.Time
}

// Threshold is a subscriber-chosen trigger level. Armed thresholds fire
// when the metric drops to or below Level; a fired threshold stays
// disarmed until the metric recovers past the re-arm margin.
type Threshold struct {
	ID           int64
	SubscriberID int64
	Level        decimal.Decimal
	Armed        bool
	CreatedAt    time.Time
}

// MetricSample is one observed metric change, kept for history export.
type MetricSample struct {
	Address   string
	SampleTS  time.Time
	Metric    decimal.Decimal
	CreatedAt time.Time
}

// SubscriberRecord is a subscriber with its threshold set attached.
type SubscriberRecord struct {
	Subscriber
	Thresholds []Threshold
}

// AccountRecord is the fully-hydrated view of an account used by the
// hysteresis engine and the in-memory mirror.
type AccountRecord struct {
	Account
	Subscribers []SubscriberRecord
}

// Recipients returns the distinct recipient ids subscribed to the account.
func (r *AccountRecord) Recipients() []int64 {
	seen := make(map[int64]struct{}, len(r.Subscribers))
	out := make([]int64, 0, len(r.Subscribers))
	for _, sub := range r.Subscribers {
		if _, ok := seen[sub.RecipientID]; ok {
			continue
		}
		seen[sub.RecipientID] = struct{}{}
		out = append(out, sub.RecipientID)
	}
	return out
}

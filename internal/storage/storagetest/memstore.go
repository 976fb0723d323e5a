// Package storagetest provides an in-memory AccountStore/SampleStore
// used by engine-level tests in place of postgres.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"healthwatch/internal/storage"
)

// MemStore is a mutex-guarded in-memory implementation of the storage
// interfaces with the same pruning semantics as the SQL layer.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]*storage.AccountRecord
	samples []storage.MetricSample
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{nextID: 1, records: make(map[string]*storage.AccountRecord)}
}

func (m *MemStore) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func cloneRecord(rec *storage.AccountRecord) storage.AccountRecord {
	out := *rec
	out.Subscribers = make([]storage.SubscriberRecord, len(rec.Subscribers))
	for i, sub := range rec.Subscribers {
		out.Subscribers[i] = sub
		out.Subscribers[i].Thresholds = append([]storage.Threshold(nil), sub.Thresholds...)
	}
	return out
}

// ListAccountRecords implements storage.AccountStore.
func (m *MemStore) ListAccountRecords(context.Context) ([]storage.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.records))
	for addr := range m.records {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	out := make([]storage.AccountRecord, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, cloneRecord(m.records[addr]))
	}
	return out, nil
}

// GetAccountRecord implements storage.AccountStore.
func (m *MemStore) GetAccountRecord(_ context.Context, address string) (storage.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[address]
	if !ok {
		return storage.AccountRecord{}, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListByRecipient implements storage.AccountStore.
func (m *MemStore) ListByRecipient(_ context.Context, recipientID int64) ([]storage.AccountRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.records))
	for addr := range m.records {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	out := make([]storage.AccountRecord, 0)
	for _, addr := range addrs {
		rec := m.records[addr]
		for _, sub := range rec.Subscribers {
			if sub.RecipientID != recipientID {
				continue
			}
			narrowed := cloneRecord(rec)
			narrowed.Subscribers = []storage.SubscriberRecord{{
				Subscriber: sub.Subscriber,
				Thresholds: append([]storage.Threshold(nil), sub.Thresholds...),
			}}
			out = append(out, narrowed)
			break
		}
	}
	return out, nil
}

// AddThreshold implements storage.AccountStore.
func (m *MemStore) AddThreshold(_ context.Context, address string, recipientID int64, level, initialMetric decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[address]
	if !ok {
		rec = &storage.AccountRecord{
			Account: storage.Account{Address: address, LastMetric: initialMetric, CreatedAt: time.Now()},
		}
		m.records[address] = rec
	}

	var sub *storage.SubscriberRecord
	for i := range rec.Subscribers {
		if rec.Subscribers[i].RecipientID == recipientID {
			sub = &rec.Subscribers[i]
			break
		}
	}
	if sub == nil {
		rec.Subscribers = append(rec.Subscribers, storage.SubscriberRecord{
			Subscriber: storage.Subscriber{ID: m.id(), Address: address, RecipientID: recipientID},
		})
		sub = &rec.Subscribers[len(rec.Subscribers)-1]
	}

	for _, thr := range sub.Thresholds {
		if thr.Level.Equal(level) {
			return storage.ErrDuplicateLevel
		}
	}
	sub.Thresholds = append(sub.Thresholds, storage.Threshold{
		ID:           m.id(),
		SubscriberID: sub.ID,
		Level:        level,
		Armed:        true,
	})
	return nil
}

// RemoveThreshold implements storage.AccountStore.
func (m *MemStore) RemoveThreshold(_ context.Context, thresholdID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, rec := range m.records {
		for si := range rec.Subscribers {
			sub := &rec.Subscribers[si]
			for ti, thr := range sub.Thresholds {
				if thr.ID != thresholdID {
					continue
				}
				sub.Thresholds = append(sub.Thresholds[:ti], sub.Thresholds[ti+1:]...)
				if len(sub.Thresholds) == 0 {
					rec.Subscribers = append(rec.Subscribers[:si], rec.Subscribers[si+1:]...)
				}
				if len(rec.Subscribers) == 0 {
					delete(m.records, addr)
				}
				return nil
			}
		}
	}
	return storage.ErrNotFound
}

// SetThresholdArmed implements storage.AccountStore.
func (m *MemStore) SetThresholdArmed(_ context.Context, thresholdID int64, armed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		for si := range rec.Subscribers {
			for ti := range rec.Subscribers[si].Thresholds {
				if rec.Subscribers[si].Thresholds[ti].ID == thresholdID {
					rec.Subscribers[si].Thresholds[ti].Armed = armed
					return nil
				}
			}
		}
	}
	return storage.ErrNotFound
}

// UpdateAccountMetric implements storage.AccountStore.
func (m *MemStore) UpdateAccountMetric(_ context.Context, address string, metric decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[address]
	if !ok {
		return storage.ErrNotFound
	}
	rec.LastMetric = metric
	return nil
}

// ExistingLevels implements storage.AccountStore.
func (m *MemStore) ExistingLevels(_ context.Context, address string, recipientID int64) ([]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[address]
	if !ok {
		return nil, nil
	}
	levels := make([]decimal.Decimal, 0)
	for _, sub := range rec.Subscribers {
		if sub.RecipientID != recipientID {
			continue
		}
		for _, thr := range sub.Thresholds {
			levels = append(levels, thr.Level)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].LessThan(levels[j]) })
	return levels, nil
}

// DeleteAccount implements storage.AccountStore.
func (m *MemStore) DeleteAccount(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[address]; !ok {
		return storage.ErrNotFound
	}
	delete(m.records, address)
	return nil
}

// CountAccounts implements storage.AccountStore.
func (m *MemStore) CountAccounts(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.records)), nil
}

// InsertMetricSample implements storage.SampleStore.
func (m *MemStore) InsertMetricSample(_ context.Context, sample storage.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sample)
	return nil
}

// ListSamplesBetween implements storage.SampleStore.
func (m *MemStore) ListSamplesBetween(_ context.Context, address string, from, to time.Time) ([]storage.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.MetricSample, 0)
	for _, s := range m.samples {
		if s.Address == address && !s.SampleTS.Before(from) && s.SampleTS.Before(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListRecentSamples implements storage.SampleStore.
func (m *MemStore) ListRecentSamples(_ context.Context, address string, limit int) ([]storage.MetricSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.MetricSample, 0)
	for i := len(m.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if m.samples[i].Address == address {
			out = append(out, m.samples[i])
		}
	}
	return out, nil
}

var (
	_ storage.AccountStore = (*MemStore)(nil)
	_ storage.SampleStore  = (*MemStore)(nil)
)

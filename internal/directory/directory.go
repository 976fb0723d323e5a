// Package directory is the sole writer of durable account, subscriber,
// and threshold state. Every operation is retried with the shared
// backoff policy; every mutation is followed by a read-after-write
// refresh of the in-memory mirror.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"healthwatch/internal/retry"
	"healthwatch/internal/storage"
)

// Directory wraps the account store with retry semantics and owns the
// mirror cache.
type Directory struct {
	store   storage.AccountStore
	samples storage.SampleStore
	policy  retry.Policy
	logger  zerolog.Logger
	mirror  *Mirror
}

// New constructs a Directory around the given store.
func New(store storage.AccountStore, samples storage.SampleStore, policy retry.Policy, logger zerolog.Logger) *Directory {
	return &Directory{
		store:   store,
		samples: samples,
		policy:  policy,
		logger:  logger.With().Str("component", "directory").Logger(),
		mirror:  NewMirror(),
	}
}

// Mirror exposes the read-only cache view.
func (d *Directory) Mirror() *Mirror {
	return d.mirror
}

// terminal wraps store errors that must not be retried.
func terminal(err error) error {
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrDuplicateLevel) {
		return retry.Permanent(err)
	}
	return err
}

// LoadAll hydrates the mirror from the store. Called once at startup.
func (d *Directory) LoadAll(ctx context.Context) error {
	var records []storage.AccountRecord
	err := retry.Do(ctx, d.logger, "list_account_records", d.policy, func(ctx context.Context) error {
		var innerErr error
		records, innerErr = d.store.ListAccountRecords(ctx)
		return innerErr
	})
	if err != nil {
		return err
	}
	d.mirror.replaceAll(records)
	d.logger.Info().Int("accounts", len(records)).Msg("mirror hydrated")
	return nil
}

// Refresh re-reads one account from the store and replaces its mirror
// entry. A confirmed ErrNotFound evicts the entry instead; this is the
// only path through which records leave the mirror.
func (d *Directory) Refresh(ctx context.Context, address string) error {
	var rec storage.AccountRecord
	err := retry.Do(ctx, d.logger, "get_account_record", d.policy, func(ctx context.Context) error {
		var innerErr error
		rec, innerErr = d.store.GetAccountRecord(ctx, address)
		return terminal(innerErr)
	})
	if errors.Is(err, storage.ErrNotFound) {
		d.mirror.remove(address)
		return nil
	}
	if err != nil {
		return err
	}
	d.mirror.replace(rec)
	return nil
}

// Get returns the durable record for an address.
func (d *Directory) Get(ctx context.Context, address string) (storage.AccountRecord, error) {
	var rec storage.AccountRecord
	err := retry.Do(ctx, d.logger, "get_account_record", d.policy, func(ctx context.Context) error {
		var innerErr error
		rec, innerErr = d.store.GetAccountRecord(ctx, address)
		return terminal(innerErr)
	})
	return rec, err
}

// ListByRecipient returns the accounts a recipient subscribes to.
func (d *Directory) ListByRecipient(ctx context.Context, recipientID int64) ([]storage.AccountRecord, error) {
	var records []storage.AccountRecord
	err := retry.Do(ctx, d.logger, "list_by_recipient", d.policy, func(ctx context.Context) error {
		var innerErr error
		records, innerErr = d.store.ListByRecipient(ctx, recipientID)
		return innerErr
	})
	return records, err
}

// ExistingLevels returns the levels already held by a recipient on an account.
func (d *Directory) ExistingLevels(ctx context.Context, address string, recipientID int64) ([]decimal.Decimal, error) {
	var levels []decimal.Decimal
	err := retry.Do(ctx, d.logger, "existing_levels", d.policy, func(ctx context.Context) error {
		var innerErr error
		levels, innerErr = d.store.ExistingLevels(ctx, address, recipientID)
		return innerErr
	})
	return levels, err
}

// AddThreshold writes a new threshold and refreshes the mirror.
func (d *Directory) AddThreshold(ctx context.Context, address string, recipientID int64, level, initialMetric decimal.Decimal) error {
	err := retry.Do(ctx, d.logger, "add_threshold", d.policy, func(ctx context.Context) error {
		return terminal(d.store.AddThreshold(ctx, address, recipientID, level, initialMetric))
	})
	if err != nil {
		return err
	}
	return d.Refresh(ctx, address)
}

// RemoveThreshold deletes a threshold and refreshes the mirror for the
// owning account (which may have been pruned away entirely).
func (d *Directory) RemoveThreshold(ctx context.Context, thresholdID int64, address string) error {
	err := retry.Do(ctx, d.logger, "remove_threshold", d.policy, func(ctx context.Context) error {
		return terminal(d.store.RemoveThreshold(ctx, thresholdID))
	})
	if err != nil {
		return err
	}
	return d.Refresh(ctx, address)
}

// SetThresholdArmed persists an arm transition without a mirror refresh;
// callers batch their refresh once per account after all writes.
func (d *Directory) SetThresholdArmed(ctx context.Context, thresholdID int64, armed bool) error {
	return retry.Do(ctx, d.logger, "set_threshold_armed", d.policy, func(ctx context.Context) error {
		return terminal(d.store.SetThresholdArmed(ctx, thresholdID, armed))
	})
}

// UpdateMetric persists the latest observed metric value.
func (d *Directory) UpdateMetric(ctx context.Context, address string, metric decimal.Decimal) error {
	return retry.Do(ctx, d.logger, "update_metric", d.policy, func(ctx context.Context) error {
		return terminal(d.store.UpdateAccountMetric(ctx, address, metric))
	})
}

// DeleteAccount cascades the account away and evicts the mirror entry.
func (d *Directory) DeleteAccount(ctx context.Context, address string) error {
	err := retry.Do(ctx, d.logger, "delete_account", d.policy, func(ctx context.Context) error {
		return terminal(d.store.DeleteAccount(ctx, address))
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	d.mirror.remove(address)
	return nil
}

// CountAccounts reports the number of monitored accounts in the store.
func (d *Directory) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := retry.Do(ctx, d.logger, "count_accounts", d.policy, func(ctx context.Context) error {
		var innerErr error
		count, innerErr = d.store.CountAccounts(ctx)
		return innerErr
	})
	return count, err
}

// RecordSample stores a metric history point. Best effort; sample loss
// never affects monitoring correctness.
func (d *Directory) RecordSample(ctx context.Context, address string, at time.Time, metric decimal.Decimal) {
	if d.samples == nil {
		return
	}
	err := retry.Do(ctx, d.logger, "insert_metric_sample", d.policy, func(ctx context.Context) error {
		return d.samples.InsertMetricSample(ctx, storage.MetricSample{Address: address, SampleTS: at, Metric: metric})
	})
	if err != nil {
		d.logger.Warn().Err(err).Str("address", address).Msg("failed to record metric sample")
	}
}

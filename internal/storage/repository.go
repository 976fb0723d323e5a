package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound signals the referenced row does not exist. Callers use
	// this to tell "no such record" apart from backend outages.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateLevel signals a threshold level already exists for the
	// subscriber.
	ErrDuplicateLevel = errors.New("storage: duplicate threshold level")
)

const pgUniqueViolation = "23505"

const (
	selectRecordsSQL = `SELECT
        a.address, a.last_metric, a.created_at,
        s.id, s.recipient_id,
        t.id, t.level, t.armed
    FROM accounts a
    LEFT JOIN subscribers s ON s.address = a.address
    LEFT JOIN thresholds t ON t.subscriber_id = s.id`

	listRecordsSQL = selectRecordsSQL + `
    ORDER BY a.address, s.id, t.level;`

	getRecordSQL = selectRecordsSQL + `
    WHERE a.address = $1
    ORDER BY s.id, t.level;`

	listRecordsByRecipientSQL = selectRecordsSQL + `
    WHERE a.address IN (SELECT address FROM subscribers WHERE recipient_id = $1)
    ORDER BY a.address, s.id, t.level;`

	upsertAccountSQL = `INSERT INTO accounts (address, last_metric)
    VALUES ($1, $2)
    ON CONFLICT (address) DO NOTHING;`

	upsertSubscriberSQL = `INSERT INTO subscribers (address, recipient_id)
    VALUES ($1, $2)
    ON CONFLICT (address, recipient_id) DO UPDATE SET recipient_id = EXCLUDED.recipient_id
    RETURNING id;`

	insertThresholdSQL = `INSERT INTO thresholds (subscriber_id, level)
    VALUES ($1, $2);`

	deleteThresholdSQL = `DELETE FROM thresholds WHERE id = $1 RETURNING subscriber_id;`

	subscriberAddressSQL = `SELECT address FROM subscribers WHERE id = $1;`

	pruneSubscriberSQL = `DELETE FROM subscribers s
    WHERE s.id = $1
      AND NOT EXISTS (SELECT 1 FROM thresholds t WHERE t.subscriber_id = s.id);`

	pruneAccountSQL = `DELETE FROM accounts a
    WHERE a.address = $1
      AND NOT EXISTS (SELECT 1 FROM subscribers s WHERE s.address = a.address);`

	setThresholdArmedSQL = `UPDATE thresholds SET armed = $2 WHERE id = $1;`

	updateAccountMetricSQL = `UPDATE accounts SET last_metric = $2 WHERE address = $1;`

	existingLevelsSQL = `SELECT t.level
    FROM thresholds t
    JOIN subscribers s ON s.id = t.subscriber_id
    WHERE s.address = $1 AND s.recipient_id = $2
    ORDER BY t.level;`

	deleteAccountSQL = `DELETE FROM accounts WHERE address = $1;`

	countAccountsSQL = `SELECT COUNT(*) FROM accounts;`

	insertSampleSQL = `INSERT INTO metric_samples (address, sample_ts, metric)
    VALUES ($1, $2, $3)
    ON CONFLICT (address, sample_ts) DO UPDATE SET metric = EXCLUDED.metric;`

	listSamplesBetweenSQL = `SELECT address, sample_ts, metric, created_at
    FROM metric_samples
    WHERE address = $1 AND sample_ts >= $2 AND sample_ts < $3
    ORDER BY sample_ts;`

	listRecentSamplesSQL = `SELECT address, sample_ts, metric, created_at
    FROM metric_samples
    WHERE address = $1
    ORDER BY sample_ts DESC
    LIMIT $2;`
)

// AccountStore defines the durable operations behind the account directory.
type AccountStore interface {
	ListAccountRecords(ctx context.Context) ([]AccountRecord, error)
	GetAccountRecord(ctx context.Context, address string) (AccountRecord, error)
	ListByRecipient(ctx context.Context, recipientID int64) ([]AccountRecord, error)
	AddThreshold(ctx context.Context, address string, recipientID int64, level, initialMetric decimal.Decimal) error
	RemoveThreshold(ctx context.Context, thresholdID int64) error
	SetThresholdArmed(ctx context.Context, thresholdID int64, armed bool) error
	UpdateAccountMetric(ctx context.Context, address string, metric decimal.Decimal) error
	ExistingLevels(ctx context.Context, address string, recipientID int64) ([]decimal.Decimal, error)
	DeleteAccount(ctx context.Context, address string) error
	CountAccounts(ctx context.Context) (int64, error)
}

// SampleStore defines operations for metric history persistence.
type SampleStore interface {
	InsertMetricSample(ctx context.Context, sample MetricSample) error
	ListSamplesBetween(ctx context.Context, address string, from, to time.Time) ([]MetricSample, error)
	ListRecentSamples(ctx context.Context, address string, limit int) ([]MetricSample, error)
}

// Store aggregates access to accounts, subscribers, thresholds, and samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListAccountRecords returns every monitored account with subscribers and
// thresholds attached.
func (s *Store) ListAccountRecords(ctx context.Context) ([]AccountRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecordsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list account records: %w", queryErr)
	}
	defer rows.Close()
	return assembleRecords(rows)
}

// GetAccountRecord returns a single hydrated account or ErrNotFound.
func (s *Store) GetAccountRecord(ctx context.Context, address string) (AccountRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AccountRecord{}, err
	}
	rows, queryErr := pool.Query(ctx, getRecordSQL, address)
	if queryErr != nil {
		return AccountRecord{}, fmt.Errorf("get account record: %w", queryErr)
	}
	defer rows.Close()

	records, assembleErr := assembleRecords(rows)
	if assembleErr != nil {
		return AccountRecord{}, assembleErr
	}
	if len(records) == 0 {
		return AccountRecord{}, ErrNotFound
	}
	return records[0], nil
}

// ListByRecipient returns all accounts the recipient subscribes to, with
// each record narrowed to that recipient's subscriber row.
func (s *Store) ListByRecipient(ctx context.Context, recipientID int64) ([]AccountRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecordsByRecipientSQL, recipientID)
	if queryErr != nil {
		return nil, fmt.Errorf("list accounts by recipient: %w", queryErr)
	}
	defer rows.Close()

	records, assembleErr := assembleRecords(rows)
	if assembleErr != nil {
		return nil, assembleErr
	}

	narrowed := make([]AccountRecord, 0, len(records))
	for _, rec := range records {
		subs := make([]SubscriberRecord, 0, 1)
		for _, sub := range rec.Subscribers {
			if sub.RecipientID == recipientID {
				subs = append(subs, sub)
			}
		}
		if len(subs) == 0 {
			continue
		}
		rec.Subscribers = subs
		narrowed = append(narrowed, rec)
	}
	return narrowed, nil
}

// AddThreshold creates the account and subscriber rows as needed and
// inserts the threshold. Duplicate levels surface ErrDuplicateLevel.
func (s *Store) AddThreshold(ctx context.Context, address string, recipientID int64, level, initialMetric decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin add threshold: %w", txErr)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertAccountSQL, address, initialMetric.String()); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	var subscriberID int64
	if err := tx.QueryRow(ctx, upsertSubscriberSQL, address, recipientID).Scan(&subscriberID); err != nil {
		return fmt.Errorf("upsert subscriber: %w", err)
	}

	if _, err := tx.Exec(ctx, insertThresholdSQL, subscriberID, level.String()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateLevel
		}
		return fmt.Errorf("insert threshold: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit add threshold: %w", err)
	}
	return nil
}

// RemoveThreshold deletes a threshold and prunes the subscriber and
// account rows once their last child is gone.
func (s *Store) RemoveThreshold(ctx context.Context, thresholdID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, txErr := pool.Begin(ctx)
	if txErr != nil {
		return fmt.Errorf("begin remove threshold: %w", txErr)
	}
	defer tx.Rollback(ctx)

	var subscriberID int64
	if err := tx.QueryRow(ctx, deleteThresholdSQL, thresholdID).Scan(&subscriberID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("delete threshold: %w", err)
	}

	var address string
	if err := tx.QueryRow(ctx, subscriberAddressSQL, subscriberID).Scan(&address); err != nil {
		return fmt.Errorf("resolve subscriber address: %w", err)
	}

	if _, err := tx.Exec(ctx, pruneSubscriberSQL, subscriberID); err != nil {
		return fmt.Errorf("prune subscriber: %w", err)
	}
	if _, err := tx.Exec(ctx, pruneAccountSQL, address); err != nil {
		return fmt.Errorf("prune account: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit remove threshold: %w", err)
	}
	return nil
}

// SetThresholdArmed persists an arm-state transition.
func (s *Store) SetThresholdArmed(ctx context.Context, thresholdID int64, armed bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setThresholdArmedSQL, thresholdID, armed)
	if execErr != nil {
		return fmt.Errorf("set threshold armed: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAccountMetric records the freshly observed metric value.
func (s *Store) UpdateAccountMetric(ctx context.Context, address string, metric decimal.Decimal) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, updateAccountMetricSQL, address, metric.String())
	if execErr != nil {
		return fmt.Errorf("update account metric: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExistingLevels lists the levels a recipient already holds on an account.
func (s *Store) ExistingLevels(ctx context.Context, address string, recipientID int64) ([]decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, existingLevelsSQL, address, recipientID)
	if queryErr != nil {
		return nil, fmt.Errorf("existing levels: %w", queryErr)
	}
	defer rows.Close()

	levels := make([]decimal.Decimal, 0)
	for rows.Next() {
		var levelStr string
		if err := rows.Scan(&levelStr); err != nil {
			return nil, err
		}
		level, convErr := decimal.NewFromString(levelStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse level: %w", convErr)
		}
		levels = append(levels, level)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return levels, nil
}

// DeleteAccount removes the account and cascades subscribers and thresholds.
func (s *Store) DeleteAccount(ctx context.Context, address string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, deleteAccountSQL, address)
	if execErr != nil {
		return fmt.Errorf("delete account: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountAccounts counts monitored accounts.
func (s *Store) CountAccounts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAccountsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count accounts: %w", scanErr)
	}
	return count, nil
}

// InsertMetricSample persists one observed metric change.
func (s *Store) InsertMetricSample(ctx context.Context, sample MetricSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertSampleSQL, sample.Address, sample.SampleTS, sample.Metric.String()); execErr != nil {
		return fmt.Errorf("insert metric sample: %w", execErr)
	}
	return nil
}

// ListSamplesBetween lists samples for an account within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, address string, from, to time.Time) ([]MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, address, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// ListRecentSamples lists the most recent samples for an account.
func (s *Store) ListRecentSamples(ctx context.Context, address string, limit int) ([]MetricSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, address, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()
	return scanSamples(rows)
}

func scanSamples(rows pgx.Rows) ([]MetricSample, error) {
	samples := make([]MetricSample, 0)
	for rows.Next() {
		var (
			sample    MetricSample
			metricStr string
		)
		if err := rows.Scan(&sample.Address, &sample.SampleTS, &metricStr, &sample.CreatedAt); err != nil {
			return nil, err
		}
		metric, convErr := decimal.NewFromString(metricStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse sample metric: %w", convErr)
		}
		sample.Metric = metric
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func assembleRecords(rows pgx.Rows) ([]AccountRecord, error) {
	records := make([]AccountRecord, 0)
	var (
		current *AccountRecord
		subIdx  map[int64]int
	)

	for rows.Next() {
		var (
			address     string
			metricStr   string
			createdAt   time.Time
			subID       sql.NullInt64
			recipientID sql.NullInt64
			thrID       sql.NullInt64
			levelStr    sql.NullString
			armed       sql.NullBool
		)
		if err := rows.Scan(&address, &metricStr, &createdAt, &subID, &recipientID, &thrID, &levelStr, &armed); err != nil {
			return nil, err
		}

		if current == nil || current.Address != address {
			metric, convErr := decimal.NewFromString(metricStr)
			if convErr != nil {
				return nil, fmt.Errorf("parse last metric: %w", convErr)
			}
			records = append(records, AccountRecord{
				Account: Account{Address: address, LastMetric: metric, CreatedAt: createdAt},
			})
			current = &records[len(records)-1]
			subIdx = make(map[int64]int)
		}

		if !subID.Valid {
			continue
		}
		idx, ok := subIdx[subID.Int64]
		if !ok {
			current.Subscribers = append(current.Subscribers, SubscriberRecord{
				Subscriber: Subscriber{ID: subID.Int64, Address: address, RecipientID: recipientID.Int64},
			})
			idx = len(current.Subscribers) - 1
			subIdx[subID.Int64] = idx
		}

		if !thrID.Valid {
			continue
		}
		level, convErr := decimal.NewFromString(levelStr.String)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold level: %w", convErr)
		}
		current.Subscribers[idx].Thresholds = append(current.Subscribers[idx].Thresholds, Threshold{
			ID:           thrID.Int64,
			SubscriberID: subID.Int64,
			Level:        level,
			Armed:        armed.Bool,
		})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// Package monitor runs the two concurrent halves of the watcher: the
// fixed-cadence poll loop that refreshes every monitored account's
// metric, and the push-driven reconciler that reacts to liquidation
// events and vanished accounts. Both communicate only through the
// directory and its mirror.
package monitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"healthwatch/internal/chain"
	"healthwatch/internal/directory"
	"healthwatch/internal/engine"
	"healthwatch/internal/scheduler"
)

// ChainClient is the slice of the protocol adapter the monitor consumes.
type ChainClient interface {
	ResolveAccount(ctx context.Context, address string) (chain.Position, error)
	ResolveBatch(ctx context.Context, addresses []string) ([]chain.Position, error)
	HasHistory(ctx context.Context, address string) (bool, error)
}

// Sink delivers one text notification to a recipient. Implementations
// retry transient failures internally; a returned error means delivery
// was abandoned and the caller just logs it.
type Sink interface {
	Send(ctx context.Context, recipientID int64, text string) error
}

// Options tune the monitor.
type Options struct {
	Engine            engine.Options
	HeartbeatSchedule string
}

// Monitor owns the poll loop and the event reconciler.
type Monitor struct {
	dir    *directory.Directory
	chain  ChainClient
	sink   Sink
	sched  *scheduler.Scheduler
	opts   Options
	logger zerolog.Logger
}

// New constructs a Monitor.
func New(dir *directory.Directory, chainClient ChainClient, sink Sink, sched *scheduler.Scheduler, opts Options, logger zerolog.Logger) *Monitor {
	return &Monitor{
		dir:    dir,
		chain:  chainClient,
		sink:   sink,
		sched:  sched,
		opts:   opts,
		logger: logger.With().Str("component", "monitor").Logger(),
	}
}

// Run blocks on the poll loop until ctx is cancelled. The daily
// heartbeat runs alongside it.
func (m *Monitor) Run(ctx context.Context) error {
	stopHeartbeat := m.startHeartbeat(ctx)
	defer stopHeartbeat()

	return m.sched.Run(ctx, m.Tick)
}

func (m *Monitor) startHeartbeat(ctx context.Context) func() {
	schedule := m.opts.HeartbeatSchedule
	if schedule == "" {
		schedule = "@daily"
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		count, countErr := m.dir.CountAccounts(ctx)
		if countErr != nil {
			m.logger.Warn().Err(countErr).Msg("heartbeat account count failed")
			return
		}
		m.logger.Info().Int64("accounts", count).Msg("heartbeat: monitoring accounts")
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("schedule", schedule).Msg("invalid heartbeat schedule, heartbeat disabled")
		return func() {}
	}

	c.Start()
	return func() { c.Stop() }
}

// Tick runs one poll pass: batch-resolve every mirrored account, apply
// the hysteresis engine to changed metrics, route closed positions to
// the deletion reconciler. A transient batch failure abandons the whole
// tick without applying partial results.
func (m *Monitor) Tick(ctx context.Context) error {
	addresses := m.dir.Mirror().Addresses()
	if len(addresses) == 0 {
		return nil
	}

	positions, err := m.chain.ResolveBatch(ctx, addresses)
	if err != nil {
		m.logger.Warn().Err(err).Int("accounts", len(addresses)).Msg("batch resolve failed, retrying next tick")
		return nil
	}

	var closed []string
	for _, pos := range positions {
		if pos.Closed {
			closed = append(closed, pos.Address)
			continue
		}
		m.applyPosition(ctx, pos)
	}

	for _, address := range closed {
		if err := m.ReconcileDeleted(ctx, address); err != nil {
			m.logger.Error().Err(err).Str("address", address).Msg("deleted-account reconciliation failed")
		}
	}

	return nil
}

// applyPosition updates one account from a fresh position. Failures are
// logged per account and never abort the remainder of the tick.
func (m *Monitor) applyPosition(ctx context.Context, pos chain.Position) {
	rec, ok := m.dir.Mirror().Get(pos.Address)
	if !ok {
		// Unsubscribed mid-tick; nothing to do.
		return
	}
	if pos.Metric.Equal(rec.LastMetric) {
		return
	}

	decision := engine.Decide(&rec, pos.Metric, m.opts.Engine)

	for _, change := range decision.ArmChanges {
		if err := m.dir.SetThresholdArmed(ctx, change.ThresholdID, change.Armed); err != nil {
			m.logger.Warn().Err(err).Int64("threshold", change.ThresholdID).Msg("failed to persist arm change")
		}
	}
	if err := m.dir.UpdateMetric(ctx, pos.Address, pos.Metric); err != nil {
		m.logger.Warn().Err(err).Str("address", pos.Address).Msg("failed to persist metric")
	}
	m.dir.RecordSample(ctx, pos.Address, time.Now().UTC(), pos.Metric)

	if err := m.dir.Refresh(ctx, pos.Address); err != nil {
		m.logger.Warn().Err(err).Str("address", pos.Address).Msg("mirror refresh failed")
	}

	for _, notice := range decision.Notices {
		if err := m.sink.Send(ctx, notice.RecipientID, notice.Text); err != nil {
			m.logger.Warn().Err(err).Int64("recipient", notice.RecipientID).Msg("notification delivery abandoned")
		}
	}
}

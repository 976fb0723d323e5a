// Package service exposes the operations behind the chat commands and
// wires the long-running halves of the watcher together.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"healthwatch/internal/chain"
	"healthwatch/internal/directory"
	"healthwatch/internal/monitor"
	"healthwatch/internal/storage"
)

var (
	// ErrNoThresholds signals the recipient has nothing to unsubscribe.
	ErrNoThresholds = errors.New("service: no thresholds registered")
	// ErrThresholdNotFound signals a named level is not registered.
	ErrThresholdNotFound = errors.New("service: threshold not found")
	// ErrExistingThreshold signals a duplicate level on subscribe.
	ErrExistingThreshold = errors.New("service: threshold level already exists")
	// ErrNoLevels signals a subscribe call without any levels.
	ErrNoLevels = errors.New("service: at least one level is required")
)

// ChainResolver is the slice of the protocol adapter the command surface needs.
type ChainResolver interface {
	ResolveAccount(ctx context.Context, address string) (chain.Position, error)
}

// LiquidationSource produces the push-based liquidation event stream.
type LiquidationSource interface {
	SubscribeLiquidations(ctx context.Context) (<-chan chain.Liquidation, error)
}

// Service backs the bot commands and owns the run lifecycle of the
// monitor and event reconciler.
type Service struct {
	dir      *directory.Directory
	resolver ChainResolver
	events   LiquidationSource
	mon      *monitor.Monitor
	logger   zerolog.Logger
}

// New constructs the service.
func New(dir *directory.Directory, resolver ChainResolver, events LiquidationSource, mon *monitor.Monitor, logger zerolog.Logger) *Service {
	return &Service{
		dir:      dir,
		resolver: resolver,
		events:   events,
		mon:      mon,
		logger:   logger.With().Str("component", "service").Logger(),
	}
}

// AttachMonitor wires the monitor after construction. The bot needs the
// service and the monitor's sink needs the bot, so the monitor arrives
// last during startup.
func (s *Service) AttachMonitor(mon *monitor.Monitor) {
	s.mon = mon
}

// Subscribe registers thresholds for a recipient on an account and
// returns the account's current metric. The account must resolve
// on-chain; levels repeated within the request or already registered
// by the same recipient are rejected before anything is written.
func (s *Service) Subscribe(ctx context.Context, recipientID int64, rawAddress string, levels []decimal.Decimal) (decimal.Decimal, error) {
	if len(levels) == 0 {
		return decimal.Zero, ErrNoLevels
	}
	address, err := chain.NormalizeAddress(rawAddress)
	if err != nil {
		return decimal.Zero, err
	}

	pos, err := s.resolver.ResolveAccount(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}

	existing, err := s.dir.ExistingLevels(ctx, address, recipientID)
	if err != nil {
		return decimal.Zero, err
	}
	for i, level := range levels {
		for _, prior := range levels[:i] {
			if level.Equal(prior) {
				return decimal.Zero, fmt.Errorf("%w: %s", ErrExistingThreshold, level)
			}
		}
		for _, have := range existing {
			if level.Equal(have) {
				return decimal.Zero, fmt.Errorf("%w: %s", ErrExistingThreshold, level)
			}
		}
	}

	for _, level := range levels {
		if err := s.dir.AddThreshold(ctx, address, recipientID, level, pos.Metric); err != nil {
			if errors.Is(err, storage.ErrDuplicateLevel) {
				return decimal.Zero, fmt.Errorf("%w: %s", ErrExistingThreshold, level)
			}
			return decimal.Zero, err
		}
	}

	s.logger.Info().Int64("recipient", recipientID).Str("address", address).Int("levels", len(levels)).Msg("subscription added")
	return pos.Metric, nil
}

// Unsubscribe removes thresholds. With no address every subscription of
// the recipient goes; with an address but no levels, all thresholds on
// that account go; with levels, exactly those thresholds go. The return
// value reports whether the recipient still has any thresholds left.
func (s *Service) Unsubscribe(ctx context.Context, recipientID int64, rawAddress string, levels []decimal.Decimal) (bool, error) {
	var (
		records []storage.AccountRecord
		err     error
	)
	if rawAddress == "" {
		records, err = s.dir.ListByRecipient(ctx, recipientID)
		if err != nil {
			return false, err
		}
	} else {
		address, addrErr := chain.NormalizeAddress(rawAddress)
		if addrErr != nil {
			return false, addrErr
		}
		all, listErr := s.dir.ListByRecipient(ctx, recipientID)
		if listErr != nil {
			return false, listErr
		}
		for _, rec := range all {
			if rec.Address == address {
				records = append(records, rec)
			}
		}
	}
	if len(records) == 0 {
		return false, ErrNoThresholds
	}

	targets, err := collectTargets(records, levels)
	if err != nil {
		return false, err
	}

	for _, target := range targets {
		if err := s.dir.RemoveThreshold(ctx, target.thresholdID, target.address); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
	}

	remaining, err := s.dir.ListByRecipient(ctx, recipientID)
	if err != nil {
		return false, err
	}
	s.logger.Info().Int64("recipient", recipientID).Int("removed", len(targets)).Msg("subscription removed")
	return len(remaining) > 0, nil
}

type removeTarget struct {
	thresholdID int64
	address     string
}

// collectTargets maps the requested levels onto threshold ids, or every
// threshold when no levels are named.
func collectTargets(records []storage.AccountRecord, levels []decimal.Decimal) ([]removeTarget, error) {
	var targets []removeTarget
	if len(levels) == 0 {
		for _, rec := range records {
			for _, sub := range rec.Subscribers {
				for _, thr := range sub.Thresholds {
					targets = append(targets, removeTarget{thresholdID: thr.ID, address: rec.Address})
				}
			}
		}
		return targets, nil
	}

	for _, level := range levels {
		found := false
		for _, rec := range records {
			for _, sub := range rec.Subscribers {
				for _, thr := range sub.Thresholds {
					if thr.Level.Equal(level) {
						targets = append(targets, removeTarget{thresholdID: thr.ID, address: rec.Address})
						found = true
					}
				}
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrThresholdNotFound, level)
		}
	}
	return targets, nil
}

// ListSubscriptions returns the recipient's accounts with their
// threshold sets.
func (s *Service) ListSubscriptions(ctx context.Context, recipientID int64) ([]storage.AccountRecord, error) {
	return s.dir.ListByRecipient(ctx, recipientID)
}

// Run starts the poll loop and the liquidation stream and blocks until
// ctx is cancelled or the poll loop fails.
func (s *Service) Run(ctx context.Context) error {
	if s.mon == nil {
		return fmt.Errorf("monitor not configured")
	}

	if s.events != nil {
		events, err := s.events.SubscribeLiquidations(ctx)
		if err != nil {
			return fmt.Errorf("subscribe liquidations: %w", err)
		}
		go func() {
			for ev := range events {
				s.mon.HandleLiquidation(ctx, ev)
			}
			s.logger.Warn().Msg("liquidation stream ended")
		}()
	} else {
		s.logger.Warn().Msg("liquidation stream not configured; auto-repay detection disabled")
	}

	return s.mon.Run(ctx)
}

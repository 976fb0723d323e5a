package monitor

import (
	"context"
	"errors"
	"fmt"

	"healthwatch/internal/chain"
	"healthwatch/internal/engine"
)

// ErrNoHistory marks the fatal reconciliation case: an account fails
// its existence check yet its address has no on-chain history. A
// tracked borrower always transacted at least once, so this points at a
// data-integrity bug rather than a closed position. The account is left
// untouched.
var ErrNoHistory = errors.New("monitor: vanished account has no on-chain history")

// HandleLiquidation notifies every subscriber of a liquidated account,
// once per distinct recipient. Borrowers repaying their own position
// produce no notifications.
func (m *Monitor) HandleLiquidation(ctx context.Context, ev chain.Liquidation) {
	rec, ok := m.dir.Mirror().Get(ev.Borrower)
	if !ok {
		return
	}
	if ev.SelfTriggered() {
		m.logger.Debug().Str("address", ev.Borrower).Str("tx", ev.TxHash).Msg("self-triggered repay, not notifying")
		return
	}

	m.logger.Info().Str("address", ev.Borrower).Str("tx", ev.TxHash).Msg("liquidation observed for monitored account")

	text := engine.LiquidationMessage(ev.Borrower, ev.TxHash)
	for _, recipientID := range rec.Recipients() {
		if err := m.sink.Send(ctx, recipientID, text); err != nil {
			m.logger.Warn().Err(err).Int64("recipient", recipientID).Msg("liquidation notice delivery abandoned")
		}
	}
}

// ReconcileDeleted handles an account the batch lookup reported as gone.
// Existence is re-checked directly first, so a transient batch glitch
// never deletes live state. Confirmed deletions cascade through the
// directory and each affected subscriber gets a one-time notice.
func (m *Monitor) ReconcileDeleted(ctx context.Context, address string) error {
	rec, ok := m.dir.Mirror().Get(address)
	if !ok {
		return nil
	}

	_, err := m.chain.ResolveAccount(ctx, address)
	if err == nil {
		m.logger.Debug().Str("address", address).Msg("batch reported deletion but account resolves; ignoring")
		return nil
	}
	if !errors.Is(err, chain.ErrAccountNotFound) {
		return fmt.Errorf("confirm deletion of %s: %w", address, err)
	}

	hasHistory, err := m.chain.HasHistory(ctx, address)
	if err != nil {
		return fmt.Errorf("history check for %s: %w", address, err)
	}
	if !hasHistory {
		m.logger.Error().Str("address", address).Msg("vanished account has no history; refusing to reconcile")
		return fmt.Errorf("%w: %s", ErrNoHistory, address)
	}

	if err := m.dir.DeleteAccount(ctx, address); err != nil {
		return fmt.Errorf("delete account %s: %w", address, err)
	}

	m.logger.Info().Str("address", address).Msg("account deleted on-chain, monitoring stopped")

	text := engine.DeletedMessage(address)
	for _, recipientID := range rec.Recipients() {
		if err := m.sink.Send(ctx, recipientID, text); err != nil {
			m.logger.Warn().Err(err).Int64("recipient", recipientID).Msg("deletion notice delivery abandoned")
		}
	}
	return nil
}

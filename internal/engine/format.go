package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ShortAddress abbreviates an account address for message text.
func ShortAddress(address string) string {
	if len(address) <= 12 {
		return address
	}
	return address[:8] + "…" + address[len(address)-4:]
}

func crossedMessage(address string, metric, level decimal.Decimal, opts Options) string {
	return fmt.Sprintf("⚠️ %s: %s dropped to %s%s, crossing your alert level %s%s.",
		ShortAddress(address), opts.MetricLabel(), metric.StringFixed(2), opts.Unit, level.String(), opts.Unit)
}

// LiquidationMessage is the auto-repay notice sent to each subscriber of
// a liquidated account.
func LiquidationMessage(address, txHash string) string {
	return fmt.Sprintf("🚨 %s was partially liquidated on-chain (auto-repay). Tx: %s", ShortAddress(address), txHash)
}

// DeletedMessage is the one-time notice sent when a watched account no
// longer exists on-chain.
func DeletedMessage(address string) string {
	return fmt.Sprintf("ℹ️ %s no longer exists on-chain and has been removed from monitoring.", ShortAddress(address))
}

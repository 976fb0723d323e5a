// Package chain adapts the lending-pool contract to the monitoring
// engine: batched position reads, an account-history probe, and the
// liquidation event stream.
package chain

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound signals the address has no open position on the
	// pool (or never had one).
	ErrAccountNotFound = errors.New("chain: account has no position")
	// ErrInvalidAddress signals a malformed account address.
	ErrInvalidAddress = errors.New("chain: invalid address")
	// ErrClientUnavailable is returned once dial retries are exhausted;
	// the adapter stays down until the process restarts.
	ErrClientUnavailable = errors.New("chain: client unavailable")
)

const poolABIJSON = `[
  {"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"getUserAccountData","outputs":[{"internalType":"uint256","name":"totalCollateralBase","type":"uint256"},{"internalType":"uint256","name":"totalDebtBase","type":"uint256"},{"internalType":"uint256","name":"availableBorrowsBase","type":"uint256"},{"internalType":"uint256","name":"currentLiquidationThreshold","type":"uint256"},{"internalType":"uint256","name":"ltv","type":"uint256"},{"internalType":"uint256","name":"healthFactor","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"collateralAsset","type":"address"},{"indexed":true,"internalType":"address","name":"debtAsset","type":"address"},{"indexed":true,"internalType":"address","name":"user","type":"address"},{"indexed":false,"internalType":"uint256","name":"debtToCover","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"liquidatedCollateralAmount","type":"uint256"},{"indexed":false,"internalType":"address","name":"liquidator","type":"address"},{"indexed":false,"internalType":"bool","name":"receiveAToken","type":"bool"}],"name":"LiquidationCall","type":"event"}
]`

var poolABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(poolABIJSON))
	if err != nil {
		panic("failed to parse lending pool ABI: " + err.Error())
	}
	poolABI = parsed
}

// Position is the resolved state of one borrow account. Metric carries
// the configured risk figure (health percentage or available credit);
// Closed marks positions that no longer exist on the pool.
type Position struct {
	Address string
	Closed  bool
	Metric  decimal.Decimal
}

// Liquidation is one decoded LiquidationCall event.
type Liquidation struct {
	Borrower   string
	Liquidator string
	TxHash     string
	DebtCover  decimal.Decimal
}

// SelfTriggered reports whether the borrower liquidated (repaid) their
// own position; those events are deliberate and must not be alerted on.
func (l Liquidation) SelfTriggered() bool {
	return strings.EqualFold(l.Borrower, l.Liquidator)
}

// NormalizeAddress validates and canonicalises an account address.
func NormalizeAddress(raw string) (string, error) {
	if !common.IsHexAddress(raw) {
		return "", ErrInvalidAddress
	}
	return common.HexToAddress(raw).Hex(), nil
}

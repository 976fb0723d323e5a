package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"healthwatch/internal/config"
	"healthwatch/internal/retry"
)

var (
	hundred  = decimal.NewFromInt(100)
	basisDiv = decimal.NewFromInt(10000)
)

// Options parameterise the pool client.
type Options struct {
	RPCURL          string
	WSURL           string
	PoolAddress     string
	Metric          string
	RequestTimeout  time.Duration
	DialBaseDelay   time.Duration
	DialMaxAttempts uint64
}

// Client reads borrow positions from the lending pool over JSON-RPC.
type Client struct {
	opts   Options
	logger zerolog.Logger
	pool   common.Address

	mu    sync.Mutex
	rpc   *gethrpc.Client
	eth   *ethclient.Client
	fatal error
}

// NewClient builds a pool client. Connections are dialled lazily with
// bounded exponential backoff on first use.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	if opts.RPCURL == "" {
		return nil, fmt.Errorf("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(opts.PoolAddress) {
		return nil, fmt.Errorf("invalid pool address %q", opts.PoolAddress)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.DialBaseDelay <= 0 {
		opts.DialBaseDelay = 2 * time.Second
	}
	if opts.DialMaxAttempts == 0 {
		opts.DialMaxAttempts = 8
	}
	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "chain_client").Logger(),
		pool:   common.HexToAddress(opts.PoolAddress),
	}, nil
}

func (c *Client) dialPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.opts.DialMaxAttempts,
		BaseDelay:   c.opts.DialBaseDelay,
		MaxDelay:    c.opts.DialBaseDelay << 6,
	}
}

// getClient returns the shared RPC connection, dialling it on first use.
// Once the dial budget is exhausted the client is marked unavailable for
// the remainder of the process lifetime.
func (c *Client) getClient(ctx context.Context) (*gethrpc.Client, *ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fatal != nil {
		return nil, nil, c.fatal
	}
	if c.rpc != nil {
		return c.rpc, c.eth, nil
	}

	var rpcClient *gethrpc.Client
	err := retry.Do(ctx, c.logger, "dial_rpc", c.dialPolicy(), func(ctx context.Context) error {
		var dialErr error
		rpcClient, dialErr = gethrpc.DialContext(ctx, c.opts.RPCURL)
		return dialErr
	})
	if err != nil {
		c.fatal = fmt.Errorf("%w: %v", ErrClientUnavailable, err)
		c.logger.Error().Err(err).Msg("rpc dial attempts exhausted; client marked unavailable")
		return nil, nil, c.fatal
	}

	c.rpc = rpcClient
	c.eth = ethclient.NewClient(rpcClient)
	c.logger.Info().Str("url", c.opts.RPCURL).Msg("rpc connection established")
	return c.rpc, c.eth, nil
}

// ResolveAccount fetches one position. Closed positions surface
// ErrAccountNotFound.
func (c *Client) ResolveAccount(ctx context.Context, address string) (Position, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	_, eth, err := c.getClient(ctx)
	if err != nil {
		return Position{}, err
	}

	input, err := poolABI.Pack("getUserAccountData", common.HexToAddress(address))
	if err != nil {
		return Position{}, err
	}

	out, err := eth.CallContract(ctx, ethereum.CallMsg{To: &c.pool, Data: input}, nil)
	if err != nil {
		return Position{}, fmt.Errorf("call getUserAccountData: %w", err)
	}

	pos, err := c.decodePosition(address, out)
	if err != nil {
		return Position{}, err
	}
	if pos.Closed {
		return Position{}, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return pos, nil
}

// ResolveBatch fetches positions for many accounts in one RPC round
// trip. Any transport or per-element failure makes the whole batch fail
// (retryable by the caller); closed positions are reported per entry,
// never as an error.
func (c *Client) ResolveBatch(ctx context.Context, addresses []string) ([]Position, error) {
	if len(addresses) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	rpcClient, _, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	batch := make([]gethrpc.BatchElem, len(addresses))
	results := make([]hexutil.Bytes, len(addresses))
	for i, addr := range addresses {
		input, packErr := poolABI.Pack("getUserAccountData", common.HexToAddress(addr))
		if packErr != nil {
			return nil, packErr
		}
		batch[i] = gethrpc.BatchElem{
			Method: "eth_call",
			Args: []interface{}{
				map[string]interface{}{
					"to":   c.pool.Hex(),
					"data": hexutil.Encode(input),
				},
				"latest",
			},
			Result: &results[i],
		}
	}

	if err := rpcClient.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("batch eth_call: %w", err)
	}

	positions := make([]Position, len(addresses))
	for i, elem := range batch {
		if elem.Error != nil {
			return nil, fmt.Errorf("batch element %s: %w", addresses[i], elem.Error)
		}
		pos, decodeErr := c.decodePosition(addresses[i], results[i])
		if decodeErr != nil {
			return nil, decodeErr
		}
		positions[i] = pos
	}
	return positions, nil
}

// HasHistory reports whether the address ever transacted on-chain. A
// borrower that opened a position has a nonzero nonce, or carries code
// when the position is held through a smart-contract wallet. An address
// with neither is spurious.
func (c *Client) HasHistory(ctx context.Context, address string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	_, eth, err := c.getClient(ctx)
	if err != nil {
		return false, err
	}

	addr := common.HexToAddress(address)
	nonce, err := eth.NonceAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("fetch nonce: %w", err)
	}
	if nonce > 0 {
		return true, nil
	}

	code, err := eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, fmt.Errorf("fetch code: %w", err)
	}
	return len(code) > 0, nil
}

func (c *Client) decodePosition(address string, data []byte) (Position, error) {
	outputs, err := poolABI.Unpack("getUserAccountData", data)
	if err != nil {
		return Position{}, fmt.Errorf("decode getUserAccountData: %w", err)
	}
	if len(outputs) != 6 {
		return Position{}, fmt.Errorf("unexpected getUserAccountData output arity %d", len(outputs))
	}

	collateral, ok1 := outputs[0].(*big.Int)
	debt, ok2 := outputs[1].(*big.Int)
	available, ok3 := outputs[2].(*big.Int)
	liqThreshold, ok4 := outputs[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return Position{}, fmt.Errorf("unexpected getUserAccountData output types")
	}

	if collateral.Sign() == 0 && debt.Sign() == 0 {
		return Position{Address: address, Closed: true}, nil
	}

	pos := Position{Address: address}
	switch c.opts.Metric {
	case config.MetricCredit:
		pos.Metric = decimal.NewFromBigInt(available, 0)
	default:
		pos.Metric = healthPercent(collateral, debt, liqThreshold)
	}
	return pos, nil
}

// healthPercent derives borrow-capacity headroom in [0,100]: 100 means
// no debt, 0 means the position sits at its liquidation threshold.
func healthPercent(collateral, debt, liqThresholdBps *big.Int) decimal.Decimal {
	if debt.Sign() == 0 {
		return hundred
	}
	capacity := decimal.NewFromBigInt(collateral, 0).Mul(decimal.NewFromBigInt(liqThresholdBps, 0)).Div(basisDiv)
	if capacity.IsZero() {
		return decimal.Zero
	}
	health := hundred.Sub(decimal.NewFromBigInt(debt, 0).Mul(hundred).Div(capacity))
	if health.IsNegative() {
		return decimal.Zero
	}
	if health.GreaterThan(hundred) {
		return hundred
	}
	return health
}

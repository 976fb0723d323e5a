package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"healthwatch/internal/retry"
)

// SubscribeLiquidations opens a websocket log subscription on the pool
// contract and streams decoded LiquidationCall events. The stream
// survives transient subscription failures by redialling with the same
// bounded backoff as the RPC path; once the budget is spent the channel
// is closed and the caller should treat the stream as dead.
func (c *Client) SubscribeLiquidations(ctx context.Context) (<-chan Liquidation, error) {
	if c.opts.WSURL == "" {
		return nil, fmt.Errorf("ethereum ws url not configured")
	}

	out := make(chan Liquidation, 16)
	go c.runSubscription(ctx, out)
	return out, nil
}

func (c *Client) runSubscription(ctx context.Context, out chan<- Liquidation) {
	defer close(out)
	logger := c.logger.With().Str("component", "liquidation_stream").Logger()
	topic := poolABI.Events["LiquidationCall"].ID

	for {
		if ctx.Err() != nil {
			return
		}

		var ws *ethclient.Client
		err := retry.Do(ctx, logger, "dial_ws", c.dialPolicy(), func(ctx context.Context) error {
			var dialErr error
			ws, dialErr = ethclient.DialContext(ctx, c.opts.WSURL)
			return dialErr
		})
		if err != nil {
			logger.Error().Err(err).Msg("websocket dial attempts exhausted; liquidation stream stopped")
			return
		}

		err = c.consumeLogs(ctx, ws, topic, out, logger)
		ws.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("liquidation subscription dropped, reconnecting")
	}
}

func (c *Client) consumeLogs(ctx context.Context, ws *ethclient.Client, topic common.Hash, out chan<- Liquidation, logger zerolog.Logger) error {
	logs := make(chan types.Log, 16)
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.pool},
		Topics:    [][]common.Hash{{topic}},
	}

	sub, err := ws.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return fmt.Errorf("subscribe filter logs: %w", err)
	}
	defer sub.Unsubscribe()

	logger.Info().Str("pool", c.pool.Hex()).Msg("liquidation subscription established")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			ev, decodeErr := decodeLiquidation(lg)
			if decodeErr != nil {
				logger.Warn().Err(decodeErr).Str("tx", lg.TxHash.Hex()).Msg("undecodable liquidation log")
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func decodeLiquidation(lg types.Log) (Liquidation, error) {
	if len(lg.Topics) < 4 {
		return Liquidation{}, fmt.Errorf("liquidation log has %d topics, want 4", len(lg.Topics))
	}

	fields := make(map[string]interface{})
	if err := poolABI.UnpackIntoMap(fields, "LiquidationCall", lg.Data); err != nil {
		return Liquidation{}, fmt.Errorf("unpack liquidation log: %w", err)
	}

	liquidator, ok := fields["liquidator"].(common.Address)
	if !ok {
		return Liquidation{}, fmt.Errorf("liquidation log missing liquidator")
	}

	ev := Liquidation{
		Borrower:   common.BytesToAddress(lg.Topics[3].Bytes()).Hex(),
		Liquidator: liquidator.Hex(),
		TxHash:     lg.TxHash.Hex(),
	}
	if debt, ok := fields["debtToCover"].(*big.Int); ok {
		ev.DebtCover = decimal.NewFromBigInt(debt, 0)
	}
	return ev, nil
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"crypto-payment-engine/config"
	"crypto-payment-engine/internal/core/ports"
	"crypto-payment-engine/pkg/apperror"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Client implements ports.ChainClient over one or more JSON-RPC endpoints.
// Every call tries endpoints in order and fails over on error; each attempt
// carries its own timeout so a hung node cannot stall the watcher loop.
type Client struct {
	endpoints []*ethclient.Client
	urls      []string
	chainID   *big.Int
	timeout   time.Duration
	log       zerolog.Logger
}

// NewClient dials all configured RPC endpoints. At least one endpoint must be
// reachable; unreachable ones stay in rotation and are retried per call.
func NewClient(ctx context.Context, cfg config.ChainConfig, log zerolog.Logger) (*Client, error) {
	if len(cfg.RPCEndpoints) == 0 {
		return nil, errors.New("no rpc endpoints configured")
	}

	c := &Client{
		chainID: big.NewInt(cfg.ChainID),
		timeout: cfg.RPCTimeout,
		log:     log.With().Str("component", "chain_client").Logger(),
	}

	var reachable int
	for _, url := range cfg.RPCEndpoints {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			c.log.Warn().Err(err).Str("endpoint", url).Msg("RPC endpoint unreachable at startup")
			continue
		}
		c.endpoints = append(c.endpoints, ec)
		c.urls = append(c.urls, url)
		reachable++
	}
	if reachable == 0 {
		return nil, apperror.ErrAllEndpointsDown(errors.New("no rpc endpoint reachable"))
	}

	c.log.Info().
		Int("endpoints", reachable).
		Int64("chain_id", cfg.ChainID).
		Str("network", cfg.Network).
		Msg("chain client initialized")
	return c, nil
}

// ChainID identifies the network for transaction signing.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// HeadBlock returns the current chain head number.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.each(ctx, "head_block", func(ctx context.Context, ec *ethclient.Client) error {
		n, err := ec.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// FilterTransfers returns Transfer events emitted by the given token
// contracts over the inclusive block range.
func (c *Client) FilterTransfers(ctx context.Context, tokenAddresses []string, fromBlock, toBlock uint64) ([]ports.TransferEvent, error) {
	contracts := make([]common.Address, 0, len(tokenAddresses))
	for _, a := range tokenAddresses {
		contracts = append(contracts, common.HexToAddress(a))
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: contracts,
		Topics:    [][]common.Hash{{transferTopic}},
	}

	var logs []types.Log
	err := c.each(ctx, "filter_transfers", func(ctx context.Context, ec *ethclient.Client) error {
		ls, err := ec.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = ls
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]ports.TransferEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := parseTransferLog(l)
		if err != nil {
			// Non-fungible transfers share the topic; skip them.
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// TransactionReceipt returns nil, nil when the transaction is not part of the
// canonical chain, which callers read as "reorged out or not yet mined".
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*ports.TxReceipt, error) {
	var receipt *ports.TxReceipt
	err := c.each(ctx, "transaction_receipt", func(ctx context.Context, ec *ethclient.Client) error {
		r, err := ec.TransactionReceipt(ctx, common.HexToHash(txHash))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				receipt = nil
				return nil
			}
			return err
		}
		receipt = &ports.TxReceipt{
			TxHash:      r.TxHash.Hex(),
			BlockNumber: r.BlockNumber.Uint64(),
			Success:     r.Status == types.ReceiptStatusSuccessful,
		}
		return nil
	})
	return receipt, err
}

// NativeBalance returns the native-token balance in wei.
func (c *Client) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	var bal *big.Int
	err := c.each(ctx, "native_balance", func(ctx context.Context, ec *ethclient.Client) error {
		b, err := ec.BalanceAt(ctx, common.HexToAddress(address), nil)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	return bal, err
}

// PendingNonce returns the next nonce for the address including pending txs.
func (c *Client) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := c.each(ctx, "pending_nonce", func(ctx context.Context, ec *ethclient.Client) error {
		n, err := ec.PendingNonceAt(ctx, common.HexToAddress(address))
		if err != nil {
			return err
		}
		nonce = n
		return nil
	})
	return nonce, err
}

// SuggestGasPrice returns the node's gas price estimate.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := c.each(ctx, "suggest_gas_price", func(ctx context.Context, ec *ethclient.Client) error {
		p, err := ec.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		price = p
		return nil
	})
	return price, err
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.each(ctx, "send_transaction", func(ctx context.Context, ec *ethclient.Client) error {
		return ec.SendTransaction(ctx, tx)
	})
}

// Close releases all endpoint connections.
func (c *Client) Close() {
	for _, ec := range c.endpoints {
		ec.Close()
	}
}

// each runs the call against every endpoint in order until one succeeds.
func (c *Client) each(ctx context.Context, op string, fn func(ctx context.Context, ec *ethclient.Client) error) error {
	var lastErr error
	for i, ec := range c.endpoints {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx, ec)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		c.log.Warn().Err(err).Str("op", op).Str("endpoint", c.urls[i]).Msg("RPC call failed, trying next endpoint")

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return apperror.ErrAllEndpointsDown(fmt.Errorf("%s: %w", op, lastErr))
}

package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// TransferEvent is one token-standard Transfer log observed on chain.
// Amounts are in base units of the token contract.
type TransferEvent struct {
	TxHash       string
	LogIndex     uint32
	From         string
	To           string
	TokenAddress string
	Amount       *big.Int
	BlockNumber  uint64
}

// TxReceipt is the subset of a transaction receipt the engine cares about.
type TxReceipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
}

// ChainClient abstracts a JSON-RPC node for an account-based smart-contract
// chain. Implementations carry per-call timeouts and fail over across
// endpoints; callers treat every error as transient unless wrapped otherwise.
type ChainClient interface {
	// HeadBlock returns the current chain head number.
	HeadBlock(ctx context.Context) (uint64, error)
	// FilterTransfers returns Transfer events emitted by the given token
	// contracts over the inclusive block range.
	FilterTransfers(ctx context.Context, tokenAddresses []string, fromBlock, toBlock uint64) ([]TransferEvent, error)
	// TransactionReceipt returns nil, nil when the transaction is not (or no
	// longer) part of the canonical chain.
	TransactionReceipt(ctx context.Context, txHash string) (*TxReceipt, error)
	// NativeBalance returns the native-token balance in wei.
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	// PendingNonce returns the next nonce for the address including pending txs.
	PendingNonce(ctx context.Context, address string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// ChainID identifies the network for transaction signing.
	ChainID() *big.Int
}

package integration

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"crypto-payment-engine/internal/core/ports"

	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain is a scriptable in-memory chain node. Tests advance the head,
// emit deposit transfers and drop receipts to simulate reorgs. Broadcast
// transactions are mined instantly at the current head.
type fakeChain struct {
	mu       sync.Mutex
	head     uint64
	chainID  *big.Int
	events   []ports.TransferEvent
	receipts map[string]*ports.TxReceipt
	balances map[string]*big.Int
	nonces   map[string]uint64
	sent     []*types.Transaction
	sendErr  error
	seq      int
}

func newFakeChain(head uint64) *fakeChain {
	return &fakeChain{
		head:     head,
		chainID:  big.NewInt(1),
		receipts: make(map[string]*ports.TxReceipt),
		balances: make(map[string]*big.Int),
		nonces:   make(map[string]uint64),
	}
}

func (f *fakeChain) setHead(head uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = head
}

// emitTransfer records a token transfer event at the given block and gives
// it a mined receipt.
func (f *fakeChain) emitTransfer(tokenAddr, to string, amount *big.Int, block uint64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	txHash := fmt.Sprintf("0xdeposit%04d", f.seq)
	f.events = append(f.events, ports.TransferEvent{
		TxHash:       txHash,
		LogIndex:     0,
		From:         "0x1111111111111111111111111111111111111111",
		To:           to,
		TokenAddress: tokenAddr,
		Amount:       new(big.Int).Set(amount),
		BlockNumber:  block,
	})
	f.receipts[txHash] = &ports.TxReceipt{TxHash: txHash, BlockNumber: block, Success: true}
	return txHash
}

// dropReceipt simulates a reorg removing the transaction from the chain.
func (f *fakeChain) dropReceipt(txHash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.receipts, txHash)
}

// failSends makes every broadcast fail with err, or succeed again when nil.
func (f *fakeChain) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeChain) HeadBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) FilterTransfers(ctx context.Context, tokenAddresses []string, fromBlock, toBlock uint64) ([]ports.TransferEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []ports.TransferEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash string) (*ports.TxReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

func (f *fakeChain) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[lowercase(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) PendingNonce(ctx context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.nonces[address]
	f.nonces[address] = n + 1
	return n, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

// SendTransaction mines the transaction immediately at the current head and
// credits native transfers to the recipient.
func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash().Hex()] = &ports.TxReceipt{
		TxHash:      tx.Hash().Hex(),
		BlockNumber: f.head,
		Success:     true,
	}
	if tx.To() != nil && tx.Value().Sign() > 0 {
		addr := lowercase(tx.To().Hex())
		if _, ok := f.balances[addr]; !ok {
			f.balances[addr] = big.NewInt(0)
		}
		f.balances[addr].Add(f.balances[addr], tx.Value())
	}
	return nil
}

func (f *fakeChain) ChainID() *big.Int {
	return f.chainID
}

func lowercase(s string) string { return strings.ToLower(s) }

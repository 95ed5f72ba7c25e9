package chain

import (
	"fmt"
	"math/big"

	"crypto-payment-engine/internal/core/ports"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// transferMethodID is the first four bytes of keccak256("transfer(address,uint256)").
var transferMethodID = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// parseTransferLog decodes a token Transfer log into a TransferEvent.
func parseTransferLog(l types.Log) (ports.TransferEvent, error) {
	if len(l.Topics) != 3 || l.Topics[0] != transferTopic {
		return ports.TransferEvent{}, fmt.Errorf("not an erc20 transfer log: %s", l.TxHash.Hex())
	}
	// ERC-721 Transfer shares the topic but indexes the token ID, leaving no
	// data payload.
	if len(l.Data) != 32 {
		return ports.TransferEvent{}, fmt.Errorf("transfer log has no amount payload: %s", l.TxHash.Hex())
	}

	return ports.TransferEvent{
		TxHash:       l.TxHash.Hex(),
		LogIndex:     uint32(l.Index),
		From:         common.HexToAddress(l.Topics[1].Hex()).Hex(),
		To:           common.HexToAddress(l.Topics[2].Hex()).Hex(),
		TokenAddress: l.Address.Hex(),
		Amount:       new(big.Int).SetBytes(l.Data),
		BlockNumber:  l.BlockNumber,
	}, nil
}

// TransferCalldata builds the calldata for transfer(to, amount). Used by the
// settlement executor to move tokens off deposit addresses.
func TransferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferMethodID...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

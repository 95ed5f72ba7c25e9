package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"crypto-payment-engine/config"
	"crypto-payment-engine/internal/core/ports"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/tyler-smith/go-bip39"
)

// BIP-44 path components for m/44'/60'/0'/0/index.
const (
	purposeBIP44  = hdkeychain.HardenedKeyStart + 44
	coinTypeEther = hdkeychain.HardenedKeyStart + 60
	accountZero   = hdkeychain.HardenedKeyStart
)

const maxIndexRetries = 10

// HDWalletService implements ports.WalletService over a BIP-39 mnemonic.
// Deposit keys are reconstructed from the master key per call and zeroed
// before returning; only addresses and signed transactions leave this type.
type HDWalletService struct {
	master      *hdkeychain.ExtendedKey
	opKey       *ecdsa.PrivateKey
	opAddress   common.Address
	signer      types.Signer
	counterRepo ports.DerivationCounterRepository
	log         zerolog.Logger
}

// NewHDWalletService derives the external-chain parent key from the mnemonic
// and loads the operational signing key. The mnemonic itself is not retained
// and is never logged.
func NewHDWalletService(cfg config.WalletConfig, chainID *big.Int, counterRepo ports.DerivationCounterRepository, log zerolog.Logger) (*HDWalletService, error) {
	if !bip39.IsMnemonicValid(cfg.Mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(cfg.Mnemonic, "")
	defer zeroBytes(seed)

	root, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("deriving master key: %w", err)
	}

	// Walk m/44'/60'/0'/0 once; per-order keys hang off this parent.
	parent := root
	for _, step := range []uint32{purposeBIP44, coinTypeEther, accountZero, 0} {
		next, err := parent.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("deriving path step %d: %w", step, err)
		}
		if parent != root {
			parent.Zero()
		}
		parent = next
	}
	root.Zero()

	opKey, err := crypto.HexToECDSA(cfg.OperationalKey)
	if err != nil {
		return nil, fmt.Errorf("parsing operational key: %w", err)
	}

	s := &HDWalletService{
		master:      parent,
		opKey:       opKey,
		opAddress:   crypto.PubkeyToAddress(opKey.PublicKey),
		signer:      types.LatestSignerForChainID(chainID),
		counterRepo: counterRepo,
		log:         log.With().Str("component", "wallet").Logger(),
	}

	s.log.Info().Str("operational_address", s.opAddress.Hex()).Msg("wallet service initialized")
	return s, nil
}

// NextIndex atomically allocates the next derivation index via the database
// counter. Loses of the compare-and-swap re-read and retry, so two concurrent
// creates never share an index.
func (s *HDWalletService) NextIndex(ctx context.Context) (uint32, error) {
	for i := 0; i < maxIndexRetries; i++ {
		cur, err := s.counterRepo.Current(ctx)
		if err != nil {
			return 0, fmt.Errorf("read derivation counter: %w", err)
		}
		ok, err := s.counterRepo.IncrementCAS(ctx, cur)
		if err != nil {
			return 0, fmt.Errorf("advance derivation counter: %w", err)
		}
		if ok {
			return cur + 1, nil
		}
	}
	return 0, errors.New("derivation counter contention, giving up")
}

// DeriveAddress returns the deposit address at the given index. Pure function
// of the master seed and index.
func (s *HDWalletService) DeriveAddress(index uint32) (string, error) {
	key, cleanup, err := s.depositKey(index)
	if err != nil {
		return "", err
	}
	defer cleanup()
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// SignDepositTx signs with the deposit key at index.
func (s *HDWalletService) SignDepositTx(index uint32, tx *types.Transaction) (*types.Transaction, error) {
	key, cleanup, err := s.depositKey(index)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	signed, err := types.SignTx(tx, s.signer, key)
	if err != nil {
		return nil, fmt.Errorf("signing deposit tx: %w", err)
	}
	return signed, nil
}

// SignOperationalTx signs with the gas-funding wallet key.
func (s *HDWalletService) SignOperationalTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.opKey)
	if err != nil {
		return nil, fmt.Errorf("signing operational tx: %w", err)
	}
	return signed, nil
}

// OperationalAddress is the gas-funding wallet address.
func (s *HDWalletService) OperationalAddress() string {
	return s.opAddress.Hex()
}

// depositKey reconstructs the private key at m/44'/60'/0'/0/index. The
// returned cleanup zeroes all key material and must always run.
func (s *HDWalletService) depositKey(index uint32) (*ecdsa.PrivateKey, func(), error) {
	child, err := s.master.Derive(index)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving index %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		child.Zero()
		return nil, nil, fmt.Errorf("extracting key at index %d: %w", index, err)
	}
	ecdsaKey := priv.ToECDSA()

	cleanup := func() {
		zeroBig(ecdsaKey.D)
		priv.Zero()
		child.Zero()
	}
	return ecdsaKey, cleanup, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroBig(n *big.Int) {
	bits := n.Bits()
	for i := range bits {
		bits[i] = 0
	}
}

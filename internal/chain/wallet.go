// Package chain talks to the settlement chain: ERC-20 funding reads, legacy
// transaction signing and broadcast, and bounded receipt polling.
package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet holds the EOA key that owns the funding asset and signs settlement
// transactions. The key never leaves this type.
type Wallet struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     ethtypes.Signer
}

// NewWallet parses a hex private key (0x prefix optional).
func NewWallet(hexKey string, chainID int64) (*Wallet, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if chainID <= 0 {
		return nil, fmt.Errorf("invalid chain id %d", chainID)
	}

	id := big.NewInt(chainID)
	return &Wallet{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:    id,
		signer:     ethtypes.LatestSignerForChainID(id),
	}, nil
}

// Address returns the wallet's Ethereum address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// ChainID returns the configured chain ID.
func (w *Wallet) ChainID() *big.Int {
	return new(big.Int).Set(w.chainID)
}

// SignTx signs tx with EIP-155 replay protection for the wallet's chain.
func (w *Wallet) SignTx(tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	signed, err := ethtypes.SignTx(tx, w.signer, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// SignHash signs a 32-byte digest and returns the 65-byte [R || S || V]
// signature with V shifted to 27/28.
func (w *Wallet) SignHash(hash []byte) ([]byte, error) {
	sig, err := crypto.Sign(hash, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign hash: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

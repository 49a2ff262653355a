// Package fakeparty provides in-process stand-ins for the platform, the identity
// service and the wallet, for use in tests.
package fakeparty

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wallet signs messages with a throwaway key
type Wallet struct {
	key *ecdsa.PrivateKey
}

// NewWallet generates a wallet with a random key
func NewWallet() *Wallet {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return &Wallet{key: key}
}

// Address returns the checksummed address
func (w *Wallet) Address() string {
	return crypto.PubkeyToAddress(w.key.PublicKey).Hex()
}

// Sign produces a personal_sign signature with V in {27, 28}
func (w *Wallet) Sign(message string) string {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), w.key)
	if err != nil {
		panic(err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig)
}

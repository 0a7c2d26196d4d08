package chain

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
)

// Signer holds the locally-held signing account keyed to a chain id.
// External signer endpoints are configured without a key; state-changing
// operations then fail with ErrCodeNoSigner at first use.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewSigner derives a signing account from a hex private key. An empty key
// returns (nil, nil): a nil *Signer is a valid "no signer" configuration.
func NewSigner(hexKey string, chainID *big.Int) (*Signer, error) {
	if hexKey == "" {
		return nil, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInvalidInput, "invalid signer private key")
	}

	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

// Address returns the signer's account address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign signs a transaction for the signer's chain.
func (s *Signer) Sign(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to sign transaction")
	}
	return signed, nil
}

// errNoSigner is returned by state-changing operations without an account.
func errNoSigner() error {
	return apperr.New(apperr.ErrCodeNoSigner, "no signing account configured")
}

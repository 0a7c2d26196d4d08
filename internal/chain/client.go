// Package chain wraps the anchoring contract behind a typed client. The RPC
// transport is abstracted as Backend so tests can run against a fake node;
// ethclient.Client satisfies it directly.
package chain

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/retry"
)

// Backend is the slice of the Ethereum RPC surface the client uses.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// BatchView mirrors the contract's stored batch tuple.
type BatchView struct {
	MerkleRoot  [32]byte
	BatchSize   *big.Int
	Issuer      common.Address
	MetadataURI string
	Timestamp   *big.Int
}

// Config configures the chain client.
type Config struct {
	ContractAddress common.Address
	MaxGasPrice     *big.Int
	MaxRetries      int
	RetryBase       time.Duration
}

// Client performs contract calls and transaction tracking against the
// anchoring contract.
type Client struct {
	backend  Backend
	signer   *Signer
	contract common.Address
	cfg      Config
	policy   retry.Policy
	log      zerolog.Logger
}

// New creates a chain client. signer may be nil; read-only operations keep
// working, state-changing operations fail with a NO_SIGNER error.
func New(backend Backend, signer *Signer, cfg Config, log zerolog.Logger) *Client {
	return &Client{
		backend:  backend,
		signer:   signer,
		contract: cfg.ContractAddress,
		cfg:      cfg,
		policy: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			Base:       cfg.RetryBase,
			Retryable:  apperr.IsRetryable,
		},
		log: log.With().Str("component", "chain").Logger(),
	}
}

// AnchorBatch writes the Merkle root, batch size and metadata URI into the
// contract and returns the transaction hash.
//
// Gas preparation (estimate, price, nonce) runs under the retry policy, but
// the transaction is signed once and that same signed transaction is
// re-broadcast on transport errors: one logical send per claimed batch.
func (c *Client) AnchorBatch(ctx context.Context, merkleRoot [32]byte, batchSize uint64, metadataURI string) (string, error) {
	if c.signer == nil {
		return "", errNoSigner()
	}

	cabi, err := contractABI()
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrCodeInternal, "contract ABI is invalid")
	}

	data, err := cabi.Pack("anchorBatch", merkleRoot, new(big.Int).SetUint64(batchSize), metadataURI)
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrCodeInternal, "failed to pack anchorBatch call")
	}

	var signedTx *types.Transaction
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		from := c.signer.Address()

		gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: from,
			To:   &c.contract,
			Data: data,
		})
		if err != nil {
			return classifyRPCError(err, "gas estimation failed")
		}
		// 20% headroom over the estimate.
		gas = gas * 120 / 100

		gasPrice, err := c.backend.SuggestGasPrice(ctx)
		if err != nil {
			return classifyRPCError(err, "gas price lookup failed")
		}
		if c.cfg.MaxGasPrice != nil && gasPrice.Cmp(c.cfg.MaxGasPrice) > 0 {
			gasPrice = new(big.Int).Set(c.cfg.MaxGasPrice)
		}

		nonce, err := c.backend.PendingNonceAt(ctx, from)
		if err != nil {
			return classifyRPCError(err, "nonce lookup failed")
		}

		tx := types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &c.contract,
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		})

		signedTx, err = c.signer.Sign(tx)
		return err
	})
	if err != nil {
		return "", err
	}

	// Re-broadcasting an already-accepted transaction is harmless (the node
	// dedupes by hash), so the send itself may be retried without ever
	// producing a second logical transaction.
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
			return classifyRPCError(err, "failed to send anchor transaction")
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	txHash := signedTx.Hash().Hex()
	c.log.Info().
		Str("tx_hash", txHash).
		Uint64("batch_size", batchSize).
		Str("metadata_uri", metadataURI).
		Msg("anchor transaction sent")

	return txHash, nil
}

// VerifyInvoiceByCID performs the read-only proof verification call.
func (c *Client) VerifyInvoiceByCID(ctx context.Context, merkleRoot [32]byte, cid string, proof [][32]byte) (bool, error) {
	cabi, err := contractABI()
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrCodeInternal, "contract ABI is invalid")
	}

	data, err := cabi.Pack("verifyInvoiceByCID", merkleRoot, cid, proof)
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to pack verifyInvoiceByCID call")
	}

	var valid bool
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		if err != nil {
			return classifyRPCError(err, "verifyInvoiceByCID call failed")
		}

		results, err := cabi.Unpack("verifyInvoiceByCID", out)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodePermanent, "failed to unpack verifyInvoiceByCID result")
		}
		valid = results[0].(bool)
		return nil
	})
	if err != nil {
		return false, err
	}

	return valid, nil
}

// RegisterIndividualInvoice submits the optional per-invoice index entry.
// Best-effort: callers treat errors as advisory.
func (c *Client) RegisterIndividualInvoice(ctx context.Context, merkleRoot [32]byte, invoiceID, cid string, invoiceHash [32]byte) error {
	if c.signer == nil {
		return errNoSigner()
	}

	cabi, err := contractABI()
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "contract ABI is invalid")
	}

	data, err := cabi.Pack("registerIndividualInvoice", merkleRoot, invoiceID, cid, invoiceHash)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to pack registerIndividualInvoice call")
	}

	from := c.signer.Address()

	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.contract, Data: data})
	if err != nil {
		return classifyRPCError(err, "gas estimation failed")
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return classifyRPCError(err, "gas price lookup failed")
	}
	if c.cfg.MaxGasPrice != nil && gasPrice.Cmp(c.cfg.MaxGasPrice) > 0 {
		gasPrice = new(big.Int).Set(c.cfg.MaxGasPrice)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return classifyRPCError(err, "nonce lookup failed")
	}

	signedTx, err := c.signer.Sign(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      gas * 120 / 100,
		GasPrice: gasPrice,
		Data:     data,
	}))
	if err != nil {
		return err
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return classifyRPCError(err, "failed to send register transaction")
	}

	return nil
}

// GetBatch reads the anchored batch tuple. Returns nil when the root is not
// anchored (all-zero stored root).
func (c *Client) GetBatch(ctx context.Context, merkleRoot [32]byte) (*BatchView, error) {
	cabi, err := contractABI()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "contract ABI is invalid")
	}

	data, err := cabi.Pack("getBatch", merkleRoot)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to pack getBatch call")
	}

	var view *BatchView
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		if err != nil {
			return classifyRPCError(err, "getBatch call failed")
		}

		results, err := cabi.Unpack("getBatch", out)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodePermanent, "failed to unpack getBatch result")
		}

		v := &BatchView{
			MerkleRoot:  results[0].([32]byte),
			BatchSize:   results[1].(*big.Int),
			Issuer:      results[2].(common.Address),
			MetadataURI: results[3].(string),
			Timestamp:   results[4].(*big.Int),
		}
		if v.MerkleRoot == ([32]byte{}) {
			view = nil
			return nil
		}
		view = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	return view, nil
}

// TransactionReceipt returns the receipt, or nil while the transaction is
// still pending.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err == ethereum.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, classifyRPCError(err, "receipt lookup failed")
	}
	return receipt, nil
}

// CurrentBlock returns the head block number.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, classifyRPCError(err, "block number lookup failed")
	}
	return n, nil
}

// IsConfirmed reports whether txHash has a receipt buried at least
// requiredConfirmations blocks deep, together with that receipt. A pending
// transaction returns (false, nil, nil).
func (c *Client) IsConfirmed(ctx context.Context, txHash string, requiredConfirmations uint64) (bool, *types.Receipt, error) {
	receipt, err := c.TransactionReceipt(ctx, txHash)
	if err != nil {
		return false, nil, err
	}
	if receipt == nil {
		return false, nil, nil
	}

	current, err := c.CurrentBlock(ctx)
	if err != nil {
		return false, nil, err
	}

	mined := receipt.BlockNumber.Uint64()
	confirmed := current >= mined && current-mined+1 >= requiredConfirmations
	return confirmed, receipt, nil
}

// classifyRPCError maps node errors to the taxonomy: reverts and malformed
// calls are permanent, everything else (transport, timeout) is retryable.
func classifyRPCError(err error, msg string) error {
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "execution reverted") ||
		strings.Contains(s, "invalid argument") ||
		strings.Contains(s, "insufficient funds") ||
		strings.Contains(s, "nonce too low") {
		return apperr.Wrap(err, apperr.ErrCodePermanent, msg)
	}
	return apperr.Wrap(err, apperr.ErrCodeUnavailable, msg)
}

package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/ipfs"
	"github.com/pesio-ai/be-ap-anchoring/internal/merkle"
)

// BatchInfo summarizes the anchored batch an invoice belongs to.
type BatchInfo struct {
	BatchID     string     `json:"batch_id"`
	MerkleRoot  string     `json:"merkle_root"`
	TxHash      *string    `json:"tx_hash,omitempty"`
	BlockNumber *int64     `json:"block_number,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	OnChainSize uint64     `json:"on_chain_size,omitempty"`
	Issuer      string     `json:"issuer,omitempty"`
	MetadataURI string     `json:"metadata_uri,omitempty"`
	AnchoredAt  *time.Time `json:"anchored_at,omitempty"`
}

// VerificationResult is returned by VerifyInvoice.
type VerificationResult struct {
	InvoiceID int64           `json:"invoice_id"`
	IsValid   bool            `json:"is_valid"`
	BatchInfo *BatchInfo      `json:"batch_info,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Verifier answers "is this invoice anchored?" by replaying the proof
// against the on-chain root and fetching the batch metadata from IPFS.
type Verifier struct {
	invoices InvoiceStore
	batches  BatchStore
	anchor   Anchorer
	pinner   ipfs.Pinner
	log      zerolog.Logger
}

// NewVerifier creates the verification service.
func NewVerifier(invoices InvoiceStore, batches BatchStore, anchor Anchorer, pinner ipfs.Pinner, log zerolog.Logger) *Verifier {
	return &Verifier{
		invoices: invoices,
		batches:  batches,
		anchor:   anchor,
		pinner:   pinner,
		log:      log.With().Str("component", "verifier").Logger(),
	}
}

// VerifyInvoice verifies one invoice against its anchored batch.
func (v *Verifier) VerifyInvoice(ctx context.Context, invoiceID int64) (*VerificationResult, error) {
	inv, err := v.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	if inv.CID == nil || *inv.CID == "" {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "invoice %d has not been pinned yet", invoiceID)
	}
	if inv.BatchID == nil {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "invoice %d has not been batched yet", invoiceID)
	}
	if inv.MerkleProof == nil || *inv.MerkleProof == "" {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "invoice %d carries no merkle proof", invoiceID)
	}

	batch, err := v.batches.GetByID(ctx, *inv.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.MerkleRoot == nil || *batch.MerkleRoot == "" {
		return nil, apperr.Newf(apperr.ErrCodeConflict, "batch %s carries no merkle root", batch.BatchID)
	}

	root, err := merkle.RootBytes(*batch.MerkleRoot)
	if err != nil {
		return nil, err
	}

	var proofHex []string
	if err := json.Unmarshal([]byte(*inv.MerkleProof), &proofHex); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "stored merkle proof is malformed")
	}
	proof, err := merkle.ProofBytes(proofHex)
	if err != nil {
		return nil, err
	}

	info := &BatchInfo{
		BatchID:     batch.BatchID,
		MerkleRoot:  *batch.MerkleRoot,
		TxHash:      batch.TxHash,
		BlockNumber: batch.BlockNumber,
		ConfirmedAt: batch.ConfirmedAt,
	}

	view, err := v.anchor.GetBatch(ctx, root)
	if err != nil {
		return nil, err
	}
	if view == nil {
		// Root not anchored: invoice cannot be valid yet.
		v.log.Info().Int64("invoice_id", invoiceID).Str("batch_id", batch.BatchID).Msg("batch root not anchored")
		return &VerificationResult{InvoiceID: invoiceID, IsValid: false, BatchInfo: info}, nil
	}

	info.OnChainSize = view.BatchSize.Uint64()
	info.Issuer = view.Issuer.Hex()
	info.MetadataURI = view.MetadataURI
	if view.Timestamp != nil && view.Timestamp.Sign() > 0 {
		t := time.Unix(view.Timestamp.Int64(), 0).UTC()
		info.AnchoredAt = &t
	}

	valid, err := v.anchor.VerifyInvoiceByCID(ctx, root, *inv.CID, proof)
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{InvoiceID: invoiceID, IsValid: valid, BatchInfo: info}

	if batch.BatchCID != nil && *batch.BatchCID != "" {
		metadata, err := v.pinner.GetJSON(ctx, *batch.BatchCID)
		if err != nil {
			// Metadata is supplementary; verification stands without it.
			v.log.Warn().Err(err).Str("batch_cid", *batch.BatchCID).Msg("failed to fetch batch metadata")
		} else {
			result.Metadata = metadata
		}
	}

	v.log.Info().
		Int64("invoice_id", invoiceID).
		Str("batch_id", batch.BatchID).
		Bool("is_valid", valid).
		Msg("invoice verified")

	return result, nil
}

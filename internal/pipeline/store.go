package pipeline

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pesio-ai/be-ap-anchoring/internal/chain"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// InvoiceStore is the invoice persistence surface the jobs depend on,
// satisfied by repository.InvoiceRepository.
type InvoiceStore interface {
	GetByID(ctx context.Context, id int64) (*repository.Invoice, error)
	GetPendingUpload(ctx context.Context, createdBefore time.Time, limit int) ([]*repository.Invoice, error)
	GetBatchCandidates(ctx context.Context, limit int) ([]*repository.Invoice, error)
	GetByBatch(ctx context.Context, batchID int64) ([]*repository.Invoice, error)
	ClaimForUpload(ctx context.Context, id int64, immutableHash string) (bool, error)
	MarkIpfsStored(ctx context.Context, id int64, cid, cidHash string) error
	MarkStatus(ctx context.Context, id int64, status repository.InvoiceStatus) error
	SetProofPending(ctx context.Context, id int64, proofJSON string) error
	MarkStatusByBatch(ctx context.Context, batchID int64, status repository.InvoiceStatus) error
	ReleaseBatchMembers(ctx context.Context, batchID int64) error
}

// BatchStore is the batch persistence surface, satisfied by
// repository.BatchRepository.
type BatchStore interface {
	CreateWithMembers(ctx context.Context, batch *repository.InvoiceBatch, candidateIDs []int64) ([]int64, error)
	GetByID(ctx context.Context, id int64) (*repository.InvoiceBatch, error)
	GetByBatchID(ctx context.Context, batchID string) (*repository.InvoiceBatch, error)
	SetReady(ctx context.Context, id int64, merkleRoot, batchCID string) error
	GetReadyToSend(ctx context.Context, limit int) ([]*repository.InvoiceBatch, error)
	GetPendingConfirmation(ctx context.Context) ([]*repository.InvoiceBatch, error)
	ClaimForSubmit(ctx context.Context, id int64) (bool, error)
	SetTxHash(ctx context.Context, id int64, txHash string) error
	MarkConfirmed(ctx context.Context, id int64, blockNumber int64, confirmedAt time.Time) error
	MarkFailed(ctx context.Context, id int64) error
}

// Anchorer is the chain surface the jobs depend on, satisfied by
// chain.Client.
type Anchorer interface {
	AnchorBatch(ctx context.Context, merkleRoot [32]byte, batchSize uint64, metadataURI string) (string, error)
	VerifyInvoiceByCID(ctx context.Context, merkleRoot [32]byte, cid string, proof [][32]byte) (bool, error)
	RegisterIndividualInvoice(ctx context.Context, merkleRoot [32]byte, invoiceID, cid string, invoiceHash [32]byte) error
	GetBatch(ctx context.Context, merkleRoot [32]byte) (*chain.BatchView, error)
	IsConfirmed(ctx context.Context, txHash string, requiredConfirmations uint64) (bool, *types.Receipt, error)
}

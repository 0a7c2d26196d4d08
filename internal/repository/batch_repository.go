package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/database"
)

const batchColumns = `
	id, batch_id, count, merkle_root, batch_cid, status,
	tx_hash, block_number, confirmed_at, created_at, updated_at`

// BatchRepository manages invoice batches. Batch creation and member
// claiming always happen together in a single transaction.
type BatchRepository struct {
	db *database.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *database.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func scanBatch(row pgx.Row) (*InvoiceBatch, error) {
	b := &InvoiceBatch{}
	err := row.Scan(
		&b.ID,
		&b.BatchID,
		&b.Count,
		&b.MerkleRoot,
		&b.BatchCID,
		&b.Status,
		&b.TxHash,
		&b.BlockNumber,
		&b.ConfirmedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateWithMembers inserts a batch at Processing and claims the candidate
// invoices into it in one transaction. Each claim is conditional on
// (status = IpfsStored, batch_id IS NULL); candidates grabbed by another
// worker in the meantime are dropped. The batch count is fixed to the number
// actually claimed. When nothing could be claimed the transaction is rolled
// back and a Conflict error is returned.
func (r *BatchRepository) CreateWithMembers(ctx context.Context, batch *InvoiceBatch, candidateIDs []int64) ([]int64, error) {
	claimed := make([]int64, 0, len(candidateIDs))

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		insertQuery := `
			INSERT INTO invoice_batches (batch_id, count, status)
			VALUES ($1, $2, $3)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, insertQuery,
			batch.BatchID,
			batch.Count,
			BatchProcessing,
		).Scan(&batch.ID, &batch.CreatedAt, &batch.UpdatedAt)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to create batch")
		}
		batch.Status = BatchProcessing

		claimQuery := `
			UPDATE invoices
			SET batch_id = $2,
			    status = $3,
			    updated_at = NOW()
			WHERE id = $1
			  AND status = $4
			  AND batch_id IS NULL
			RETURNING id
		`

		for _, id := range candidateIDs {
			var claimedID int64
			err := tx.QueryRow(ctx, claimQuery, id, batch.ID, InvoiceBatched, InvoiceIpfsStored).Scan(&claimedID)
			if err == pgx.ErrNoRows {
				// Another worker claimed this candidate first.
				continue
			}
			if err != nil {
				return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to claim invoice into batch")
			}
			claimed = append(claimed, claimedID)
		}

		if len(claimed) == 0 {
			return apperr.New(apperr.ErrCodeConflict, "no invoices could be claimed for batch")
		}

		fixQuery := `
			UPDATE invoice_batches
			SET count = $2,
			    updated_at = NOW()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, fixQuery, batch.ID, len(claimed)); err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to fix batch count")
		}
		batch.Count = len(claimed)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// GetByID retrieves a batch by its primary key.
func (r *BatchRepository) GetByID(ctx context.Context, id int64) (*InvoiceBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM invoice_batches WHERE id = $1`

	b, err := scanBatch(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "batch %d not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get batch")
	}

	return b, nil
}

// GetByBatchID retrieves a batch by its human identifier.
func (r *BatchRepository) GetByBatchID(ctx context.Context, batchID string) (*InvoiceBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM invoice_batches WHERE batch_id = $1`

	b, err := scanBatch(r.db.QueryRow(ctx, query, batchID))
	if err == pgx.ErrNoRows {
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "batch %q not found", batchID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get batch")
	}

	return b, nil
}

// SetReady records the Merkle root and metadata CID and moves the batch to
// ReadyToSend.
func (r *BatchRepository) SetReady(ctx context.Context, id int64, merkleRoot, batchCID string) error {
	query := `
		UPDATE invoice_batches
		SET merkle_root = $2,
		    batch_cid = $3,
		    status = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, merkleRoot, batchCID, BatchReadyToSend).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrCodeNotFound, "batch %d not found", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to mark batch ready")
	}

	return nil
}

// GetReadyToSend returns anchorable batches FIFO by creation time.
func (r *BatchRepository) GetReadyToSend(ctx context.Context, limit int) ([]*InvoiceBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM invoice_batches
		WHERE status = $1
		  AND merkle_root IS NOT NULL
		  AND tx_hash IS NULL
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, BatchReadyToSend, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to query ready batches")
	}
	defer rows.Close()

	return collectBatches(rows)
}

// GetPendingConfirmation returns submitted batches awaiting confirmation.
func (r *BatchRepository) GetPendingConfirmation(ctx context.Context) ([]*InvoiceBatch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM invoice_batches
		WHERE status = $1
		  AND tx_hash IS NOT NULL
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, BatchBlockchainPending)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to query pending batches")
	}
	defer rows.Close()

	return collectBatches(rows)
}

func collectBatches(rows pgx.Rows) ([]*InvoiceBatch, error) {
	batches := make([]*InvoiceBatch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan batch")
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// ClaimForSubmit moves a batch from ReadyToSend to BlockchainPending ahead of
// the anchor transaction. Returns false when another worker owns the batch.
func (r *BatchRepository) ClaimForSubmit(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE invoice_batches
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $3
		  AND tx_hash IS NULL
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, BatchBlockchainPending, BatchReadyToSend).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to claim batch for submit")
	}

	return true, nil
}

// SetTxHash records the anchor transaction hash.
func (r *BatchRepository) SetTxHash(ctx context.Context, id int64, txHash string) error {
	query := `
		UPDATE invoice_batches
		SET tx_hash = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, txHash).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrCodeNotFound, "batch %d not found", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to set batch tx hash")
	}

	return nil
}

// MarkConfirmed records a confirmed anchor.
func (r *BatchRepository) MarkConfirmed(ctx context.Context, id int64, blockNumber int64, confirmedAt time.Time) error {
	query := `
		UPDATE invoice_batches
		SET status = $2,
		    block_number = $3,
		    confirmed_at = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, BatchBlockchainConfirmed, blockNumber, confirmedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrCodeNotFound, "batch %d not found", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to mark batch confirmed")
	}

	return nil
}

// MarkFailed moves a batch to BlockchainFailed.
func (r *BatchRepository) MarkFailed(ctx context.Context, id int64) error {
	query := `
		UPDATE invoice_batches
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, BatchBlockchainFailed).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrCodeNotFound, "batch %d not found", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to mark batch failed")
	}

	return nil
}

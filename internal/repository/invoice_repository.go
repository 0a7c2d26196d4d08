package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/database"
)

const invoiceColumns = `
	id, invoice_number, form_number, serial, tenant_org_id, issued_by_user_id,
	seller_name, seller_tax_id, seller_address, seller_email, seller_phone,
	customer_name, customer_tax_id, customer_address, customer_email, customer_phone,
	status, issued_date, sub_total, tax_amount, discount_amount, total_amount,
	currency, note, batch_id, immutable_hash, cid, cid_hash, merkle_proof,
	created_at, updated_at`

// InvoiceRepository handles invoice data operations for the anchoring
// pipeline. Every claim and forward step (ClaimForUpload, SetProofPending,
// and the batch claim in BatchRepository) is conditional on the row's current
// status so concurrent workers can never double-claim; the outcome writes
// that follow a claim (MarkIpfsStored, MarkStatus, MarkStatusByBatch,
// ReleaseBatchMembers) update unconditionally.
type InvoiceRepository struct {
	db *database.DB
}

// NewInvoiceRepository creates a new invoice repository.
func NewInvoiceRepository(db *database.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	inv := &Invoice{}
	err := row.Scan(
		&inv.ID,
		&inv.InvoiceNumber,
		&inv.FormNumber,
		&inv.Serial,
		&inv.TenantOrgID,
		&inv.IssuedByUserID,
		&inv.SellerName,
		&inv.SellerTaxID,
		&inv.SellerAddress,
		&inv.SellerEmail,
		&inv.SellerPhone,
		&inv.CustomerName,
		&inv.CustomerTaxID,
		&inv.CustomerAddress,
		&inv.CustomerEmail,
		&inv.CustomerPhone,
		&inv.Status,
		&inv.IssuedDate,
		&inv.SubTotal,
		&inv.TaxAmount,
		&inv.DiscountAmount,
		&inv.TotalAmount,
		&inv.Currency,
		&inv.Note,
		&inv.BatchID,
		&inv.ImmutableHash,
		&inv.CID,
		&inv.CIDHash,
		&inv.MerkleProof,
		&inv.CreatedAt,
		&inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// GetByID retrieves an invoice with all lines.
func (r *InvoiceRepository) GetByID(ctx context.Context, id int64) (*Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

	inv, err := scanInvoice(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "invoice %d not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get invoice")
	}

	lines, err := r.GetLines(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.Lines = lines

	return inv, nil
}

// GetLines retrieves all lines for an invoice ordered by line number.
func (r *InvoiceRepository) GetLines(ctx context.Context, invoiceID int64) ([]*InvoiceLine, error) {
	query := `
		SELECT id, invoice_id, line_number, description, unit,
		       quantity, unit_price, discount, tax_rate, tax_amount, line_total,
		       created_at, updated_at
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY line_number
	`

	rows, err := r.db.Query(ctx, query, invoiceID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to get invoice lines")
	}
	defer rows.Close()

	lines := make([]*InvoiceLine, 0)
	for rows.Next() {
		line := &InvoiceLine{}
		err := rows.Scan(
			&line.ID,
			&line.InvoiceID,
			&line.LineNumber,
			&line.Description,
			&line.Unit,
			&line.Quantity,
			&line.UnitPrice,
			&line.Discount,
			&line.TaxRate,
			&line.TaxAmount,
			&line.LineTotal,
			&line.CreatedAt,
			&line.UpdatedAt,
		)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan invoice line")
		}
		lines = append(lines, line)
	}

	return lines, rows.Err()
}

// An in-flight claim older than 15 minutes is considered abandoned (worker
// crashed mid-pin) and offered for re-claim; pinning is at-least-once.

// GetPendingUpload returns invoices awaiting IPFS upload: still at Uploaded
// with no CID and created before the quiescence cutoff, plus in-flight rows
// stranded by a crashed worker. Oldest first.
func (r *InvoiceRepository) GetPendingUpload(ctx context.Context, createdBefore time.Time, limit int) ([]*Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE (cid IS NULL OR cid = '')
		  AND (
		        (status = $1 AND created_at < $2)
		     OR (status = $3 AND updated_at < NOW() - INTERVAL '15 minutes')
		  )
		ORDER BY created_at ASC
		LIMIT $4
	`

	rows, err := r.db.Query(ctx, query,
		InvoiceUploaded, createdBefore,
		InvoiceUploadInFlight,
		limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to query pending uploads")
	}
	defer rows.Close()

	invoices, err := collectInvoices(rows)
	if err != nil {
		return nil, err
	}

	// Canonicalization covers the line items, so load them with each header.
	for _, inv := range invoices {
		lines, err := r.GetLines(ctx, inv.ID)
		if err != nil {
			return nil, err
		}
		inv.Lines = lines
	}

	return invoices, nil
}

// GetBatchCandidates returns invoices ready for batching: IpfsStored with a
// CID and no batch. FIFO by creation time.
func (r *InvoiceRepository) GetBatchCandidates(ctx context.Context, limit int) ([]*Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE status = $1
		  AND cid IS NOT NULL AND cid <> ''
		  AND batch_id IS NULL
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, InvoiceIpfsStored, limit)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to query batch candidates")
	}
	defer rows.Close()

	return collectInvoices(rows)
}

// GetByBatch returns all member invoices of a batch.
func (r *InvoiceRepository) GetByBatch(ctx context.Context, batchID int64) ([]*Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE batch_id = $1
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query, batchID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to query batch members")
	}
	defer rows.Close()

	return collectInvoices(rows)
}

func collectInvoices(rows pgx.Rows) ([]*Invoice, error) {
	invoices := make([]*Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan invoice")
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ClaimForUpload moves the row into the in-flight state and records the
// canonical hash. The predicate pins the row's pre-upload state, so exactly
// one worker wins; the loser sees no row and skips. Returns false when
// another worker already owns the row.
func (r *InvoiceRepository) ClaimForUpload(ctx context.Context, id int64, immutableHash string) (bool, error) {
	query := `
		UPDATE invoices
		SET status = $4,
		    immutable_hash = $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND (cid IS NULL OR cid = '')
		  AND (
		        status = $3
		     OR (status = $4 AND updated_at < NOW() - INTERVAL '15 minutes')
		  )
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, immutableHash,
		InvoiceUploaded, InvoiceUploadInFlight).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to claim invoice for upload")
	}

	return true, nil
}

// MarkIpfsStored commits a successful pin.
func (r *InvoiceRepository) MarkIpfsStored(ctx context.Context, id int64, cid, cidHash string) error {
	query := `
		UPDATE invoices
		SET status = $2,
		    cid = $3,
		    cid_hash = $4,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, InvoiceIpfsStored, cid, cidHash).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrCodeNotFound, "invoice %d not found", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to mark invoice ipfs stored")
	}

	return nil
}

// MarkStatus sets a status on a single invoice.
func (r *InvoiceRepository) MarkStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	query := `
		UPDATE invoices
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrCodeNotFound, "invoice %d not found", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to update invoice status")
	}

	return nil
}

// SetProofPending records the Merkle proof and moves the invoice from
// Batched to BlockchainPending.
func (r *InvoiceRepository) SetProofPending(ctx context.Context, id int64, proofJSON string) error {
	query := `
		UPDATE invoices
		SET merkle_proof = $2,
		    status = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $4
		RETURNING id
	`

	var returnedID int64
	err := r.db.QueryRow(ctx, query, id, proofJSON, InvoiceBlockchainPending, InvoiceBatched).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperr.Newf(apperr.ErrCodeConflict, "invoice %d is not batched", id)
	}
	if err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to set merkle proof")
	}

	return nil
}

// MarkStatusByBatch moves all member invoices of a batch to the given status.
func (r *InvoiceRepository) MarkStatusByBatch(ctx context.Context, batchID int64, status InvoiceStatus) error {
	query := `
		UPDATE invoices
		SET status = $2,
		    updated_at = NOW()
		WHERE batch_id = $1
	`

	if _, err := r.db.Exec(ctx, query, batchID, status); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to update batch member statuses")
	}

	return nil
}

// ReleaseBatchMembers reverts the members of a failed batch so the next run
// can re-batch them: back to IpfsStored, batch link and proof cleared.
func (r *InvoiceRepository) ReleaseBatchMembers(ctx context.Context, batchID int64) error {
	query := `
		UPDATE invoices
		SET status = $2,
		    batch_id = NULL,
		    merkle_proof = NULL,
		    updated_at = NOW()
		WHERE batch_id = $1
	`

	if _, err := r.db.Exec(ctx, query, batchID, InvoiceIpfsStored); err != nil {
		return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to release batch members")
	}

	return nil
}

// CountByStatus returns invoice counts per status for the status endpoint.
func (r *InvoiceRepository) CountByStatus(ctx context.Context) (map[InvoiceStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM invoices GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to count invoices by status")
	}
	defer rows.Close()

	counts := make(map[InvoiceStatus]int64)
	for rows.Next() {
		var status InvoiceStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperr.Wrap(err, apperr.ErrCodeInternal, "failed to scan status count")
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

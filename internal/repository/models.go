package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice represents an invoice header together with its pipeline columns.
// Business fields are written by the issuing service; the anchoring kernel
// only ever mutates status, cid, cid_hash, immutable_hash, batch_id and
// merkle_proof.
type Invoice struct {
	ID             int64
	InvoiceNumber  string
	FormNumber     string
	Serial         string
	TenantOrgID    string
	IssuedByUserID string

	SellerName    string
	SellerTaxID   string
	SellerAddress string
	SellerEmail   string
	SellerPhone   string

	CustomerName    string
	CustomerTaxID   string
	CustomerAddress string
	CustomerEmail   string
	CustomerPhone   string

	Status         InvoiceStatus
	IssuedDate     time.Time
	SubTotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	Currency       string
	Note           *string

	BatchID       *int64
	ImmutableHash *string
	CID           *string
	CIDHash       *string
	MerkleProof   *string

	CreatedAt time.Time
	UpdatedAt time.Time

	Lines []*InvoiceLine
}

// InvoiceLine is one line item. LineNumber is unique within an invoice.
type InvoiceLine struct {
	ID          int64
	InvoiceID   int64
	LineNumber  int
	Description string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Discount    decimal.Decimal
	TaxRate     decimal.Decimal
	TaxAmount   decimal.Decimal
	LineTotal   decimal.Decimal
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// InvoiceBatch groups invoices under one Merkle root for a single anchor
// transaction.
type InvoiceBatch struct {
	ID          int64
	BatchID     string
	Count       int
	MerkleRoot  *string
	BatchCID    *string
	Status      BatchStatus
	TxHash      *string
	BlockNumber *int64
	ConfirmedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/chain"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// memStore is an in-memory implementation of InvoiceStore and BatchStore
// with the same conditional-update claim semantics as the Postgres
// repositories, so contention tests exercise real claim behavior. The
// Postgres re-claim of stale UploadInFlight rows is not modeled: here the
// upload work query and claim accept Uploaded rows only.
type memStore struct {
	mu        sync.Mutex
	invoices  map[int64]*repository.Invoice
	batches   map[int64]*repository.InvoiceBatch
	nextBatch int64
	writes    int
}

func newMemStore() *memStore {
	return &memStore{
		invoices: make(map[int64]*repository.Invoice),
		batches:  make(map[int64]*repository.InvoiceBatch),
	}
}

func (s *memStore) addInvoice(inv *repository.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inv
	s.invoices[inv.ID] = &cp
}

func (s *memStore) addBatch(b *repository.InvoiceBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	if cp.ID == 0 {
		s.nextBatch++
		cp.ID = s.nextBatch
	}
	s.batches[cp.ID] = &cp
}

func (s *memStore) invoice(id int64) repository.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.invoices[id]
}

func (s *memStore) batch(id int64) repository.InvoiceBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.batches[id]
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// --- InvoiceStore ---

func (s *memStore) GetByID(ctx context.Context, id int64) (*repository.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "invoice %d not found", id)
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) GetPendingUpload(ctx context.Context, createdBefore time.Time, limit int) ([]*repository.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.Status == repository.InvoiceUploaded &&
			(inv.CID == nil || *inv.CID == "") &&
			inv.CreatedAt.Before(createdBefore) {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sortByCreatedAt(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetBatchCandidates(ctx context.Context, limit int) ([]*repository.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.Status == repository.InvoiceIpfsStored &&
			inv.CID != nil && *inv.CID != "" &&
			inv.BatchID == nil {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sortByCreatedAt(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetByBatch(ctx context.Context, batchID int64) ([]*repository.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.Invoice, 0)
	for _, inv := range s.invoices {
		if inv.BatchID != nil && *inv.BatchID == batchID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ClaimForUpload(ctx context.Context, id int64, immutableHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.Status != repository.InvoiceUploaded || (inv.CID != nil && *inv.CID != "") {
		return false, nil
	}
	inv.Status = repository.InvoiceUploadInFlight
	inv.ImmutableHash = &immutableHash
	inv.UpdatedAt = time.Now()
	s.writes++
	return true, nil
}

func (s *memStore) MarkIpfsStored(ctx context.Context, id int64, cid, cidHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := s.invoices[id]
	inv.Status = repository.InvoiceIpfsStored
	inv.CID = &cid
	inv.CIDHash = &cidHash
	inv.UpdatedAt = time.Now()
	s.writes++
	return nil
}

func (s *memStore) MarkStatus(ctx context.Context, id int64, status repository.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return apperr.Newf(apperr.ErrCodeNotFound, "invoice %d not found", id)
	}
	inv.Status = status
	inv.UpdatedAt = time.Now()
	s.writes++
	return nil
}

func (s *memStore) SetProofPending(ctx context.Context, id int64, proofJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.Status != repository.InvoiceBatched {
		return apperr.Newf(apperr.ErrCodeConflict, "invoice %d is not batched", id)
	}
	inv.MerkleProof = &proofJSON
	inv.Status = repository.InvoiceBlockchainPending
	inv.UpdatedAt = time.Now()
	s.writes++
	return nil
}

func (s *memStore) MarkStatusByBatch(ctx context.Context, batchID int64, status repository.InvoiceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.BatchID != nil && *inv.BatchID == batchID {
			inv.Status = status
			inv.UpdatedAt = time.Now()
			s.writes++
		}
	}
	return nil
}

func (s *memStore) ReleaseBatchMembers(ctx context.Context, batchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.invoices {
		if inv.BatchID != nil && *inv.BatchID == batchID {
			inv.Status = repository.InvoiceIpfsStored
			inv.BatchID = nil
			inv.MerkleProof = nil
			inv.UpdatedAt = time.Now()
			s.writes++
		}
	}
	return nil
}

// --- BatchStore ---

func (s *memStore) CreateWithMembers(ctx context.Context, batch *repository.InvoiceBatch, candidateIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]int64, 0, len(candidateIDs))
	s.nextBatch++
	batch.ID = s.nextBatch
	batch.Status = repository.BatchProcessing
	batch.CreatedAt = time.Now()
	batch.UpdatedAt = batch.CreatedAt

	for _, id := range candidateIDs {
		inv, ok := s.invoices[id]
		if !ok || inv.Status != repository.InvoiceIpfsStored || inv.BatchID != nil {
			continue
		}
		bid := batch.ID
		inv.BatchID = &bid
		inv.Status = repository.InvoiceBatched
		claimed = append(claimed, id)
		s.writes++
	}

	if len(claimed) == 0 {
		s.nextBatch--
		return nil, apperr.New(apperr.ErrCodeConflict, "no invoices could be claimed for batch")
	}

	batch.Count = len(claimed)
	cp := *batch
	s.batches[batch.ID] = &cp
	s.writes++
	return claimed, nil
}

func (s *memStore) GetByBatchID(ctx context.Context, batchID string) (*repository.InvoiceBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batches {
		if b.BatchID == batchID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, apperr.Newf(apperr.ErrCodeNotFound, "batch %q not found", batchID)
}

// batchStoreFake adapts memStore to the BatchStore interface; GetByID would
// otherwise collide with the invoice-store method of the same name.
type batchStoreFake struct {
	*memStore
}

func (s batchStoreFake) GetByID(ctx context.Context, id int64) (*repository.InvoiceBatch, error) {
	return s.getBatchByID(ctx, id)
}

func (s *memStore) getBatchByID(ctx context.Context, id int64) (*repository.InvoiceBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrCodeNotFound, "batch %d not found", id)
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) SetReady(ctx context.Context, id int64, merkleRoot, batchCID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[id]
	b.MerkleRoot = &merkleRoot
	b.BatchCID = &batchCID
	b.Status = repository.BatchReadyToSend
	b.UpdatedAt = time.Now()
	s.writes++
	return nil
}

func (s *memStore) GetReadyToSend(ctx context.Context, limit int) ([]*repository.InvoiceBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.InvoiceBatch, 0)
	for _, b := range s.batches {
		if b.Status == repository.BatchReadyToSend && b.MerkleRoot != nil && b.TxHash == nil {
			cp := *b
			out = append(out, &cp)
		}
	}
	sortBatchesByCreatedAt(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetPendingConfirmation(ctx context.Context) ([]*repository.InvoiceBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*repository.InvoiceBatch, 0)
	for _, b := range s.batches {
		if b.Status == repository.BatchBlockchainPending && b.TxHash != nil {
			cp := *b
			out = append(out, &cp)
		}
	}
	sortBatchesByCreatedAt(out)
	return out, nil
}

func (s *memStore) ClaimForSubmit(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok || b.Status != repository.BatchReadyToSend || b.TxHash != nil {
		return false, nil
	}
	b.Status = repository.BatchBlockchainPending
	b.UpdatedAt = time.Now()
	s.writes++
	return true, nil
}

func (s *memStore) SetTxHash(ctx context.Context, id int64, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[id]
	b.TxHash = &txHash
	b.UpdatedAt = time.Now()
	s.writes++
	return nil
}

func (s *memStore) MarkConfirmed(ctx context.Context, id int64, blockNumber int64, confirmedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[id]
	b.Status = repository.BatchBlockchainConfirmed
	b.BlockNumber = &blockNumber
	b.ConfirmedAt = &confirmedAt
	b.UpdatedAt = time.Now()
	s.writes++
	return nil
}

func (s *memStore) MarkFailed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return apperr.Newf(apperr.ErrCodeNotFound, "batch %d not found", id)
	}
	b.Status = repository.BatchBlockchainFailed
	b.UpdatedAt = time.Now()
	s.writes++
	return nil
}

func sortByCreatedAt(invoices []*repository.Invoice) {
	for i := 1; i < len(invoices); i++ {
		for j := i; j > 0 && invoices[j].CreatedAt.Before(invoices[j-1].CreatedAt); j-- {
			invoices[j], invoices[j-1] = invoices[j-1], invoices[j]
		}
	}
}

func sortBatchesByCreatedAt(batches []*repository.InvoiceBatch) {
	for i := 1; i < len(batches); i++ {
		for j := i; j > 0 && batches[j].CreatedAt.Before(batches[j-1].CreatedAt); j-- {
			batches[j], batches[j-1] = batches[j-1], batches[j]
		}
	}
}

// fakePinner hands out sequential CIDs and can be told to fail pins whose
// name contains a given substring.
type fakePinner struct {
	mu       sync.Mutex
	counter  int
	pins     map[string][]byte
	failWhen map[string]error
}

func newFakePinner() *fakePinner {
	return &fakePinner{
		pins:     make(map[string][]byte),
		failWhen: make(map[string]error),
	}
}

func (p *fakePinner) failNamesContaining(substr string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWhen[substr] = err
}

func (p *fakePinner) pinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counter
}

func (p *fakePinner) PinJSON(ctx context.Context, payload interface{}, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for substr, err := range p.failWhen {
		if substr != "" && strings.Contains(name, substr) {
			return "", err
		}
	}
	p.counter++
	cid := fmt.Sprintf("QmFake%04d", p.counter)
	if raw, ok := payload.([]byte); ok {
		p.pins[cid] = raw
	}
	return cid, nil
}

func (p *fakePinner) GetJSON(ctx context.Context, cid string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins[cid], nil
}

func (p *fakePinner) IsPinned(ctx context.Context, cid string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pins[cid]
	return ok, nil
}

// fakeAnchor simulates the chain client.
type fakeAnchor struct {
	mu         sync.Mutex
	counter    int
	anchorErr  error
	anchored   map[string]uint64 // txHash -> batchSize
	receipts   map[string]*types.Receipt
	confirmed  map[string]bool
	verifyResp bool
	batchView  *chain.BatchView
}

func newFakeAnchor() *fakeAnchor {
	return &fakeAnchor{
		anchored:   make(map[string]uint64),
		receipts:   make(map[string]*types.Receipt),
		confirmed:  make(map[string]bool),
		verifyResp: true,
	}
}

func (a *fakeAnchor) AnchorBatch(ctx context.Context, merkleRoot [32]byte, batchSize uint64, metadataURI string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.anchorErr != nil {
		return "", a.anchorErr
	}
	a.counter++
	txHash := fmt.Sprintf("0xtx%04d", a.counter)
	a.anchored[txHash] = batchSize
	return txHash, nil
}

func (a *fakeAnchor) setConfirmed(txHash string, receipt *types.Receipt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmed[txHash] = true
	a.receipts[txHash] = receipt
}

func (a *fakeAnchor) IsConfirmed(ctx context.Context, txHash string, requiredConfirmations uint64) (bool, *types.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confirmed[txHash], a.receipts[txHash], nil
}

func (a *fakeAnchor) VerifyInvoiceByCID(ctx context.Context, merkleRoot [32]byte, cid string, proof [][32]byte) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.verifyResp, nil
}

func (a *fakeAnchor) RegisterIndividualInvoice(ctx context.Context, merkleRoot [32]byte, invoiceID, cid string, invoiceHash [32]byte) error {
	return nil
}

func (a *fakeAnchor) GetBatch(ctx context.Context, merkleRoot [32]byte) (*chain.BatchView, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.batchView, nil
}

func (a *fakeAnchor) anchorCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counter
}

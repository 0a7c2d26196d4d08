package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/events"
	"github.com/pesio-ai/be-ap-anchoring/internal/ipfs"
	"github.com/pesio-ai/be-ap-anchoring/internal/merkle"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// BatchJob groups IpfsStored invoices into batches, builds the Merkle tree
// over their CIDs, pins the batch metadata and distributes proofs.
type BatchJob struct {
	invoices InvoiceStore
	batches  BatchStore
	pinner   ipfs.Pinner
	events   *events.Publisher
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// NewBatchJob creates the batch job.
func NewBatchJob(invoices InvoiceStore, batches BatchStore, pinner ipfs.Pinner, publisher *events.Publisher, cfg Config, log zerolog.Logger) *BatchJob {
	return &BatchJob{
		invoices: invoices,
		batches:  batches,
		pinner:   pinner,
		events:   publisher,
		cfg:      cfg,
		log:      log.With().Str("job", "create_batch").Logger(),
		now:      time.Now,
	}
}

// Name implements Job.
func (j *BatchJob) Name() string { return "create_batch" }

// Execute batches candidates FIFO. Without Force the job waits until at
// least half a batch of candidates has accumulated, so off-peak hours don't
// produce a trickle of tiny batches.
func (j *BatchJob) Execute(ctx context.Context, opts RunOptions) (*RunResult, error) {
	result := &RunResult{Job: j.Name(), StartedAt: j.now(), DryRun: opts.DryRun}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	limit := j.cfg.BatchSize * j.cfg.BatchesPerRun
	candidates, err := j.invoices.GetBatchCandidates(ctx, limit)
	if err != nil {
		return result, err
	}
	if len(candidates) == 0 {
		return result, nil
	}

	if !opts.Force && len(candidates) < j.cfg.BatchSize/2 {
		j.log.Info().
			Int("candidates", len(candidates)).
			Int("batch_size", j.cfg.BatchSize).
			Msg("below fill gate, waiting for more invoices")
		result.Skipped = len(candidates)
		return result, nil
	}

	for start := 0; start < len(candidates); start += j.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			break
		}

		end := start + j.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		group := candidates[start:end]

		succeeded, failed, skipped := j.processGroup(ctx, group, opts)
		result.Succeeded += succeeded
		result.Failed += failed
		result.Skipped += skipped
	}

	j.log.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("batch run complete")

	return result, nil
}

// processGroup creates one batch from the group. Returns per-invoice
// outcome counts.
func (j *BatchJob) processGroup(ctx context.Context, group []*repository.Invoice, opts RunOptions) (succeeded, failed, skipped int) {
	batchID := fmt.Sprintf("BATCH-%d-%04d", j.now().Unix(), rand.Intn(10000))

	if opts.DryRun {
		j.log.Info().
			Str("batch_id", batchID).
			Int("invoices", len(group)).
			Msg("dry-run: would create batch")
		return len(group), 0, 0
	}

	candidateIDs := make([]int64, len(group))
	cidByID := make(map[int64]string, len(group))
	for i, inv := range group {
		candidateIDs[i] = inv.ID
		if inv.CID != nil {
			cidByID[inv.ID] = *inv.CID
		}
	}

	batch := &repository.InvoiceBatch{BatchID: batchID, Count: len(group)}
	claimedIDs, err := j.batches.CreateWithMembers(ctx, batch, candidateIDs)
	if err != nil {
		if apperr.IsCode(err, apperr.ErrCodeConflict) {
			// Every candidate went to another worker; nothing was committed.
			return 0, 0, len(group)
		}
		j.log.Error().Err(err).Str("batch_id", batchID).Msg("batch creation failed")
		return 0, len(group), 0
	}

	skipped = len(group) - len(claimedIDs)

	if err := j.sealBatch(ctx, batch, claimedIDs, cidByID); err != nil {
		j.log.Error().Err(err).Str("batch_id", batchID).Msg("batch sealing failed, releasing members")

		if markErr := j.batches.MarkFailed(ctx, batch.ID); markErr != nil {
			j.log.Error().Err(markErr).Str("batch_id", batchID).Msg("failed to mark batch failed")
		}
		if relErr := j.invoices.ReleaseBatchMembers(ctx, batch.ID); relErr != nil {
			j.log.Error().Err(relErr).Str("batch_id", batchID).Msg("failed to release batch members")
		}
		j.events.Publish(ctx, events.BatchFailed, 0, batchID, nil)
		return 0, len(claimedIDs), skipped
	}

	j.log.Info().
		Str("batch_id", batchID).
		Int("count", len(claimedIDs)).
		Msg("batch created")
	j.events.Publish(ctx, events.BatchCreated, 0, batchID, map[string]interface{}{"count": len(claimedIDs)})

	return len(claimedIDs), 0, skipped
}

// sealBatch runs the post-claim steps: Merkle tree, metadata pin, proof
// distribution, ReadyToSend. Any error leaves the caller to unwind.
func (j *BatchJob) sealBatch(ctx context.Context, batch *repository.InvoiceBatch, claimedIDs []int64, cidByID map[int64]string) error {
	cids := make([]string, 0, len(claimedIDs))
	for _, id := range claimedIDs {
		cid, ok := cidByID[id]
		if !ok || cid == "" {
			return apperr.Newf(apperr.ErrCodeInternal, "claimed invoice %d has no cid", id)
		}
		cids = append(cids, cid)
	}

	tree, err := merkle.Build(cids)
	if err != nil {
		return err
	}

	metadata := map[string]interface{}{"cids": tree.SortedLeaves}
	name := fmt.Sprintf("batch-cids-%s-%d.json", batch.BatchID, j.now().Unix())
	batchCID, err := j.pinner.PinJSON(ctx, metadata, name)
	if err != nil {
		return err
	}

	for _, id := range claimedIDs {
		proof := tree.Proofs[cidByID[id]]
		proofJSON, err := json.Marshal(proof)
		if err != nil {
			return apperr.Wrap(err, apperr.ErrCodeInternal, "failed to serialize merkle proof")
		}
		if err := j.invoices.SetProofPending(ctx, id, string(proofJSON)); err != nil {
			return err
		}
	}

	if err := j.batches.SetReady(ctx, batch.ID, tree.Root, batchCID); err != nil {
		return err
	}

	batch.MerkleRoot = &tree.Root
	batch.BatchCID = &batchCID
	return nil
}

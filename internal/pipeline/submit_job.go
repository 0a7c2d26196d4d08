package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/events"
	"github.com/pesio-ai/be-ap-anchoring/internal/merkle"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// submitBatchCap bounds anchor transactions per run; the rest wait for the
// next tick.
const submitBatchCap = 10

// SubmitJob anchors ready batches on-chain, FIFO by creation time, after
// first advancing any batches already awaiting confirmation.
type SubmitJob struct {
	invoices InvoiceStore
	batches  BatchStore
	anchor   Anchorer
	poller   *ConfirmationPoller
	events   *events.Publisher
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
	// sleep is swapped in tests to avoid real pacing delays.
	sleep func(ctx context.Context, d time.Duration)
}

// NewSubmitJob creates the submit job.
func NewSubmitJob(invoices InvoiceStore, batches BatchStore, anchor Anchorer, poller *ConfirmationPoller, publisher *events.Publisher, cfg Config, log zerolog.Logger) *SubmitJob {
	return &SubmitJob{
		invoices: invoices,
		batches:  batches,
		anchor:   anchor,
		poller:   poller,
		events:   publisher,
		cfg:      cfg,
		log:      log.With().Str("job", "submit_to_blockchain").Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Name implements Job.
func (j *SubmitJob) Name() string { return "submit_to_blockchain" }

// Execute first polls in-flight batches, then submits ready batches.
// Submissions are sequential with a pause in between to avoid hammering the
// RPC endpoint.
func (j *SubmitJob) Execute(ctx context.Context, opts RunOptions) (*RunResult, error) {
	result := &RunResult{Job: j.Name(), StartedAt: j.now(), DryRun: opts.DryRun}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	if _, err := j.poller.Run(ctx, opts.DryRun); err != nil {
		j.log.Error().Err(err).Msg("confirmation poll failed")
	}

	ready, err := j.batches.GetReadyToSend(ctx, submitBatchCap)
	if err != nil {
		return result, err
	}
	if len(ready) == 0 {
		return result, nil
	}

	j.log.Info().Int("count", len(ready)).Bool("dry_run", opts.DryRun).Msg("submitting ready batches")

	for i, batch := range ready {
		if err := ctx.Err(); err != nil {
			break
		}

		switch j.submitOne(ctx, batch, opts) {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			result.Skipped++
		}

		if !opts.DryRun && i < len(ready)-1 {
			j.sleep(ctx, j.cfg.SubmitPause)
		}
	}

	j.log.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("submit run complete")

	return result, nil
}

func (j *SubmitJob) submitOne(ctx context.Context, batch *repository.InvoiceBatch, opts RunOptions) outcome {
	log := j.log.With().Str("batch_id", batch.BatchID).Logger()

	if batch.TxHash != nil && *batch.TxHash != "" {
		// Already submitted; the poller owns it from here.
		return outcomeSkipped
	}

	if batch.MerkleRoot == nil || *batch.MerkleRoot == "" || batch.BatchCID == nil {
		// Data inconsistency: a ready batch must carry root and metadata CID.
		log.Error().Msg("ready batch is missing merkle root or metadata cid")
		j.failBatch(ctx, batch, log)
		return outcomeFailed
	}

	root, err := merkle.RootBytes(*batch.MerkleRoot)
	if err != nil {
		log.Error().Err(err).Msg("ready batch has malformed merkle root")
		j.failBatch(ctx, batch, log)
		return outcomeFailed
	}

	if opts.DryRun {
		log.Info().Str("merkle_root", *batch.MerkleRoot).Msg("dry-run: would anchor batch")
		return outcomeSucceeded
	}

	claimed, err := j.batches.ClaimForSubmit(ctx, batch.ID)
	if err != nil {
		log.Error().Err(err).Msg("claim failed")
		return outcomeFailed
	}
	if !claimed {
		return outcomeSkipped
	}

	txHash, err := j.anchor.AnchorBatch(ctx, root, uint64(batch.Count), *batch.BatchCID)
	if err != nil {
		log.Error().Err(err).Msg("anchor transaction failed")
		j.failBatch(ctx, batch, log)
		j.events.Publish(ctx, events.BatchFailed, 0, batch.BatchID, nil)
		return outcomeFailed
	}

	if err := j.batches.SetTxHash(ctx, batch.ID, txHash); err != nil {
		log.Error().Err(err).Str("tx_hash", txHash).Msg("failed to record tx hash")
		return outcomeFailed
	}

	log.Info().Str("tx_hash", txHash).Int("count", batch.Count).Msg("batch submitted")
	j.events.Publish(ctx, events.BatchSubmitted, 0, batch.BatchID, map[string]interface{}{"tx_hash": txHash})

	j.registerMembers(ctx, batch, root, log)

	return outcomeSucceeded
}

// registerMembers submits the optional per-invoice index entries.
// Best-effort: failures are logged and never affect the batch outcome.
func (j *SubmitJob) registerMembers(ctx context.Context, batch *repository.InvoiceBatch, root [32]byte, log zerolog.Logger) {
	members, err := j.invoices.GetByBatch(ctx, batch.ID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to load members for individual registration")
		return
	}

	for _, inv := range members {
		if inv.CID == nil || inv.ImmutableHash == nil {
			continue
		}
		hash, err := merkle.RootBytes(*inv.ImmutableHash)
		if err != nil {
			log.Warn().Err(err).Int64("invoice_id", inv.ID).Msg("invoice hash is not 32 bytes, skipping registration")
			continue
		}
		if err := j.anchor.RegisterIndividualInvoice(ctx, root, inv.InvoiceNumber, *inv.CID, hash); err != nil {
			log.Warn().Err(err).Int64("invoice_id", inv.ID).Msg("individual registration failed (non-fatal)")
		}
	}
}

func (j *SubmitJob) failBatch(ctx context.Context, batch *repository.InvoiceBatch, log zerolog.Logger) {
	if err := j.batches.MarkFailed(ctx, batch.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark batch failed")
	}
	if err := j.invoices.MarkStatusByBatch(ctx, batch.ID, repository.InvoiceBlockchainFailed); err != nil {
		log.Error().Err(err).Msg("failed to mark batch members failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package pipeline

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/events"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// ConfirmationPoller advances batches that have an anchor transaction in
// flight. It runs at the start of every submit tick.
type ConfirmationPoller struct {
	invoices InvoiceStore
	batches  BatchStore
	anchor   Anchorer
	events   *events.Publisher
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// NewConfirmationPoller creates the poller.
func NewConfirmationPoller(invoices InvoiceStore, batches BatchStore, anchor Anchorer, publisher *events.Publisher, cfg Config, log zerolog.Logger) *ConfirmationPoller {
	return &ConfirmationPoller{
		invoices: invoices,
		batches:  batches,
		anchor:   anchor,
		events:   publisher,
		cfg:      cfg,
		log:      log.With().Str("job", "confirmation_poller").Logger(),
		now:      time.Now,
	}
}

// Run checks every pending batch once. A batch stuck beyond the confirm
// timeout is given up on and marked failed; transient RPC errors leave the
// batch pending for the next poll.
func (p *ConfirmationPoller) Run(ctx context.Context, dryRun bool) (*RunResult, error) {
	result := &RunResult{Job: "confirmation_poller", StartedAt: p.now(), DryRun: dryRun}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	pending, err := p.batches.GetPendingConfirmation(ctx)
	if err != nil {
		return result, err
	}

	for _, batch := range pending {
		if err := ctx.Err(); err != nil {
			break
		}

		switch p.pollOne(ctx, batch, dryRun) {
		case outcomeSucceeded:
			result.Succeeded++
		case outcomeFailed:
			result.Failed++
		case outcomeSkipped:
			result.Skipped++
		}
	}

	return result, nil
}

func (p *ConfirmationPoller) pollOne(ctx context.Context, batch *repository.InvoiceBatch, dryRun bool) outcome {
	log := p.log.With().Str("batch_id", batch.BatchID).Logger()

	if batch.TxHash == nil || *batch.TxHash == "" {
		log.Error().Msg("pending batch has no tx hash")
		return outcomeSkipped
	}

	confirmed, receipt, err := p.anchor.IsConfirmed(ctx, *batch.TxHash, p.cfg.Confirmations)
	if err != nil {
		// Transient; leave pending for the next poll.
		log.Warn().Err(err).Msg("confirmation check failed")
		return outcomeSkipped
	}

	switch {
	case confirmed && receipt.Status == types.ReceiptStatusSuccessful:
		if dryRun {
			log.Info().Msg("dry-run: would confirm batch")
			return outcomeSucceeded
		}

		blockNumber := receipt.BlockNumber.Int64()
		confirmedAt := p.now()
		if err := p.batches.MarkConfirmed(ctx, batch.ID, blockNumber, confirmedAt); err != nil {
			log.Error().Err(err).Msg("failed to mark batch confirmed")
			return outcomeFailed
		}
		if err := p.invoices.MarkStatusByBatch(ctx, batch.ID, repository.InvoiceBlockchainConfirmed); err != nil {
			log.Error().Err(err).Msg("failed to confirm batch members")
			return outcomeFailed
		}

		log.Info().
			Int64("block_number", blockNumber).
			Str("tx_hash", *batch.TxHash).
			Msg("batch confirmed")
		p.events.Publish(ctx, events.BatchConfirmed, 0, batch.BatchID, map[string]interface{}{
			"block_number": blockNumber,
			"tx_hash":      *batch.TxHash,
		})
		return outcomeSucceeded

	case confirmed:
		// Mined and buried, but the transaction reverted.
		if dryRun {
			log.Info().Msg("dry-run: would fail reverted batch")
			return outcomeFailed
		}

		log.Error().Str("tx_hash", *batch.TxHash).Msg("anchor transaction reverted")
		p.failBatch(ctx, batch, log)
		return outcomeFailed

	default:
		if p.now().Sub(batch.UpdatedAt) > p.cfg.ConfirmTimeout {
			if dryRun {
				log.Info().Msg("dry-run: would time out batch")
				return outcomeFailed
			}

			log.Error().
				Str("tx_hash", *batch.TxHash).
				Dur("waited", p.now().Sub(batch.UpdatedAt)).
				Msg("confirmation timed out, giving up")
			p.failBatch(ctx, batch, log)
			return outcomeFailed
		}

		return outcomeSkipped
	}
}

func (p *ConfirmationPoller) failBatch(ctx context.Context, batch *repository.InvoiceBatch, log zerolog.Logger) {
	if err := p.batches.MarkFailed(ctx, batch.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark batch failed")
	}
	if err := p.invoices.MarkStatusByBatch(ctx, batch.ID, repository.InvoiceBlockchainFailed); err != nil {
		log.Error().Err(err).Msg("failed to mark batch members failed")
	}
	p.events.Publish(ctx, events.BatchFailed, 0, batch.BatchID, nil)
}

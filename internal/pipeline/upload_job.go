package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/pesio-ai/be-ap-anchoring/internal/canonical"
	"github.com/pesio-ai/be-ap-anchoring/internal/events"
	"github.com/pesio-ai/be-ap-anchoring/internal/ipfs"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// UploadJob pins canonical invoice JSON to IPFS and moves invoices from
// Uploaded to IpfsStored. Up to cfg.ConcurrentUploads invoices are processed
// in parallel.
type UploadJob struct {
	invoices InvoiceStore
	pinner   ipfs.Pinner
	events   *events.Publisher
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// NewUploadJob creates the upload job.
func NewUploadJob(invoices InvoiceStore, pinner ipfs.Pinner, publisher *events.Publisher, cfg Config, log zerolog.Logger) *UploadJob {
	return &UploadJob{
		invoices: invoices,
		pinner:   pinner,
		events:   publisher,
		cfg:      cfg,
		log:      log.With().Str("job", "upload_to_ipfs").Logger(),
		now:      time.Now,
	}
}

// Name implements Job.
func (j *UploadJob) Name() string { return "upload_to_ipfs" }

// Execute claims and uploads pending invoices. Invoices created less than
// the quiescence window ago are left for the next tick unless opts.Force,
// so concurrent writers finish inserting lines before canonicalization.
func (j *UploadJob) Execute(ctx context.Context, opts RunOptions) (*RunResult, error) {
	result := &RunResult{Job: j.Name(), StartedAt: j.now(), DryRun: opts.DryRun}
	defer func() { result.Duration = time.Since(result.StartedAt) }()

	cutoff := j.now()
	if !opts.Force {
		cutoff = cutoff.Add(-j.cfg.UploadQuiescence)
	}

	pending, err := j.invoices.GetPendingUpload(ctx, cutoff, j.cfg.MaxInvoicesPerRun)
	if err != nil {
		return result, err
	}
	if len(pending) == 0 {
		return result, nil
	}

	j.log.Info().Int("count", len(pending)).Bool("dry_run", opts.DryRun).Msg("processing pending uploads")

	var succeeded, failed, skipped atomic.Int64
	sem := semaphore.NewWeighted(int64(j.cfg.ConcurrentUploads))
	var wg sync.WaitGroup

	for _, inv := range pending {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled: remaining invoices stay claimable.
			break
		}

		wg.Add(1)
		go func(inv *repository.Invoice) {
			defer wg.Done()
			defer sem.Release(1)

			switch j.processOne(ctx, inv, opts) {
			case outcomeSucceeded:
				succeeded.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			}
		}(inv)
	}

	wg.Wait()

	result.Succeeded = int(succeeded.Load())
	result.Failed = int(failed.Load())
	result.Skipped = int(skipped.Load())

	j.log.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("upload run complete")

	return result, nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (j *UploadJob) processOne(ctx context.Context, inv *repository.Invoice, opts RunOptions) outcome {
	canonicalBytes, err := canonical.Canonicalize(inv)
	if err != nil {
		j.log.Error().Err(err).Int64("invoice_id", inv.ID).Msg("canonicalization failed")
		return outcomeFailed
	}
	immutableHash := canonical.ImmutableHash(canonicalBytes)

	if opts.DryRun {
		j.log.Info().
			Int64("invoice_id", inv.ID).
			Str("immutable_hash", immutableHash).
			Msg("dry-run: would pin invoice")
		return outcomeSucceeded
	}

	claimed, err := j.invoices.ClaimForUpload(ctx, inv.ID, immutableHash)
	if err != nil {
		j.log.Error().Err(err).Int64("invoice_id", inv.ID).Msg("claim failed")
		return outcomeFailed
	}
	if !claimed {
		// Another worker owns this row.
		return outcomeSkipped
	}

	name := fmt.Sprintf("invoice-%d-%d.json", inv.ID, j.now().Unix())
	cid, err := j.pinner.PinJSON(ctx, canonicalBytes, name)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Cancellation is not a failure: reverse the claim so the row is
			// claimable again on the next tick.
			revertCtx := context.WithoutCancel(ctx)
			if revErr := j.invoices.MarkStatus(revertCtx, inv.ID, repository.InvoiceUploaded); revErr != nil {
				j.log.Warn().Err(revErr).Int64("invoice_id", inv.ID).Msg("failed to reverse upload claim")
			}
			return outcomeSkipped
		}

		j.log.Error().Err(err).Int64("invoice_id", inv.ID).Msg("pin failed, marking invoice failed")
		if markErr := j.invoices.MarkStatus(ctx, inv.ID, repository.InvoiceIpfsFailed); markErr != nil {
			j.log.Error().Err(markErr).Int64("invoice_id", inv.ID).Msg("failed to mark invoice ipfs failed")
		}
		j.events.Publish(ctx, events.InvoiceIpfsFailed, inv.ID, "", nil)
		return outcomeFailed
	}

	cidHash := canonical.CIDHash(cid)
	if err := j.invoices.MarkIpfsStored(ctx, inv.ID, cid, cidHash); err != nil {
		j.log.Error().Err(err).Int64("invoice_id", inv.ID).Str("cid", cid).Msg("failed to record pin")
		return outcomeFailed
	}

	j.log.Info().
		Int64("invoice_id", inv.ID).
		Str("cid", cid).
		Str("immutable_hash", immutableHash).
		Msg("invoice pinned")
	j.events.Publish(ctx, events.InvoiceIpfsStored, inv.ID, "", map[string]interface{}{"cid": cid})

	return outcomeSucceeded
}

// Package pipeline implements the anchoring kernel: the three recurring
// jobs, the confirmation poller and the verification service. Jobs claim
// work from shared storage with conditional updates, perform external I/O
// outside any transaction, and record outcomes per item; a failure in one
// item never halts the run.
package pipeline

import (
	"context"
	"time"
)

// RunOptions are passed on every execution, whether scheduled or manually
// triggered. Force skips fill gates and quiescence windows; DryRun executes
// all read paths and logs intended writes but commits nothing.
type RunOptions struct {
	Force  bool
	DryRun bool
}

// RunResult aggregates per-item outcomes of one job execution.
type RunResult struct {
	Job       string        `json:"job"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	DryRun    bool          `json:"dry_run"`
}

// Job is the shape shared by the three pipeline jobs. Execute returns an
// error only for failures outside per-item scope; per-item outcomes are
// reported through the RunResult.
type Job interface {
	Name() string
	Execute(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// Config bounds the pipeline jobs.
type Config struct {
	MaxInvoicesPerRun int
	ConcurrentUploads int
	BatchSize         int
	BatchesPerRun     int
	SubmitPause       time.Duration
	UploadQuiescence  time.Duration
	Confirmations     uint64
	ConfirmTimeout    time.Duration
}

// Package handler exposes the pipeline control surface: manual job
// triggers, the verification query, and pipeline status.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-anchoring/internal/apperr"
	"github.com/pesio-ai/be-ap-anchoring/internal/pipeline"
	"github.com/pesio-ai/be-ap-anchoring/internal/repository"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	jobs     map[string]pipeline.Job
	verifier *pipeline.Verifier
	invoices *repository.InvoiceRepository
	batches  *repository.BatchRepository
	log      zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler. jobs is keyed by trigger name
// (upload, batch, submit).
func NewHTTPHandler(jobs map[string]pipeline.Job, verifier *pipeline.Verifier, invoices *repository.InvoiceRepository, batches *repository.BatchRepository, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		jobs:     jobs,
		verifier: verifier,
		invoices: invoices,
		batches:  batches,
		log:      log,
	}
}

// RunJob handles manual trigger requests:
// POST /api/v1/anchoring/jobs/{name}/run?force=true&dry_run=true
func (h *HTTPHandler) RunJob(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		job, ok := h.jobs[name]
		if !ok {
			http.Error(w, "Unknown job", http.StatusNotFound)
			return
		}

		opts := pipeline.RunOptions{
			Force:  r.URL.Query().Get("force") == "true",
			DryRun: r.URL.Query().Get("dry_run") == "true",
		}

		result, err := job.Execute(r.Context(), opts)
		if err != nil {
			h.writeError(w, err)
			return
		}

		h.log.Info().
			Str("job", job.Name()).
			Bool("force", opts.Force).
			Bool("dry_run", opts.DryRun).
			Msg("manual trigger executed")

		writeJSON(w, http.StatusOK, result)
	}
}

// VerifyInvoice handles GET /api/v1/anchoring/invoices/verify?id=N
func (h *HTTPHandler) VerifyInvoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invoice ID is required", http.StatusBadRequest)
		return
	}

	result, verifyErr := h.verifier.VerifyInvoice(r.Context(), id)
	if verifyErr != nil {
		h.writeError(w, verifyErr)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetBatch handles GET /api/v1/anchoring/batches/get?batch_id=BATCH-...
func (h *HTTPHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		http.Error(w, "Batch ID is required", http.StatusBadRequest)
		return
	}

	batch, err := h.batches.GetByBatchID(r.Context(), batchID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	members, err := h.invoices.GetByBatch(r.Context(), batch.ID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	memberIDs := make([]int64, len(members))
	for i, inv := range members {
		memberIDs[i] = inv.ID
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch":       batch,
		"invoice_ids": memberIDs,
	})
}

// Status handles GET /api/v1/anchoring/status
func (h *HTTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	counts, err := h.invoices.CountByStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make(map[string]int64, len(counts))
	for status, count := range counts {
		out[status.String()] = count
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"invoices": out})
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.CodeOf(err) {
	case apperr.ErrCodeNotFound:
		status = http.StatusNotFound
	case apperr.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case apperr.ErrCodeConflict:
		status = http.StatusConflict
	case apperr.ErrCodeUnavailable:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

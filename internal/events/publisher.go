// Package events publishes anchoring lifecycle events to NATS for
// consumption by notification and audit services.
//
// Subject convention: <prefix>.<entity>.<event>, e.g. anchoring.batch.confirmed.
//
// All publish operations are non-fatal: errors are logged but never
// propagated, so event delivery failures never interrupt the pipeline.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event names emitted by the pipeline.
const (
	InvoiceIpfsStored = "invoice.ipfs_stored"
	InvoiceIpfsFailed = "invoice.ipfs_failed"
	BatchCreated      = "batch.created"
	BatchSubmitted    = "batch.submitted"
	BatchConfirmed    = "batch.confirmed"
	BatchFailed       = "batch.failed"
)

// PipelineEvent is the JSON schema published to NATS.
type PipelineEvent struct {
	EventType  string                 `json:"event_type"`
	InvoiceID  int64                  `json:"invoice_id,omitempty"`
	BatchID    string                 `json:"batch_id,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Publisher publishes pipeline events. A nil Publisher or one constructed
// without a connection is a no-op, so callers never guard their publishes.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials NATS and returns a publisher. An empty URL disables
// publishing without error.
func Connect(url, prefix string, log zerolog.Logger) (*Publisher, error) {
	p := &Publisher{prefix: prefix, log: log.With().Str("component", "events").Logger()}
	if url == "" {
		return p, nil
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p.conn = conn
	return p, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		_ = p.conn.Drain()
	}
}

// Publish emits one pipeline event. Failures are logged at warn and dropped.
func (p *Publisher) Publish(ctx context.Context, eventType string, invoiceID int64, batchID string, payload map[string]interface{}) {
	if p == nil || p.conn == nil {
		return
	}

	event := &PipelineEvent{
		EventType:  eventType,
		InvoiceID:  invoiceID,
		BatchID:    batchID,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("events: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, eventType)
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Msg("events: failed to publish (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Int64("invoice_id", invoiceID).
		Str("batch_id", batchID).
		Msg("events: published")
}

package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Stream event names, matching the upstream change-stream vocabulary.
const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"
)

// Change feed row statuses.
const (
	ChangePending   = "pending"
	ChangeDelivered = "delivered"
	ChangeFailed    = "failed"
)

// Change is the payload of one change message: what happened to a record
// and a snapshot of its new field values.
type Change struct {
	EventName string            `json:"eventName"`
	Keys      map[string]string `json:"keys"`
	NewImage  Image             `json:"newImage"`
}

// Message is one queue-delivered item. Body is the JSON-encoded Change;
// ID is the item identifier reported back on failure.
type Message struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

// Change decodes the message body.
func (m Message) Change() (*Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(m.Body), &c); err != nil {
		return nil, fmt.Errorf("invalid change message body: %w", err)
	}
	return &c, nil
}

// NewMessage encodes a change into a deliverable message.
func NewMessage(id string, c *Change) (Message, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode change: %w", err)
	}
	return Message{ID: id, Body: string(body)}, nil
}

// BatchItemFailure identifies a single message that should be redelivered.
type BatchItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// Result is the per-batch processing summary a consumer returns. Only the
// messages listed in BatchItemFailures are redelivered; everything else is
// considered settled even if it was skipped.
type Result struct {
	Processed         int                `json:"processed"`
	Success           int                `json:"success"`
	Skipped           int                `json:"skipped"`
	Failed            int                `json:"failed"`
	BatchItemFailures []BatchItemFailure `json:"batchItemFailures"`
}

// MarkFailed records a per-message failure without aborting the batch.
func (r *Result) MarkFailed(id string) {
	r.Failed++
	r.BatchItemFailures = append(r.BatchItemFailures, BatchItemFailure{ItemIdentifier: id})
}

// FailedIDs returns the set of item identifiers that must be redelivered.
func (r *Result) FailedIDs() map[string]bool {
	ids := make(map[string]bool, len(r.BatchItemFailures))
	for _, f := range r.BatchItemFailures {
		ids[f.ItemIdentifier] = true
	}
	return ids
}

// Consumer processes a batch of change messages. Processing within a batch
// is strictly sequential; implementations must be idempotent because the
// relay delivers at least once.
type Consumer interface {
	Name() string
	ProcessBatch(ctx context.Context, msgs []Message) Result
}

// ChangeRecord is one row of the change feed: a Change plus delivery
// bookkeeping. Written by the storage layer on every entity write, drained
// by the relay.
type ChangeRecord struct {
	Seq        int64
	Change     Change
	Status     string
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

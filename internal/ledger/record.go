package ledger

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxSummaryBytes bounds the stored error summary. Prompt content is never
// part of a record.
const MaxSummaryBytes = 512

// ErrSync marks a sync pass in which at least one record was not acknowledged.
var ErrSync = errors.New("failure ledger sync failed")

// Record is one exhausted proxy outage.
type Record struct {
	ID           string     `json:"id"`
	LoggedAt     time.Time  `json:"logged_at"`
	ModelRef     string     `json:"model_ref"`
	ProviderHint string     `json:"provider_hint"`
	ErrorSummary string     `json:"error_summary"`
	Synced       bool       `json:"synced"`
	SyncedAt     *time.Time `json:"synced_at,omitempty"`

	// Rejected sync attempts; the record moves behind untried ones
	SyncAttempts  int        `json:"sync_attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// NewRecord builds an unsynced record with a fresh id.
func NewRecord(modelRef, providerHint string, cause error, now time.Time) Record {
	summary := ""
	if cause != nil {
		summary = truncate(cause.Error(), MaxSummaryBytes)
	}
	return Record{
		ID:           uuid.NewString(),
		LoggedAt:     now.UTC(),
		ModelRef:     modelRef,
		ProviderHint: providerHint,
		ErrorSummary: summary,
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ListOptions filters List.
type ListOptions struct {
	PendingOnly bool
	Limit       int
}

// Store is the durable failure ledger. Append must not return before the
// record is persisted. Pending returns never-attempted records first, then
// the ones whose last rejected attempt is oldest, so a batch of records the
// backend keeps rejecting cannot starve newer ones.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
	MarkAttempted(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, opts ListOptions) ([]Record, error)
}

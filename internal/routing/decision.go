package routing

import (
	"fmt"
	"time"

	"github.com/tributary-ai/llm-proxy-router/internal/providers"
	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// Outcome is the terminal state of one acquisition.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeAborted   Outcome = "aborted"
)

// RoutingDecision describes how one request was routed. It is owned by the
// controller until AcquireClient returns and is never persisted.
type RoutingDecision struct {
	Transport  providers.Transport `json:"transport"`
	ModelRef   string              `json:"model_ref"`
	Provider   string              `json:"provider,omitempty"`
	Attempt    int                 `json:"attempt"`
	StartedAt  time.Time           `json:"started_at"`
	ResolvedAt *time.Time          `json:"resolved_at,omitempty"`
	Outcome    Outcome             `json:"outcome,omitempty"`

	// Human-readable reasoning for the decision
	Reasoning []string `json:"reasoning"`

	// Backoff waits taken between proxy attempts
	Delays []time.Duration `json:"delays,omitempty"`

	// Set when the proxy was exhausted and a ledger record was written
	LedgerRecordID string `json:"ledger_record_id,omitempty"`
}

func newDecision(modelRef string, now time.Time) *RoutingDecision {
	return &RoutingDecision{
		ModelRef:  modelRef,
		StartedAt: now,
		Reasoning: make([]string, 0, 4),
	}
}

func (d *RoutingDecision) reason(format string, args ...any) {
	d.Reasoning = append(d.Reasoning, fmt.Sprintf(format, args...))
}

func (d *RoutingDecision) resolve(outcome Outcome, now time.Time) {
	d.Outcome = outcome
	d.ResolvedAt = &now
}

// Metadata converts the decision into the response annotation.
func (d *RoutingDecision) Metadata(requestID string) *types.RouterMetadata {
	md := &types.RouterMetadata{
		Transport:     string(d.Transport),
		Provider:      d.Provider,
		Model:         d.ModelRef,
		RoutingReason: append([]string(nil), d.Reasoning...),
		Attempts:      d.Attempt,
		RetryDelays:   append([]time.Duration(nil), d.Delays...),
		RequestID:     requestID,
	}
	if d.ResolvedAt != nil {
		md.ProcessingTime = d.ResolvedAt.Sub(d.StartedAt)
	}
	return md
}

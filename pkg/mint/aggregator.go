package mint

import (
	"log/slog"
	"sync"
	"time"
)

// Outcome is one terminal attempt as published on the outcome feed.
type Outcome struct {
	AttemptID     uint64        `json:"attempt_id"`
	Label         string        `json:"label"`
	Success       bool          `json:"success"`
	Asset         string        `json:"asset,omitempty"`
	Failure       FailureReason `json:"failure,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	BotTaxCharged bool          `json:"bot_tax_charged,omitempty"`
	SettledAt     time.Time     `json:"settled_at"`
}

// Aggregator accumulates terminal attempt outcomes into a session-scoped,
// append-only feed. Failure history is never discarded within a session. Each
// recorded outcome raises a coalesced signal so the session re-evaluates
// eligibility and refreshes the wallet snapshot.
type Aggregator struct {
	log *slog.Logger

	mu       sync.Mutex
	outcomes []Outcome

	settled chan struct{}
}

func NewAggregator(log *slog.Logger) *Aggregator {
	return &Aggregator{
		log:     log,
		settled: make(chan struct{}, 1),
	}
}

// Record appends a terminal attempt to the feed. Non-terminal attempts are
// rejected: the orchestrator owns them until they settle.
func (a *Aggregator) Record(att *Attempt) {
	if !att.State.Terminal() {
		a.log.Error("aggregator: dropping non-terminal attempt", "attempt", att.ID, "state", string(att.State))
		return
	}

	out := Outcome{
		AttemptID:     att.ID,
		Label:         att.Label,
		Success:       att.Succeeded(),
		Failure:       att.Failure,
		FailureDetail: att.FailureDetail,
		BotTaxCharged: att.BotTaxCharged,
		SettledAt:     att.SettledAt,
	}
	if att.Succeeded() && !att.Asset.IsZero() {
		out.Asset = att.Asset.String()
	}

	a.mu.Lock()
	a.outcomes = append(a.outcomes, out)
	a.mu.Unlock()

	select {
	case a.settled <- struct{}{}:
	default:
	}
}

// Outcomes returns a copy of the feed in settlement order.
func (a *Aggregator) Outcomes() []Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Outcome, len(a.outcomes))
	copy(out, a.outcomes)
	return out
}

// Len returns the number of settled outcomes.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outcomes)
}

// Settled returns the coalesced signal channel raised after each terminal
// outcome.
func (a *Aggregator) Settled() <-chan struct{} { return a.settled }

// Package mint drives the multi-step, fallible process of turning a mint
// request into a settled outcome: select group, build, sign, submit, confirm.
package mint

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// State is a mint attempt's position in the orchestration state machine.
type State string

const (
	StateIdle              State = "idle"
	StateSelecting         State = "selecting"
	StateBuilding          State = "building"
	StateAwaitingSignature State = "awaiting_signature"
	StateSubmitting        State = "submitting"
	StateConfirming        State = "confirming"
	StateSettledSuccess    State = "settled_success"
	StateSettledFailed     State = "settled_failed"
)

// Terminal reports whether the state is settled.
func (s State) Terminal() bool {
	return s == StateSettledSuccess || s == StateSettledFailed
}

// FailureReason is the typed cause of a failed attempt.
type FailureReason string

const (
	FailureUserRejected       FailureReason = "user_rejected"
	FailureTimeout            FailureReason = "timeout"
	FailureTransactionFailed  FailureReason = "transaction_failed"
	FailureEligibilityChanged FailureReason = "eligibility_changed"
	FailureConfiguration      FailureReason = "configuration_error"
	FailureNetwork            FailureReason = "network_error"
)

// Fatal reports whether the failure aborts the remainder of a batch. Only
// non-transient causes do: a malformed configuration or eligibility moving out
// from under the batch means later attempts cannot fare better.
func (r FailureReason) Fatal() bool {
	return r == FailureConfiguration || r == FailureEligibilityChanged
}

// Attempt is one unit's journey through the state machine. It is owned
// exclusively by the orchestrator until it reaches a terminal state, then
// handed to the aggregator.
type Attempt struct {
	ID    uint64
	Label string
	State State

	Blockhash            solana.Hash
	LastValidBlockHeight uint64
	Signature            solana.Signature

	// Asset is the minted asset reference, set on success.
	Asset solana.PublicKey

	Failure       FailureReason
	FailureDetail string

	// BotTaxRisk is the non-refundable lamport fee the group charges on
	// failure; BotTaxCharged marks failures that likely consumed it.
	BotTaxRisk    uint64
	BotTaxCharged bool

	StartedAt time.Time
	SettledAt time.Time
}

// Succeeded reports whether the attempt settled with a minted asset.
func (a *Attempt) Succeeded() bool { return a.State == StateSettledSuccess }

// Event is one state transition, published for UI subscribers.
type Event struct {
	AttemptID uint64
	Label     string
	From      State
	To        State
	At        time.Time
}

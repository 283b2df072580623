package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cryptoelites/mintgate/pkg/chain"
	"github.com/cryptoelites/mintgate/pkg/eligibility"
	"github.com/cryptoelites/mintgate/pkg/metrics"
	"github.com/cryptoelites/mintgate/pkg/solclock"
)

var (
	// ErrQuotaExceeded rejects a request whose quantity exceeds the group's
	// remaining allowance. No state transition happens.
	ErrQuotaExceeded = errors.New("requested quantity exceeds remaining allowance")

	// ErrAttemptInProgress rejects a request while another attempt is
	// non-terminal. No state transition happens.
	ErrAttemptInProgress = errors.New("another mint attempt is in progress")

	// ErrUserRejected is returned by signers when the user dismisses the
	// signing prompt.
	ErrUserRejected = errors.New("user rejected signing")
)

// Signer is the wallet-signing collaborator. Sign may suspend indefinitely
// pending user interaction; it honors ctx cancellation.
type Signer interface {
	Sign(ctx context.Context, payload *chain.Payload) (*chain.SignedPayload, error)
}

// EligibilitySource serves the latest published eligibility result per group.
// The session implements it.
type EligibilitySource interface {
	Latest(label string) (eligibility.Result, bool)
}

type OrchestratorConfig struct {
	Logger      *slog.Logger
	Clock       solclock.Clock
	Client      chain.Client
	Signer      Signer
	Eligibility EligibilitySource
	Wallet      solana.PublicKey

	// ConfirmTimeout bounds each confirmation wait; defaults to 30s.
	ConfirmTimeout time.Duration

	// OnSettled receives every attempt that reaches a terminal state.
	OnSettled func(*Attempt)

	// EventBuffer sizes the transition event channel; defaults to 64.
	EventBuffer int
}

func (cfg *OrchestratorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		return errors.New("clock is required")
	}
	if cfg.Client == nil {
		return errors.New("chain client is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Eligibility == nil {
		return errors.New("eligibility source is required")
	}
	if cfg.Wallet.IsZero() {
		return errors.New("wallet is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return nil
}

// Orchestrator runs mint attempts for a single wallet session. At most one
// attempt is non-terminal at a time; batches run strictly sequentially because
// each attempt consumes ordering-sensitive limit counters.
type Orchestrator struct {
	log *slog.Logger
	cfg OrchestratorConfig

	mu       sync.Mutex
	inFlight bool
	nextID   uint64

	events chan Event
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:    cfg.Logger,
		cfg:    cfg,
		events: make(chan Event, cfg.EventBuffer),
	}, nil
}

// Events returns the transition feed. Events are dropped, not blocked on,
// when the subscriber lags.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Mint executes quantity attempts against the named group, strictly in order.
// The request is rejected up front with ErrAttemptInProgress or
// ErrQuotaExceeded before any state transition. A transient failure of one
// attempt does not cancel the rest of the batch; a fatal one does.
func (o *Orchestrator) Mint(ctx context.Context, label string, quantity uint64) ([]*Attempt, error) {
	if quantity == 0 {
		return nil, errors.New("quantity must be positive")
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, ErrAttemptInProgress
	}

	res, ok := o.cfg.Eligibility.Latest(label)
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("unknown group %q", label)
	}
	if !res.Allowed || quantity > res.Remaining {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: requested %d, remaining %d", ErrQuotaExceeded, quantity, res.Remaining)
	}

	o.inFlight = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	o.log.Info("mint: starting batch", "group", label, "quantity", quantity)

	attempts := make([]*Attempt, 0, quantity)
	for unit := uint64(0); unit < quantity; unit++ {
		att, retryFresh := o.runAttempt(ctx, label)
		attempts = append(attempts, att)
		o.settle(att)

		if retryFresh {
			// The blockhash expired while confirming; the unit restarts from
			// Selecting with a fresh blockhash as a new attempt.
			att, _ = o.runAttempt(ctx, label)
			attempts = append(attempts, att)
			o.settle(att)
		}

		if att.State == StateSettledFailed && att.Failure.Fatal() {
			o.log.Warn("mint: aborting batch on fatal failure",
				"group", label, "attempt", att.ID, "reason", string(att.Failure))
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	return attempts, nil
}

// runAttempt walks one unit through the state machine. retryFresh is true when
// the attempt timed out on an expired blockhash and the unit deserves a fresh
// attempt.
func (o *Orchestrator) runAttempt(ctx context.Context, label string) (att *Attempt, retryFresh bool) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.mu.Unlock()

	att = &Attempt{
		ID:        id,
		Label:     label,
		State:     StateIdle,
		StartedAt: o.cfg.Clock.Now(),
	}

	o.transition(att, StateSelecting)
	res, ok := o.cfg.Eligibility.Latest(label)
	if !ok || !res.Allowed || res.Remaining == 0 {
		return o.fail(att, FailureEligibilityChanged, "group is no longer eligible"), false
	}
	att.BotTaxRisk = res.BotTaxLamports

	o.transition(att, StateBuilding)

	// A concurrent evaluation pass may have flipped the group since
	// Selecting; never build against stale state.
	if cur, ok := o.cfg.Eligibility.Latest(label); !ok || !cur.Allowed || cur.Remaining == 0 {
		return o.fail(att, FailureEligibilityChanged, "eligibility changed before build"), false
	}

	payload, err := o.cfg.Client.BuildTransaction(ctx, chain.BuildRequest{
		Group:              label,
		Wallet:             o.cfg.Wallet,
		Proof:              res.Proof,
		PaymentDestination: res.PaymentDestination,
		TokenGateMint:      res.TokenGateMint,
		ThirdPartySigner:   res.ThirdPartySigner,
	})
	if err != nil {
		if chain.IsConfiguration(err) {
			return o.fail(att, FailureConfiguration, err.Error()), false
		}
		return o.fail(att, FailureNetwork, err.Error()), false
	}
	att.Blockhash = payload.Blockhash
	att.LastValidBlockHeight = payload.LastValidBlockHeight

	o.transition(att, StateAwaitingSignature)
	signed, err := o.cfg.Signer.Sign(ctx, payload)
	if err != nil {
		// A dismissed prompt, a cancelled context (wallet disconnect), or any
		// other signer refusal settles the same way: no retry.
		return o.fail(att, FailureUserRejected, err.Error()), false
	}

	o.transition(att, StateSubmitting)
	sig, err := o.cfg.Client.Submit(ctx, signed)
	if err != nil {
		return o.fail(att, FailureNetwork, err.Error()), false
	}
	att.Signature = sig

	o.transition(att, StateConfirming)

	// A submitted transaction may still land after the caller walks away, so
	// Confirming is bounded by the timeout alone, never caller cancellation.
	confirmCtx := context.WithoutCancel(ctx)
	outcome, err := o.cfg.Client.Confirm(confirmCtx, sig, o.cfg.ConfirmTimeout)
	if errors.Is(err, chain.ErrConfirmDeadline) {
		outcome, err = o.confirmRetry(confirmCtx, att, signed, sig)
		if errors.Is(err, errBlockhashExpired) {
			return o.fail(att, FailureTimeout, "blockhash expired before confirmation"), true
		}
	}
	if err != nil {
		if errors.Is(err, chain.ErrConfirmDeadline) {
			return o.fail(att, FailureTimeout, "confirmation deadline exceeded"), false
		}
		return o.fail(att, FailureNetwork, err.Error()), false
	}

	if outcome.ExecutionErr != "" {
		// The transaction landed but execution failed; when the group carries
		// a bot tax the fee was charged without a mint.
		att.BotTaxCharged = att.BotTaxRisk > 0
		return o.fail(att, FailureTransactionFailed, outcome.ExecutionErr), false
	}

	att.Asset = payload.Asset
	att.SettledAt = o.cfg.Clock.Now()
	o.transition(att, StateSettledSuccess)
	o.log.Info("mint: attempt succeeded", "attempt", att.ID, "group", label, "asset", att.Asset.String())
	return att, false
}

var errBlockhashExpired = errors.New("blockhash expired")

// confirmRetry handles a confirmation deadline: when the payload's blockhash
// is still within its validity window the same signed payload is resubmitted
// and confirmed once more; otherwise the attempt must restart fresh.
func (o *Orchestrator) confirmRetry(ctx context.Context, att *Attempt, signed *chain.SignedPayload, sig solana.Signature) (*chain.TxOutcome, error) {
	height, err := o.cfg.Client.BlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	if height > att.LastValidBlockHeight {
		return nil, errBlockhashExpired
	}

	o.log.Debug("mint: confirmation timed out, resubmitting same payload",
		"attempt", att.ID, "height", height, "last_valid", att.LastValidBlockHeight)
	if _, err := o.cfg.Client.Submit(ctx, signed); err != nil {
		return nil, err
	}
	return o.cfg.Client.Confirm(ctx, sig, o.cfg.ConfirmTimeout)
}

func (o *Orchestrator) fail(att *Attempt, reason FailureReason, detail string) *Attempt {
	att.Failure = reason
	att.FailureDetail = detail
	att.SettledAt = o.cfg.Clock.Now()
	o.transition(att, StateSettledFailed)
	o.log.Warn("mint: attempt failed",
		"attempt", att.ID, "group", att.Label, "reason", string(reason), "detail", detail)
	return att
}

func (o *Orchestrator) transition(att *Attempt, to State) {
	from := att.State
	att.State = to
	ev := Event{
		AttemptID: att.ID,
		Label:     att.Label,
		From:      from,
		To:        to,
		At:        o.cfg.Clock.Now(),
	}
	select {
	case o.events <- ev:
	default:
	}
}

func (o *Orchestrator) settle(att *Attempt) {
	result := "success"
	if !att.Succeeded() {
		result = string(att.Failure)
	}
	metrics.MintAttemptsTotal.WithLabelValues(result).Inc()
	if o.cfg.OnSettled != nil {
		o.cfg.OnSettled(att)
	}
}

// Package eligibility decides, per mint group, whether a wallet currently
// qualifies and for how many units. Evaluation is pure given its inputs: the
// resolved program, a wallet snapshot, and a clock reading.
package eligibility

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/cryptoelites/mintgate/pkg/chain"
	"github.com/cryptoelites/mintgate/pkg/guard"
	"github.com/cryptoelites/mintgate/pkg/solclock"
)

// DefaultWorkers bounds concurrent per-group evaluation, keeping Chain Client
// load small even for configs with many groups.
const DefaultWorkers = 6

// Reason names a single unsatisfied guard. Reasons are informational for the
// caller; they are never Go errors.
type Reason string

const (
	ReasonTooEarly             Reason = "too_early"
	ReasonTooLate              Reason = "too_late"
	ReasonAddressNotAllowed    Reason = "address_not_allowed"
	ReasonNotOnAllowList       Reason = "not_on_allow_list"
	ReasonMissingToken         Reason = "missing_token"
	ReasonInsufficientFunds    Reason = "insufficient_funds"
	ReasonMintLimitReached     Reason = "mint_limit_reached"
	ReasonRedeemedLimitReached Reason = "redeemed_limit_reached"
	ReasonExhausted            Reason = "exhausted"
)

// Result is the eligibility verdict for one group. Reasons is empty iff
// Allowed. The auxiliary fields carry what the mint orchestrator needs to
// build a transaction for the group without re-deriving guard state.
type Result struct {
	Label     string
	Allowed   bool
	Remaining uint64
	Reasons   []Reason

	// BotTaxLamports is the non-refundable fee charged on a failed attempt,
	// surfaced for caller disclosure. It never gates eligibility.
	BotTaxLamports uint64

	Proof              *chain.Proof
	PaymentDestination solana.PublicKey
	TokenGateMint      solana.PublicKey
	ThirdPartySigner   solana.PublicKey
}

// ProofSource constructs allow-list inclusion proofs. chain.Client satisfies it.
type ProofSource interface {
	AllowListProof(ctx context.Context, root [32]byte, wallet solana.PublicKey) (*chain.Proof, bool, error)
}

type Config struct {
	Logger *slog.Logger
	Proofs ProofSource
	// Workers caps concurrent group evaluation; defaults to DefaultWorkers.
	Workers int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Proofs == nil {
		return errors.New("proof source is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return nil
}

type Evaluator struct {
	log     *slog.Logger
	proofs  ProofSource
	workers int
}

func New(cfg Config) (*Evaluator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Evaluator{log: cfg.Logger, proofs: cfg.Proofs, workers: cfg.Workers}, nil
}

// Evaluate computes one Result per group, in program group order. Groups are
// evaluated concurrently under a bounded worker limit, but the full ordered
// set is returned only once every group has finished, so callers never observe
// a torn mix of old and new results. The clock is read exactly once so every
// group in a pass sees the same instant.
func (e *Evaluator) Evaluate(ctx context.Context, prog *guard.Program, snap *chain.Snapshot, clock solclock.Clock) ([]Result, error) {
	if prog == nil {
		return nil, errors.New("program is required")
	}
	if snap == nil {
		return nil, errors.New("snapshot is required")
	}

	now := clock.Now()
	results := make([]Result, len(prog.Groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(e.workers, len(prog.Groups)))
	for i := range prog.Groups {
		i := i
		g.Go(func() error {
			res, err := e.evaluateGroup(gctx, &prog.Groups[i], prog, snap, now)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (e *Evaluator) evaluateGroup(ctx context.Context, grp *guard.Group, prog *guard.Program, snap *chain.Snapshot, now time.Time) (Result, error) {
	gs := grp.Guards
	res := Result{Label: grp.Label, Remaining: prog.Supply()}

	if gs.BotTax != nil {
		res.BotTaxLamports = gs.BotTax.Lamports
	}
	if gs.ThirdPartySigner != nil {
		res.ThirdPartySigner = gs.ThirdPartySigner.Signer
	}

	if gs.AddressGate != nil && !gs.AddressGate.Address.Equals(snap.Wallet) {
		res.Reasons = append(res.Reasons, ReasonAddressNotAllowed)
	}

	// Time window: start <= now < end. An absent start is already open, an
	// absent end is open-ended.
	if gs.Start != nil && now.Before(*gs.Start) {
		res.Reasons = append(res.Reasons, ReasonTooEarly)
	}
	if gs.End != nil && !now.Before(*gs.End) {
		res.Reasons = append(res.Reasons, ReasonTooLate)
	}

	if gs.AllowList != nil {
		proof, ok, err := e.proofs.AllowListProof(ctx, gs.AllowList.Root, snap.Wallet)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			res.Reasons = append(res.Reasons, ReasonNotOnAllowList)
		} else {
			res.Proof = proof
		}
	}

	if gs.TokenGate != nil {
		res.TokenGateMint = gs.TokenGate.Mint
		if snap.TokenBalance(gs.TokenGate.Mint) < gs.TokenGate.MinBalance {
			res.Reasons = append(res.Reasons, ReasonMissingToken)
		}
	}

	if gs.SolPayment != nil {
		res.PaymentDestination = gs.SolPayment.Destination
		if snap.Lamports < gs.SolPayment.Lamports {
			res.Reasons = append(res.Reasons, ReasonInsufficientFunds)
		}
		// Affordability floors the quantity this wallet could pay for.
		if gs.SolPayment.Lamports > 0 {
			res.Remaining = min(res.Remaining, snap.Lamports/gs.SolPayment.Lamports)
		}
	}

	if gs.MintLimit != nil {
		consumed := snap.MintCount(gs.MintLimit.ID)
		if consumed >= gs.MintLimit.Cap {
			res.Reasons = append(res.Reasons, ReasonMintLimitReached)
			res.Remaining = 0
		} else {
			res.Remaining = min(res.Remaining, gs.MintLimit.Cap-consumed)
		}
	}

	if gs.RedeemedLimit != nil {
		if prog.ItemsRedeemed >= gs.RedeemedLimit.Cap {
			res.Reasons = append(res.Reasons, ReasonRedeemedLimitReached)
			res.Remaining = 0
		} else {
			res.Remaining = min(res.Remaining, gs.RedeemedLimit.Cap-prog.ItemsRedeemed)
		}
	}

	res.Allowed = len(res.Reasons) == 0

	// "I qualify but none left" is not-allowed under the single boolean gate.
	if res.Allowed && res.Remaining == 0 {
		res.Allowed = false
		res.Reasons = append(res.Reasons, ReasonExhausted)
	}

	return res, nil
}

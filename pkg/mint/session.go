package mint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/cryptoelites/mintgate/pkg/chain"
	"github.com/cryptoelites/mintgate/pkg/eligibility"
	"github.com/cryptoelites/mintgate/pkg/guard"
	"github.com/cryptoelites/mintgate/pkg/metrics"
	"github.com/cryptoelites/mintgate/pkg/solclock"
)

// ReportEntry is one row of the eligibility report exposed to the UI layer.
type ReportEntry struct {
	Label     string `json:"label"`
	Allowed   bool   `json:"allowed"`
	Remaining uint64 `json:"remaining"`
}

type SessionConfig struct {
	Logger *slog.Logger
	Clock  solclock.Clock
	Client chain.Client
	Signer Signer
	Wallet solana.PublicKey

	ConfirmTimeout time.Duration
	EvalWorkers    int
}

func (cfg *SessionConfig) Validate() error {
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
	if cfg.Wallet.IsZero() {
		return errors.New("wallet is required")
	}
	return nil
}

// Session is the single logical mint session for one wallet. It owns the
// resolved program, the latest snapshot, and the published eligibility result
// set; evaluation passes are totally ordered and the whole result set is
// replaced atomically per pass. All state is in-memory and session-scoped.
type Session struct {
	id   uuid.UUID
	log  *slog.Logger
	cfg  SessionConfig
	eval *eligibility.Evaluator
	orch *Orchestrator
	agg  *Aggregator

	// passMu serializes resolve/evaluate passes; a new pass never starts
	// while a previous one has unpublished results.
	passMu sync.Mutex

	// passes carries a coalesced signal per published evaluation pass.
	passes chan struct{}

	// stateMu guards the published state below.
	stateMu      sync.RWMutex
	prog         *guard.Program
	snap         *chain.Snapshot
	results      []eligibility.Result
	byLabel      map[string]eligibility.Result
	configErr    error
	lastRedeemed uint64
}

func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger.With("wallet", cfg.Wallet.String())

	eval, err := eligibility.New(eligibility.Config{
		Logger:  log,
		Proofs:  cfg.Client,
		Workers: cfg.EvalWorkers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluator: %w", err)
	}

	s := &Session{
		id:     uuid.New(),
		log:    log,
		cfg:    cfg,
		eval:   eval,
		passes: make(chan struct{}, 1),
	}
	s.agg = NewAggregator(log)

	orch, err := NewOrchestrator(OrchestratorConfig{
		Logger:         log,
		Clock:          cfg.Clock,
		Client:         cfg.Client,
		Signer:         cfg.Signer,
		Eligibility:    s,
		Wallet:         cfg.Wallet,
		ConfirmTimeout: cfg.ConfirmTimeout,
		OnSettled:      s.agg.Record,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	s.orch = orch

	return s, nil
}

func (s *Session) ID() uuid.UUID { return s.id }

// Resolve fetches and parses the program configuration. A ConfigurationError
// halts future evaluation passes until a later Resolve succeeds; a transient
// fetch failure keeps the previously resolved program.
func (s *Session) Resolve(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	data, err := s.cfg.Client.FetchProgramConfig(ctx)
	if err != nil {
		if chain.IsConfiguration(err) {
			s.haltOnConfig(err)
		}
		return fmt.Errorf("failed to fetch program config: %w", err)
	}

	prog, err := guard.Resolve(data)
	if err != nil {
		s.haltOnConfig(err)
		return err
	}

	s.stateMu.Lock()
	prev := s.lastRedeemed
	if prog.ItemsRedeemed > prev && s.prog != nil {
		// An unexpectedly advanced redeemed count can be the late landing of
		// an attempt the caller gave up on; the next evaluation pass works
		// from the fresh counters either way.
		s.log.Info("session: redeemed count advanced",
			"from", prev, "to", prog.ItemsRedeemed)
	}
	s.lastRedeemed = prog.ItemsRedeemed
	s.prog = prog
	s.configErr = nil
	s.stateMu.Unlock()

	s.log.Debug("session: program resolved",
		"groups", len(prog.Groups), "available", prog.ItemsAvailable, "redeemed", prog.ItemsRedeemed)
	return nil
}

func (s *Session) haltOnConfig(err error) {
	s.stateMu.Lock()
	s.configErr = err
	s.stateMu.Unlock()
	s.log.Error("session: configuration error, evaluation halted until re-resolve", "error", err)
}

// Refresh runs one full evaluation pass: fetch a fresh wallet snapshot,
// evaluate every group, and publish the new result set atomically.
func (s *Session) Refresh(ctx context.Context) error {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	s.stateMu.RLock()
	prog, configErr := s.prog, s.configErr
	s.stateMu.RUnlock()

	if configErr != nil {
		metrics.EvalPassTotal.WithLabelValues("halted").Inc()
		return configErr
	}
	if prog == nil {
		return errors.New("session: program not resolved")
	}

	// Guard time windows are judged on chain time; a pass before the clock's
	// first sync would judge them on the local wall clock instead.
	if !solclock.Ready(s.cfg.Clock) {
		metrics.EvalPassTotal.WithLabelValues("unsynced").Inc()
		return errors.New("session: chain clock not synced yet")
	}

	start := time.Now()
	snap, err := s.cfg.Client.FetchWalletSnapshot(ctx, s.cfg.Wallet)
	if err != nil {
		metrics.EvalPassTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch wallet snapshot: %w", err)
	}

	results, err := s.eval.Evaluate(ctx, prog, snap, s.cfg.Clock)
	if err != nil {
		metrics.EvalPassTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("evaluation pass failed: %w", err)
	}

	byLabel := make(map[string]eligibility.Result, len(results))
	for _, r := range results {
		byLabel[r.Label] = r
	}

	s.stateMu.Lock()
	s.snap = snap
	s.results = results
	s.byLabel = byLabel
	s.stateMu.Unlock()

	select {
	case s.passes <- struct{}{}:
	default:
	}

	metrics.EvalPassTotal.WithLabelValues("success").Inc()
	metrics.EvalPassDuration.Observe(time.Since(start).Seconds())
	s.log.Debug("session: evaluation pass published", "groups", len(results), "duration", time.Since(start).String())
	return nil
}

// Ready reports whether at least one evaluation pass has been published.
func (s *Session) Ready() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.results != nil
}

// Report returns the ordered eligibility report, republished wholesale on
// every pass.
func (s *Session) Report() []ReportEntry {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	report := make([]ReportEntry, len(s.results))
	for i, r := range s.results {
		report[i] = ReportEntry{Label: r.Label, Allowed: r.Allowed, Remaining: r.Remaining}
	}
	return report
}

// Latest returns the last published result for a group.
func (s *Session) Latest(label string) (eligibility.Result, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	r, ok := s.byLabel[label]
	return r, ok
}

// Mint requests quantity units against the named group.
func (s *Session) Mint(ctx context.Context, label string, quantity uint64) ([]*Attempt, error) {
	if !s.Ready() {
		return nil, errors.New("session: no eligibility pass published yet")
	}
	return s.orch.Mint(ctx, label, quantity)
}

// Outcomes returns the append-only mint outcome feed.
func (s *Session) Outcomes() []Outcome { return s.agg.Outcomes() }

// Events returns the attempt transition feed.
func (s *Session) Events() <-chan Event { return s.orch.Events() }

// Passes returns a coalesced signal raised after every published evaluation
// pass, for subscribers that re-read Report on change.
func (s *Session) Passes() <-chan struct{} { return s.passes }

// Run keeps the session current until ctx is cancelled: after every settled
// attempt it re-resolves the program (redeemed counts move) and runs a fresh
// evaluation pass.
func (s *Session) Run(ctx context.Context) {
	go func() {
		s.log.Info("session: starting", "id", s.id.String())
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.agg.Settled():
				s.reevaluate(ctx)
			}
		}
	}()
}

func (s *Session) reevaluate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session: re-evaluation panicked", "panic", r)
		}
	}()

	if err := s.Resolve(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("session: re-resolve failed", "error", err)
		return
	}
	if err := s.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Error("session: refresh failed", "error", err)
	}
}

package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/near/borsh-go"
	"golang.org/x/time/rate"

	"github.com/cryptoelites/mintgate/pkg/allowlist"
	"github.com/cryptoelites/mintgate/pkg/metrics"
	"github.com/cryptoelites/mintgate/pkg/retry"
)

// mintIxDiscriminator prefixes the mint instruction data.
var mintIxDiscriminator = [8]byte{0x33, 0xe6, 0x85, 0xa4, 0x01, 0x7f, 0x83, 0xad}

// mintCounterSeed derives the per-wallet mint-limit counter account.
const mintCounterSeed = "mint_counter"

type RPCConfig struct {
	Logger *slog.Logger

	// Endpoint is the Solana JSON-RPC URL.
	Endpoint string

	// ProgramID is the minting program; ConfigAccount is its configuration
	// account holding the guard groups.
	ProgramID     solana.PublicKey
	ConfigAccount solana.PublicKey

	// AllowLists are the locally known allow-list trees, looked up by root
	// when a proof is requested.
	AllowLists []*allowlist.Tree

	Retry retry.Config

	// RPS and Burst bound the request rate against the RPC node.
	RPS   rate.Limit
	Burst int

	// Commitment for reads and confirmation; defaults to confirmed.
	Commitment solanarpc.CommitmentType

	// ConfirmPollInterval is the signature status poll cadence; defaults to 1s.
	ConfirmPollInterval time.Duration
}

func (cfg *RPCConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Endpoint == "" {
		return errors.New("rpc endpoint is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.ConfigAccount.IsZero() {
		return errors.New("config account is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.RPS <= 0 {
		cfg.RPS = rate.Every(100 * time.Millisecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.ConfirmPollInterval <= 0 {
		cfg.ConfirmPollInterval = time.Second
	}
	return nil
}

// RPC is the production Chain Client on the Solana JSON-RPC API. Transient
// transport failures are wrapped as NetworkError and retried with jittered
// exponential backoff; Confirm is bounded strictly by the caller's timeout
// and never retried internally.
type RPC struct {
	log        *slog.Logger
	cfg        RPCConfig
	rpc        *solanarpc.Client
	limiter    *rate.Limiter
	allowlists map[[32]byte]*allowlist.Tree
}

var _ Client = (*RPC)(nil)

func NewRPC(cfg RPCConfig) (*RPC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lists := make(map[[32]byte]*allowlist.Tree, len(cfg.AllowLists))
	for _, tree := range cfg.AllowLists {
		lists[tree.Root()] = tree
	}

	return &RPC{
		log:        cfg.Logger,
		cfg:        cfg,
		rpc:        solanarpc.New(cfg.Endpoint),
		limiter:    rate.NewLimiter(cfg.RPS, cfg.Burst),
		allowlists: lists,
	}, nil
}

// call runs one named RPC method through the rate limiter and retry budget.
// Only NetworkError results are retried; configuration errors and context
// cancellation pass straight through.
func (c *RPC) call(ctx context.Context, method string, fn func() error) error {
	cfg := c.cfg.Retry
	cfg.Classify = func(err error) bool {
		return IsNetwork(err) && retry.IsRetryable(errors.Unwrap(err))
	}

	return retry.Do(ctx, cfg, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := fn(); err != nil {
			metrics.RPCRequestsTotal.WithLabelValues(method, "error").Inc()
			return err
		}
		metrics.RPCRequestsTotal.WithLabelValues(method, "success").Inc()
		return nil
	})
}

func (c *RPC) FetchProgramConfig(ctx context.Context) ([]byte, error) {
	var data []byte
	err := c.call(ctx, "getAccountInfo", func() error {
		res, err := c.rpc.GetAccountInfoWithOpts(ctx, c.cfg.ConfigAccount, &solanarpc.GetAccountInfoOpts{
			Commitment: c.cfg.Commitment,
		})
		if err != nil {
			if errors.Is(err, solanarpc.ErrNotFound) {
				return &ConfigurationError{Reason: "program configuration account not found", Err: err}
			}
			return &NetworkError{Op: "getAccountInfo", Err: err}
		}
		if res.Value == nil {
			return &ConfigurationError{Reason: "program configuration account not found"}
		}
		data = res.Value.Data.GetBinary()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *RPC) FetchWalletSnapshot(ctx context.Context, wallet solana.PublicKey) (*Snapshot, error) {
	snap := &Snapshot{
		Wallet:        wallet,
		TokenBalances: make(map[solana.PublicKey]uint64),
		MintCounts:    make(map[uint8]uint64),
		FetchedAt:     time.Now(),
	}

	err := c.call(ctx, "getBalance", func() error {
		res, err := c.rpc.GetBalance(ctx, wallet, c.cfg.Commitment)
		if err != nil {
			return &NetworkError{Op: "getBalance", Err: err}
		}
		snap.Lamports = res.Value
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = c.call(ctx, "getTokenAccountsByOwner", func() error {
		res, err := c.rpc.GetTokenAccountsByOwner(ctx, wallet,
			&solanarpc.GetTokenAccountsConfig{ProgramId: solana.TokenProgramID.ToPointer()},
			&solanarpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64},
		)
		if err != nil {
			return &NetworkError{Op: "getTokenAccountsByOwner", Err: err}
		}
		for _, acc := range res.Value {
			var ta token.Account
			if err := bin.NewBinDecoder(acc.Account.Data.GetBinary()).Decode(&ta); err != nil {
				c.log.Warn("chain: skipping undecodable token account",
					"account", acc.Pubkey.String(), "error", err)
				continue
			}
			snap.TokenBalances[ta.Mint] += ta.Amount
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.fetchMintCounts(ctx, wallet, snap); err != nil {
		return nil, err
	}

	return snap, nil
}

// mintCounterAccount is the borsh layout of the per-wallet counter account.
type mintCounterAccount struct {
	Counts map[uint8]uint64
}

func (c *RPC) fetchMintCounts(ctx context.Context, wallet solana.PublicKey, snap *Snapshot) error {
	counter, _, err := solana.FindProgramAddress(
		[][]byte{[]byte(mintCounterSeed), wallet.Bytes()},
		c.cfg.ProgramID,
	)
	if err != nil {
		return fmt.Errorf("failed to derive mint counter address: %w", err)
	}

	return c.call(ctx, "getAccountInfo", func() error {
		res, err := c.rpc.GetAccountInfoWithOpts(ctx, counter, &solanarpc.GetAccountInfoOpts{
			Commitment: c.cfg.Commitment,
		})
		if err != nil {
			if errors.Is(err, solanarpc.ErrNotFound) {
				// No counter account yet: the wallet has minted nothing.
				return nil
			}
			return &NetworkError{Op: "getAccountInfo", Err: err}
		}
		if res.Value == nil {
			return nil
		}

		var acc mintCounterAccount
		if err := borsh.Deserialize(&acc, res.Value.Data.GetBinary()); err != nil {
			return &ConfigurationError{Reason: "malformed mint counter account", Err: err}
		}
		snap.MintCounts = acc.Counts
		if snap.MintCounts == nil {
			snap.MintCounts = make(map[uint8]uint64)
		}
		return nil
	})
}

func (c *RPC) AllowListProof(ctx context.Context, root [32]byte, wallet solana.PublicKey) (*Proof, bool, error) {
	tree, ok := c.allowlists[root]
	if !ok {
		return nil, false, &ConfigurationError{
			Reason: fmt.Sprintf("no allow list configured for root %x", root),
		}
	}
	hashes, ok := tree.Proof(wallet)
	if !ok {
		return nil, false, nil
	}
	return &Proof{Root: root, Hashes: hashes}, true, nil
}

// mintIxData is the borsh instruction payload for one mint.
type mintIxData struct {
	Group string
	Proof [][32]byte
}

func (c *RPC) BuildTransaction(ctx context.Context, req BuildRequest) (*Payload, error) {
	blockhash, lastValid, err := c.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	// The asset mint account is generated client-side; its public key is the
	// minted asset reference on success.
	asset := solana.NewWallet()

	ix := mintIxData{Group: req.Group}
	if req.Proof != nil {
		ix.Proof = req.Proof.Hashes
	}
	ixData, err := borsh.Serialize(ix)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize mint instruction: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.Meta(req.Wallet).WRITE().SIGNER(),
		solana.Meta(asset.PublicKey()).WRITE().SIGNER(),
		solana.Meta(c.cfg.ConfigAccount).WRITE(),
	}
	if !req.PaymentDestination.IsZero() {
		accounts = append(accounts, solana.Meta(req.PaymentDestination).WRITE())
	}
	if !req.TokenGateMint.IsZero() {
		gateATA, _, err := solana.FindAssociatedTokenAddress(req.Wallet, req.TokenGateMint)
		if err != nil {
			return nil, fmt.Errorf("failed to derive token gate account: %w", err)
		}
		accounts = append(accounts, solana.Meta(gateATA))
	}
	if !req.ThirdPartySigner.IsZero() {
		// Placeholder meta; the co-signature is attached by the signing
		// collaborator, not here.
		accounts = append(accounts, solana.Meta(req.ThirdPartySigner))
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			solana.NewInstruction(c.cfg.ProgramID, accounts, append(mintIxDiscriminator[:], ixData...)),
		},
		blockhash,
		solana.TransactionPayer(req.Wallet),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build transaction: %w", err)
	}

	return &Payload{
		Group:                req.Group,
		Wallet:               req.Wallet,
		Asset:                asset.PublicKey(),
		assetKey:             asset.PrivateKey,
		Blockhash:            blockhash,
		LastValidBlockHeight: lastValid,
		Tx:                   tx,
	}, nil
}

func (c *RPC) Submit(ctx context.Context, signed *SignedPayload) (solana.Signature, error) {
	var sig solana.Signature
	err := c.call(ctx, "sendTransaction", func() error {
		var err error
		sig, err = c.rpc.SendTransactionWithOpts(ctx, signed.Tx, solanarpc.TransactionOpts{
			PreflightCommitment: c.cfg.Commitment,
		})
		if err != nil {
			return &NetworkError{Op: "sendTransaction", Err: err}
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

// Confirm polls the signature status until the transaction reaches the
// configured commitment or the timeout window closes. The deadline is taken
// on the local monotonic clock here, never on chain time, so clock offset
// cannot shrink or stretch the window. No internal retry: the window is the
// caller's contract.
func (c *RPC) Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) (*TxOutcome, error) {
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(c.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		if time.Now().After(deadline) {
			return nil, ErrConfirmDeadline
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			metrics.RPCRequestsTotal.WithLabelValues("getSignatureStatuses", "error").Inc()
			c.log.Debug("chain: signature status poll failed", "error", err)
		} else {
			metrics.RPCRequestsTotal.WithLabelValues("getSignatureStatuses", "success").Inc()
			if len(res.Value) > 0 && res.Value[0] != nil {
				status := res.Value[0]
				confirmed := status.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed ||
					status.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized
				if confirmed {
					out := &TxOutcome{Slot: status.Slot, Landed: true}
					if status.Err != nil {
						out.ExecutionErr = fmt.Sprintf("%v", status.Err)
					}
					return out, nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RPC) LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error) {
	var (
		hash      solana.Hash
		lastValid uint64
	)
	err := c.call(ctx, "getLatestBlockhash", func() error {
		res, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
		if err != nil {
			return &NetworkError{Op: "getLatestBlockhash", Err: err}
		}
		hash = res.Value.Blockhash
		lastValid = res.Value.LastValidBlockHeight
		return nil
	})
	if err != nil {
		return solana.Hash{}, 0, err
	}
	return hash, lastValid, nil
}

func (c *RPC) BlockHeight(ctx context.Context) (uint64, error) {
	var height uint64
	err := c.call(ctx, "getBlockHeight", func() error {
		h, err := c.rpc.GetBlockHeight(ctx, c.cfg.Commitment)
		if err != nil {
			return &NetworkError{Op: "getBlockHeight", Err: err}
		}
		height = h
		return nil
	})
	if err != nil {
		return 0, err
	}
	return height, nil
}

func (c *RPC) ChainTime(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := c.call(ctx, "getBlockTime", func() error {
		slot, err := c.rpc.GetSlot(ctx, c.cfg.Commitment)
		if err != nil {
			return &NetworkError{Op: "getSlot", Err: err}
		}
		bt, err := c.rpc.GetBlockTime(ctx, slot)
		if err != nil {
			return &NetworkError{Op: "getBlockTime", Err: err}
		}
		if bt == nil {
			return &NetworkError{Op: "getBlockTime", Err: errors.New("no block time for slot")}
		}
		t = bt.Time()
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

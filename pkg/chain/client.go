// Package chain defines the contract between the mint core and the blockchain
// transport. The core consumes this interface; pkg/chain also ships the
// production implementation on top of the Solana JSON-RPC API.
package chain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Snapshot is a read-only view of a wallet's current on-chain state. It is
// owned by the Chain Client; the core never mutates it and only requests a
// refresh after a settled mint.
type Snapshot struct {
	Wallet   solana.PublicKey
	Lamports uint64

	// TokenBalances maps token mint address to the wallet's aggregate balance.
	TokenBalances map[solana.PublicKey]uint64

	// MintCounts maps mint-limit counter id to the number of units this wallet
	// has already consumed against that counter.
	MintCounts map[uint8]uint64

	FetchedAt time.Time
}

// TokenBalance returns the wallet's balance for the given mint, zero when the
// wallet holds no account for it.
func (s *Snapshot) TokenBalance(mint solana.PublicKey) uint64 {
	if s.TokenBalances == nil {
		return 0
	}
	return s.TokenBalances[mint]
}

// MintCount returns the consumed count for a mint-limit counter id.
func (s *Snapshot) MintCount(id uint8) uint64 {
	if s.MintCounts == nil {
		return 0
	}
	return s.MintCounts[id]
}

// Proof is a merkle inclusion proof for an allow-listed wallet, forwarded
// verbatim into the mint transaction.
type Proof struct {
	Root   [32]byte
	Hashes [][32]byte
}

// BuildRequest names everything the client needs to assemble a mint
// transaction for one unit against a chosen group.
type BuildRequest struct {
	Group  string
	Wallet solana.PublicKey

	// Proof is required when the group carries an allow-list guard.
	Proof *Proof

	// PaymentDestination receives the payment lamports when the group carries
	// a payment guard; zero otherwise.
	PaymentDestination solana.PublicKey

	// TokenGateMint is the gating token mint when present; zero otherwise.
	TokenGateMint solana.PublicKey

	// ThirdPartySigner is included as an account placeholder when the group
	// requires an additional co-signer; zero otherwise.
	ThirdPartySigner solana.PublicKey
}

// Payload is a built, unsigned mint transaction plus the blockhash metadata
// needed to judge whether it is still submittable.
type Payload struct {
	Group  string
	Wallet solana.PublicKey

	// Asset is the client-generated mint account for the unit being created.
	// On success it is the minted asset reference reported to the caller.
	Asset    solana.PublicKey
	assetKey solana.PrivateKey

	Blockhash            solana.Hash
	LastValidBlockHeight uint64

	Tx *solana.Transaction
}

// AssetKey returns the private key of the generated asset mint account, needed
// to co-sign the transaction.
func (p *Payload) AssetKey() solana.PrivateKey { return p.assetKey }

// SignedPayload is a Payload whose transaction carries all required
// signatures.
type SignedPayload struct {
	*Payload
}

// TxOutcome reports what the chain observed for a submitted transaction.
type TxOutcome struct {
	Slot   uint64
	Landed bool

	// ExecutionErr is non-empty when the transaction landed but its execution
	// failed (the bot-tax path: a fee may have been charged without a mint).
	ExecutionErr string
}

// Client is the Chain Client collaborator contract. All calls suspend on ctx
// and return NetworkError for transient transport failures; implementations
// retry those internally with backoff, except Confirm which is bounded
// strictly by the caller-supplied deadline.
type Client interface {
	// FetchProgramConfig returns the raw program configuration account bytes,
	// or a ConfigurationError when the account is absent.
	FetchProgramConfig(ctx context.Context) ([]byte, error)

	// FetchWalletSnapshot returns a fresh snapshot of the wallet's holdings
	// and per-counter consumed counts.
	FetchWalletSnapshot(ctx context.Context, wallet solana.PublicKey) (*Snapshot, error)

	// AllowListProof constructs an inclusion proof for wallet against the
	// given merkle root. ok is false when the wallet is not on the list.
	AllowListProof(ctx context.Context, root [32]byte, wallet solana.PublicKey) (proof *Proof, ok bool, err error)

	// BuildTransaction assembles an unsigned mint transaction for one unit.
	BuildTransaction(ctx context.Context, req BuildRequest) (*Payload, error)

	// Submit sends a signed transaction and returns its signature handle.
	Submit(ctx context.Context, signed *SignedPayload) (solana.Signature, error)

	// Confirm waits for the transaction to reach a confirmed state, for at
	// most timeout. The deadline is derived inside the implementation so the
	// bound and its comparison live in one clock domain. Returns
	// ErrConfirmDeadline when the window expires first.
	Confirm(ctx context.Context, sig solana.Signature, timeout time.Duration) (*TxOutcome, error)

	// LatestBlockhash returns a fresh blockhash and its last valid block height.
	LatestBlockhash(ctx context.Context) (solana.Hash, uint64, error)

	// BlockHeight returns the current block height, used to judge whether a
	// previously built payload's blockhash is still within its validity window.
	BlockHeight(ctx context.Context) (uint64, error)

	// ChainTime returns the chain's notion of current time.
	ChainTime(ctx context.Context) (time.Time, error)
}

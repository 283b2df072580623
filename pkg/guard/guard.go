// Package guard models the eligibility rules attached to the mint groups of an
// on-chain limited-supply minting program, and parses them out of the raw
// program configuration account.
//
// The guard catalog is a closed set: every kind the program can express is a
// field of Set, and an account carrying a kind this build does not know is a
// configuration error, never silently ignored.
package guard

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// DefaultLabel names the ungrouped guard set. It is reserved: no configured
// group may reuse it.
const DefaultLabel = "default"

// BotTax is a non-refundable fee charged on failed mint attempts. It never
// gates eligibility; it is surfaced to callers as a risk disclosure.
type BotTax struct {
	Lamports uint64
}

// SolPayment requires the minting wallet to pay Lamports to Destination.
type SolPayment struct {
	Lamports    uint64
	Destination solana.PublicKey
}

// TokenGate requires the wallet to hold at least MinBalance of Mint.
type TokenGate struct {
	Mint       solana.PublicKey
	MinBalance uint64
}

// MintLimit caps how many units a single wallet may mint against the counter
// identified by ID. The counter identity may be shared across groups.
type MintLimit struct {
	ID  uint8
	Cap uint64
}

// RedeemedLimit caps the total units minted program-wide through groups that
// carry it.
type RedeemedLimit struct {
	Cap uint64
}

// AllowList requires a merkle inclusion proof for the wallet against Root.
type AllowList struct {
	Root [32]byte
}

// AddressGate restricts minting to a single wallet address.
type AddressGate struct {
	Address solana.PublicKey
}

// ThirdPartySigner requires an additional co-signature on the mint
// transaction.
type ThirdPartySigner struct {
	Signer solana.PublicKey
}

// Set is the guard bundle of one group. Each field is optional; a group is
// eligible only when every guard it carries is satisfied (all-of semantics).
// No field holds a mutable counter: consumed counts live in the wallet
// snapshot.
type Set struct {
	BotTax           *BotTax
	Start            *time.Time
	End              *time.Time
	SolPayment       *SolPayment
	TokenGate        *TokenGate
	MintLimit        *MintLimit
	RedeemedLimit    *RedeemedLimit
	AllowList        *AllowList
	AddressGate      *AddressGate
	ThirdPartySigner *ThirdPartySigner
}

// Group is a named guard bundle. Immutable once resolved for a session.
type Group struct {
	Label  string
	Guards Set
}

// MintLimitID returns the shared counter identity for the group, or nil when
// the group carries no mint limit.
func (g *Group) MintLimitID() *uint8 {
	if g.Guards.MintLimit == nil {
		return nil
	}
	id := g.Guards.MintLimit.ID
	return &id
}

// Program is the resolved configuration of the minting program: supply
// counters plus the ordered group list, default group first.
type Program struct {
	Authority      solana.PublicKey
	ItemsAvailable uint64
	ItemsRedeemed  uint64
	Groups         []Group
}

// Supply returns how many units are still available program-wide.
func (p *Program) Supply() uint64 {
	if p.ItemsRedeemed >= p.ItemsAvailable {
		return 0
	}
	return p.ItemsAvailable - p.ItemsRedeemed
}

// Group returns the group with the given label.
func (p *Program) Group(label string) (*Group, bool) {
	for i := range p.Groups {
		if p.Groups[i].Label == label {
			return &p.Groups[i], true
		}
	}
	return nil, false
}

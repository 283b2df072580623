package guard

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/near/borsh-go"

	"github.com/cryptoelites/mintgate/pkg/chain"
)

// Feature bits of the account wire format. One bit per guard kind; a set bit
// promises the matching optional field is present.
const (
	featBotTax uint64 = 1 << iota
	featStartDate
	featEndDate
	featSolPayment
	featTokenGate
	featMintLimit
	featRedeemedLimit
	featAllowList
	featAddressGate
	featThirdPartySigner

	knownFeatures = featThirdPartySigner<<1 - 1
)

// AccountDiscriminator prefixes the program configuration account data.
var AccountDiscriminator = [8]byte{0x9b, 0x1f, 0x46, 0xb3, 0x5d, 0x0a, 0x7c, 0xe4}

type rawProgram struct {
	Authority      solana.PublicKey
	ItemsAvailable uint64
	ItemsRedeemed  uint64
	Default        rawGuardSet
	Groups         []rawGroup
}

type rawGroup struct {
	Label  string
	Guards rawGuardSet
}

type rawGuardSet struct {
	Features         uint64
	BotTax           *rawBotTax
	StartDate        *int64
	EndDate          *int64
	SolPayment       *rawSolPayment
	TokenGate        *rawTokenGate
	MintLimit        *rawMintLimit
	RedeemedLimit    *uint64
	AllowList        *[32]byte
	AddressGate      *solana.PublicKey
	ThirdPartySigner *solana.PublicKey
}

type rawBotTax struct {
	Lamports uint64
}

type rawSolPayment struct {
	Lamports    uint64
	Destination solana.PublicKey
}

type rawTokenGate struct {
	Mint       solana.PublicKey
	MinBalance uint64
}

type rawMintLimit struct {
	ID  uint8
	Cap uint64
}

// Resolve parses raw program configuration account bytes into a typed Program.
// The default group comes first in the returned group list. Absent or
// malformed data, duplicate labels, and unknown guard kinds all fail with a
// chain.ConfigurationError: the core cannot guess a guard's semantics, so this
// is a hard stop.
func Resolve(data []byte) (*Program, error) {
	if len(data) < len(AccountDiscriminator) {
		return nil, chain.Configf("program account data too short (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], AccountDiscriminator[:]) {
		return nil, chain.Configf("program account discriminator mismatch")
	}

	var raw rawProgram
	if err := borsh.Deserialize(&raw, data[8:]); err != nil {
		return nil, &chain.ConfigurationError{Reason: "malformed program account", Err: err}
	}
	if raw.ItemsRedeemed > raw.ItemsAvailable {
		return nil, chain.Configf("redeemed count %d exceeds supply %d", raw.ItemsRedeemed, raw.ItemsAvailable)
	}

	prog := &Program{
		Authority:      raw.Authority,
		ItemsAvailable: raw.ItemsAvailable,
		ItemsRedeemed:  raw.ItemsRedeemed,
	}

	defaultSet, err := resolveSet(DefaultLabel, raw.Default)
	if err != nil {
		return nil, err
	}
	prog.Groups = append(prog.Groups, Group{Label: DefaultLabel, Guards: defaultSet})

	seen := map[string]bool{DefaultLabel: true}
	for _, rg := range raw.Groups {
		if rg.Label == "" {
			return nil, chain.Configf("group with empty label")
		}
		if seen[rg.Label] {
			return nil, chain.Configf("duplicate group label %q", rg.Label)
		}
		seen[rg.Label] = true

		set, err := resolveSet(rg.Label, rg.Guards)
		if err != nil {
			return nil, err
		}
		prog.Groups = append(prog.Groups, Group{Label: rg.Label, Guards: set})
	}

	return prog, nil
}

func resolveSet(label string, raw rawGuardSet) (Set, error) {
	if unknown := raw.Features &^ knownFeatures; unknown != 0 {
		return Set{}, chain.Configf("group %q: unknown guard kind (feature bits %#x)", label, unknown)
	}

	var set Set
	for _, f := range []struct {
		bit     uint64
		name    string
		present bool
		apply   func()
	}{
		{featBotTax, "bot tax", raw.BotTax != nil, func() {
			set.BotTax = &BotTax{Lamports: raw.BotTax.Lamports}
		}},
		{featStartDate, "start date", raw.StartDate != nil, func() {
			t := time.Unix(*raw.StartDate, 0).UTC()
			set.Start = &t
		}},
		{featEndDate, "end date", raw.EndDate != nil, func() {
			t := time.Unix(*raw.EndDate, 0).UTC()
			set.End = &t
		}},
		{featSolPayment, "sol payment", raw.SolPayment != nil, func() {
			set.SolPayment = &SolPayment{
				Lamports:    raw.SolPayment.Lamports,
				Destination: raw.SolPayment.Destination,
			}
		}},
		{featTokenGate, "token gate", raw.TokenGate != nil, func() {
			set.TokenGate = &TokenGate{
				Mint:       raw.TokenGate.Mint,
				MinBalance: raw.TokenGate.MinBalance,
			}
		}},
		{featMintLimit, "mint limit", raw.MintLimit != nil, func() {
			set.MintLimit = &MintLimit{ID: raw.MintLimit.ID, Cap: raw.MintLimit.Cap}
		}},
		{featRedeemedLimit, "redeemed limit", raw.RedeemedLimit != nil, func() {
			set.RedeemedLimit = &RedeemedLimit{Cap: *raw.RedeemedLimit}
		}},
		{featAllowList, "allow list", raw.AllowList != nil, func() {
			set.AllowList = &AllowList{Root: *raw.AllowList}
		}},
		{featAddressGate, "address gate", raw.AddressGate != nil, func() {
			set.AddressGate = &AddressGate{Address: *raw.AddressGate}
		}},
		{featThirdPartySigner, "third party signer", raw.ThirdPartySigner != nil, func() {
			set.ThirdPartySigner = &ThirdPartySigner{Signer: *raw.ThirdPartySigner}
		}},
	} {
		enabled := raw.Features&f.bit != 0
		if enabled != f.present {
			return Set{}, chain.Configf("group %q: %s guard feature bit and payload disagree", label, f.name)
		}
		if enabled {
			f.apply()
		}
	}

	return set, nil
}

// Encode serializes a Program into account wire format. Used by initializer
// tooling and test fixtures; Resolve is its inverse.
func Encode(p *Program) ([]byte, error) {
	raw := rawProgram{
		Authority:      p.Authority,
		ItemsAvailable: p.ItemsAvailable,
		ItemsRedeemed:  p.ItemsRedeemed,
	}

	for i, g := range p.Groups {
		rs, err := encodeSet(g.Guards)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Label, err)
		}
		if i == 0 {
			if g.Label != DefaultLabel {
				return nil, fmt.Errorf("first group must be %q, got %q", DefaultLabel, g.Label)
			}
			raw.Default = rs
			continue
		}
		raw.Groups = append(raw.Groups, rawGroup{Label: g.Label, Guards: rs})
	}
	if len(p.Groups) == 0 {
		return nil, fmt.Errorf("program has no default guard set")
	}

	payload, err := borsh.Serialize(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize program: %w", err)
	}
	return append(AccountDiscriminator[:], payload...), nil
}

func encodeSet(s Set) (rawGuardSet, error) {
	var raw rawGuardSet
	if s.BotTax != nil {
		raw.Features |= featBotTax
		raw.BotTax = &rawBotTax{Lamports: s.BotTax.Lamports}
	}
	if s.Start != nil {
		raw.Features |= featStartDate
		v := s.Start.Unix()
		raw.StartDate = &v
	}
	if s.End != nil {
		raw.Features |= featEndDate
		v := s.End.Unix()
		raw.EndDate = &v
	}
	if s.SolPayment != nil {
		raw.Features |= featSolPayment
		raw.SolPayment = &rawSolPayment{
			Lamports:    s.SolPayment.Lamports,
			Destination: s.SolPayment.Destination,
		}
	}
	if s.TokenGate != nil {
		raw.Features |= featTokenGate
		raw.TokenGate = &rawTokenGate{Mint: s.TokenGate.Mint, MinBalance: s.TokenGate.MinBalance}
	}
	if s.MintLimit != nil {
		raw.Features |= featMintLimit
		raw.MintLimit = &rawMintLimit{ID: s.MintLimit.ID, Cap: s.MintLimit.Cap}
	}
	if s.RedeemedLimit != nil {
		raw.Features |= featRedeemedLimit
		v := s.RedeemedLimit.Cap
		raw.RedeemedLimit = &v
	}
	if s.AllowList != nil {
		raw.Features |= featAllowList
		v := s.AllowList.Root
		raw.AllowList = &v
	}
	if s.AddressGate != nil {
		raw.Features |= featAddressGate
		v := s.AddressGate.Address
		raw.AddressGate = &v
	}
	if s.ThirdPartySigner != nil {
		raw.Features |= featThirdPartySigner
		v := s.ThirdPartySigner.Signer
		raw.ThirdPartySigner = &v
	}
	return raw, nil
}

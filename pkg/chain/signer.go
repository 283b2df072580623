package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// KeypairSigner signs payloads with a locally held wallet keypair. Interactive
// wallet adapters replace it when the user holds the key; the contract is the
// same either way: sign with the wallet key plus the payload's generated asset
// key, or refuse.
type KeypairSigner struct {
	key solana.PrivateKey
}

func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

func (s *KeypairSigner) PublicKey() solana.PublicKey { return s.key.PublicKey() }

func (s *KeypairSigner) Sign(ctx context.Context, payload *Payload) (*SignedPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys := map[solana.PublicKey]solana.PrivateKey{
		s.key.PublicKey(): s.key,
		payload.Asset:     payload.AssetKey(),
	}
	if _, err := payload.Tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if k, ok := keys[pk]; ok {
			return &k
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	return &SignedPayload{Payload: payload}, nil
}

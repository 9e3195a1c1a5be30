package identity

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Signer fills in pubkey, id and sig on an event. The pool never holds keys
// itself.
type Signer interface {
	PublicKey() string
	SignEvent(ctx context.Context, evt *nostr.Event) error
}

// KeySigner signs with a local secp256k1 key.
type KeySigner struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// NewKeySigner parses a 32-byte hex secret key.
func NewKeySigner(secretHex string) (*KeySigner, error) {
	b, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(b))
	}
	priv, pub := btcec.PrivKeyFromBytes(b)
	return &KeySigner{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

func (s *KeySigner) PublicKey() string { return s.pubHex }

// SignEvent sets the pubkey, recomputes the id and signs it.
func (s *KeySigner) SignEvent(_ context.Context, evt *nostr.Event) error {
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	evt.PubKey = s.pubHex
	evt.ID = evt.GetID()

	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return fmt.Errorf("failed to decode event id: %w", err)
	}
	sig, err := schnorr.Sign(s.priv, idBytes)
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Package dgccrypto wraps the Ed25519 operations used to sign certificate
// payload hashes. Keys travel as lowercase hex over the raw 32-byte seed
// (private) and 32-byte public key.
package dgccrypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

func seedFromHex(skHex string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(skHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// DerivePublicKey returns the hex public key for a hex seed.
func DerivePublicKey(skHex string) (string, error) {
	priv, err := seedFromHex(skHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// Sign signs the decoded bytes of hashHex and returns the hex signature.
func Sign(hashHex, skHex string) (string, error) {
	msg, err := hex.DecodeString(hashHex)
	if err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	priv, err := seedFromHex(skHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// Verify reports whether sigHex is a valid signature by pkHex over the
// decoded bytes of hashHex. Any decoding problem counts as invalid.
func Verify(hashHex, sigHex, pkHex string) bool {
	msg, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pk, err := hex.DecodeString(pkHex)
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), msg, sig)
}

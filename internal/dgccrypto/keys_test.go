package dgccrypto

import (
	"strings"
	"testing"

	"dgc/backbone/internal/canonical"
)

// Deterministic test seed; never used outside tests.
const testSeed = "9d61b19deffd5a60ba844af492ec2cc44449c5697b326919703bac031cae7f60"

func TestDerivePublicKey(t *testing.T) {
	pk, err := DerivePublicKey(testSeed)
	if err != nil {
		t.Fatalf("DerivePublicKey: %v", err)
	}
	if len(pk) != 64 {
		t.Fatalf("public key hex length %d, want 64", len(pk))
	}
	// RFC 8032 test vector 1.
	if pk != "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a" {
		t.Fatalf("unexpected public key %s", pk)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	hash := canonical.SHA256Hex([]byte("payload"))
	sig, err := Sign(hash, testSeed)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pk, err := DerivePublicKey(testSeed)
	if err != nil {
		t.Fatalf("DerivePublicKey: %v", err)
	}
	if !Verify(hash, sig, pk) {
		t.Fatalf("Verify: expected valid")
	}

	// Tampered hash must fail.
	tampered := canonical.SHA256Hex([]byte("payload2"))
	if Verify(tampered, sig, pk) {
		t.Fatalf("Verify: tampered hash accepted")
	}
	// Tampered signature must fail.
	bad := "00" + sig[2:]
	if bad != sig && Verify(hash, bad, pk) {
		t.Fatalf("Verify: tampered signature accepted")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if Verify("zz", "00", "00") {
		t.Fatalf("Verify accepted non-hex hash")
	}
	if Verify("00", strings.Repeat("0", 10), strings.Repeat("0", 64)) {
		t.Fatalf("Verify accepted short signature")
	}
}

func TestDeriveRejectsBadSeed(t *testing.T) {
	if _, err := DerivePublicKey("abcd"); err == nil {
		t.Fatalf("expected error for short seed")
	}
	if _, err := Sign("00", "not-hex"); err == nil {
		t.Fatalf("expected error for non-hex seed")
	}
}

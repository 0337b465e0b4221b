package chainsink

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"dgc/backbone/internal/model"
)

func TestCertIDWordHexPassThrough(t *testing.T) {
	full := "0xabababababababababababababababababababababababababababababababab"
	if got := CertIDWord(full).Hex(); got != full {
		t.Fatalf("hex certId should pass through, got %s", got)
	}
}

func TestCertIDWordHashesOpaqueIDs(t *testing.T) {
	id := "DGC-2026-01-01T00:00:00.000Z-abc123"
	want := crypto.Keccak256Hash([]byte(id))
	if got := CertIDWord(id); got != want {
		t.Fatalf("opaque certId must be keccak-collapsed")
	}
	// Deterministic: the hashed form is the canonical on-chain identity.
	if CertIDWord(id) != CertIDWord(id) {
		t.Fatalf("CertIDWord must be deterministic")
	}
}

func TestActorAddress(t *testing.T) {
	hexAddr := "0x52908400098527886E0F7030069857D2E4169EE7"
	if got := ActorAddress(hexAddr).Hex(); got != hexAddr {
		t.Fatalf("hex address should pass through, got %s", got)
	}
	sum := crypto.Keccak256([]byte("alice"))
	want := hex.EncodeToString(sum[12:])
	got := ActorAddress("alice")
	if hex.EncodeToString(got.Bytes()) != want {
		t.Fatalf("non-hex actor must derive last 20 bytes of keccak")
	}
}

func TestPurityBps(t *testing.T) {
	n, err := PurityBps("999.9")
	if err != nil || n.Int64() != 9999 {
		t.Fatalf("PurityBps(999.9) = %v, %v", n, err)
	}
	if _, err := PurityBps("99.9"); err == nil {
		t.Fatalf("purity must be three integer digits")
	}
	if _, err := PurityBps("999.99"); err == nil {
		t.Fatalf("purity must have one fractional digit")
	}
}

func TestAmountUnits(t *testing.T) {
	n, err := AmountUnits("1.2500")
	if err != nil || n.Int64() != 12500 {
		t.Fatalf("AmountUnits(1.2500) = %v, %v", n, err)
	}
}

func TestStatusAndEventCodes(t *testing.T) {
	for status, want := range map[string]uint8{"ACTIVE": 0, "LOCKED": 1, "REDEEMED": 2, "REVOKED": 3} {
		got, err := StatusCode(status)
		if err != nil || got != want {
			t.Fatalf("StatusCode(%s) = %d, %v", status, got, err)
		}
	}
	if _, err := StatusCode("PENDING"); err == nil {
		t.Fatalf("unknown status must error")
	}
	if _, err := EventCode("UNKNOWN"); err == nil {
		t.Fatalf("unknown event type must error")
	}
}

func TestCalldataShape(t *testing.T) {
	ev := model.LedgerEvent{
		Type:       model.EventTransfer,
		CertID:     "DGC-1",
		OccurredAt: "2026-01-01T00:00:00.000Z",
		From:       "alice",
		To:         "bob",
		AmountGram: "2.0000",
	}
	data, err := Calldata(ev)
	if err != nil {
		t.Fatalf("Calldata: %v", err)
	}
	if len(data) != 4+7*32 {
		t.Fatalf("calldata length %d, want %d", len(data), 4+7*32)
	}
	wantSel := crypto.Keccak256([]byte("recordEvent(bytes32,uint8,address,address,uint256,uint256,uint8)"))[:4]
	for i := range wantSel {
		if data[i] != wantSel[i] {
			t.Fatalf("selector mismatch")
		}
	}
	// amount word carries the scaled units
	amountWord := data[4+4*32 : 4+5*32]
	if amountWord[31] != 0x20 || amountWord[30] != 0x4e {
		// 20000 = 0x4e20
		t.Fatalf("amount word mismatch: % x", amountWord[28:])
	}
}

// Package chainsink adapts lineage events for the on-chain DGC registry.
// The encodings here are a public contract: once a certId is anchored in its
// hashed form, that form is its canonical on-chain identity.
package chainsink

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"dgc/backbone/internal/model"
	"dgc/backbone/internal/money"
)

// On-chain status codes.
var statusCodes = map[string]uint8{
	model.StatusActive:   0,
	model.StatusLocked:   1,
	model.StatusRedeemed: 2,
	model.StatusRevoked:  3,
}

// On-chain event type codes.
var eventCodes = map[string]uint8{
	model.EventIssued:        0,
	model.EventTransfer:      1,
	model.EventSplit:         2,
	model.EventStatusChanged: 3,
}

var hexWordRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
var purityRe = regexp.MustCompile(`^\d{3}\.\d$`)

// CertIDWord maps a certId onto a 32-byte word. Hex-shaped ids pass through;
// anything else is collapsed via keccak256 of its UTF-8 bytes.
func CertIDWord(certID string) common.Hash {
	if hexWordRe.MatchString(certID) {
		return common.HexToHash(certID)
	}
	return crypto.Keccak256Hash([]byte(certID))
}

// ActorAddress maps an actor string onto an address. Hex addresses pass
// through; anything else derives the last 20 bytes of keccak256(utf8).
func ActorAddress(actor string) common.Address {
	if common.IsHexAddress(actor) {
		return common.HexToAddress(actor)
	}
	sum := crypto.Keccak256([]byte(actor))
	return common.BytesToAddress(sum[12:])
}

// AmountUnits scales a canonical amount by 10^4 into integer units.
func AmountUnits(amount string) (*big.Int, error) {
	g, err := money.Parse(amount)
	if err != nil {
		return nil, err
	}
	return big.NewInt(int64(g)), nil
}

// PurityBps maps a purity string onto basis points: "999.9" -> 9999.
func PurityBps(purity string) (*big.Int, error) {
	if !purityRe.MatchString(purity) {
		return nil, fmt.Errorf("invalid purity %q", purity)
	}
	digits := strings.Replace(purity, ".", "", 1)
	n := new(big.Int)
	n.SetString(digits, 10)
	return n, nil
}

// StatusCode maps a certificate status onto its on-chain code.
func StatusCode(status string) (uint8, error) {
	c, ok := statusCodes[status]
	if !ok {
		return 0, fmt.Errorf("unknown status %q", status)
	}
	return c, nil
}

// EventCode maps a lineage event type onto its on-chain code.
func EventCode(typ string) (uint8, error) {
	c, ok := eventCodes[typ]
	if !ok {
		return 0, fmt.Errorf("unknown event type %q", typ)
	}
	return c, nil
}

// Calldata builds the registry call payload for one lineage event:
// recordEvent(bytes32 certId, uint8 eventType, address from, address to,
// uint256 amountUnits, uint256 purityBps, uint8 status).
func Calldata(ev model.LedgerEvent) ([]byte, error) {
	eventCode, err := EventCode(ev.Type)
	if err != nil {
		return nil, err
	}

	var from, to common.Address
	amount := new(big.Int)
	purity := new(big.Int)
	var status uint8

	switch ev.Type {
	case model.EventIssued:
		to = ActorAddress(ev.Owner)
		if amount, err = AmountUnits(ev.AmountGram); err != nil {
			return nil, err
		}
		if ev.Purity != "" {
			if purity, err = PurityBps(ev.Purity); err != nil {
				return nil, err
			}
		}
	case model.EventTransfer:
		from = ActorAddress(ev.From)
		to = ActorAddress(ev.To)
		if amount, err = AmountUnits(ev.AmountGram); err != nil {
			return nil, err
		}
	case model.EventSplit:
		from = ActorAddress(ev.From)
		to = ActorAddress(ev.To)
		if amount, err = AmountUnits(ev.AmountChildGram); err != nil {
			return nil, err
		}
	case model.EventStatusChanged:
		if status, err = StatusCode(ev.Status); err != nil {
			return nil, err
		}
	}

	sig := []byte("recordEvent(bytes32,uint8,address,address,uint256,uint256,uint8)")
	data := make([]byte, 0, 4+7*32)
	data = append(data, crypto.Keccak256(sig)[:4]...)
	data = append(data, CertIDWord(ev.CertID).Bytes()...)
	data = append(data, word(big.NewInt(int64(eventCode)))...)
	data = append(data, common.LeftPadBytes(from.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, word(amount)...)
	data = append(data, word(purity)...)
	data = append(data, word(big.NewInt(int64(status)))...)
	return data, nil
}

func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

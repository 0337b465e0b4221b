// Package certauth is the certificate authority: canonical hashing, issuer
// signing, the certificate status machine, and the amount-conserving split.
// Every mutation re-signs the payload and requests a proof anchor and a
// lineage event from the ledger adapter.
package certauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/canonical"
	"dgc/backbone/internal/dgccrypto"
	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/money"
)

var purityRe = regexp.MustCompile(`^\d{3}\.\d$`)

// Allowed status successors. REDEEMED and REVOKED are terminal.
var allowedTransitions = map[string]map[string]bool{
	model.StatusActive:   {model.StatusLocked: true, model.StatusRedeemed: true, model.StatusRevoked: true},
	model.StatusLocked:   {model.StatusActive: true, model.StatusRedeemed: true, model.StatusRevoked: true},
	model.StatusRedeemed: {},
	model.StatusRevoked:  {},
}

type Service struct {
	store    *Store
	issuerSK string
	issuerPK string
	out      *Outbound
	log      *logrus.Entry
}

func NewService(store *Store, issuerSKHex string, out *Outbound, log *logrus.Entry) (*Service, error) {
	pk, err := dgccrypto.DerivePublicKey(issuerSKHex)
	if err != nil {
		return nil, fmt.Errorf("issuer key: %w", err)
	}
	return &Service{store: store, issuerSK: issuerSKHex, issuerPK: pk, out: out, log: log}, nil
}

// IssuerPublicKey returns the hex issuer public key.
func (s *Service) IssuerPublicKey() string { return s.issuerPK }

func (s *Service) sign(p model.CertificatePayload) (model.SignedCertificate, error) {
	hash, err := canonical.HashJSON(p)
	if err != nil {
		return model.SignedCertificate{}, err
	}
	sig, err := dgccrypto.Sign(hash, s.issuerSK)
	if err != nil {
		return model.SignedCertificate{}, err
	}
	return model.SignedCertificate{Payload: p, PayloadHash: hash, Signature: sig}, nil
}

func newCertID(now string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return "DGC-" + now + "-" + suffix
}

func cloneMetadata(m map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MutationResult is a mutated certificate plus the classified outcomes of
// the anchor and event hops.
type MutationResult struct {
	Certificate model.SignedCertificate `json:"certificate"`
	Anchor      string                  `json:"anchorStatus"`
	Event       string                  `json:"eventStatus"`
	Proof       *model.ProofAnchor      `json:"proof,omitempty"`
}

// Issue mints a fresh ACTIVE certificate.
func (s *Service) Issue(ctx context.Context, owner, amountGram, purity string, metadata map[string]any) (MutationResult, error) {
	if owner == "" {
		return MutationResult{}, httpx.BadRequest("invalid_request", "owner is required")
	}
	if _, err := money.Parse(amountGram); err != nil {
		return MutationResult{}, httpx.BadRequest("invalid_amount", "%v", err)
	}
	if !purityRe.MatchString(purity) {
		return MutationResult{}, httpx.BadRequest("invalid_request", "invalid purity %q", purity)
	}

	now := model.NowISO()
	p := model.CertificatePayload{
		CertID:     newCertID(now),
		Issuer:     s.issuerPK,
		Owner:      owner,
		AmountGram: amountGram,
		Purity:     purity,
		IssuedAt:   now,
		Status:     model.StatusActive,
		Metadata:   metadata,
	}
	cert, err := s.sign(p)
	if err != nil {
		return MutationResult{}, err
	}
	if err := s.store.Put(cert); err != nil {
		return MutationResult{}, err
	}

	anchorStatus, proof := s.out.Anchor(ctx, p.CertID, cert.PayloadHash, now)
	ev := model.LedgerEvent{
		Type: model.EventIssued, CertID: p.CertID, OccurredAt: now,
		Owner: owner, AmountGram: amountGram, Purity: purity,
	}
	if proof != nil {
		ev.ProofHash = proof.ProofHash
	}
	eventStatus := s.out.Record(ctx, ev)
	return MutationResult{Certificate: cert, Anchor: anchorStatus, Event: eventStatus, Proof: proof}, nil
}

// Get returns the certificate or a 404.
func (s *Service) Get(certID string) (model.SignedCertificate, error) {
	c, ok, err := s.store.Get(certID)
	if err != nil {
		return model.SignedCertificate{}, err
	}
	if !ok {
		return model.SignedCertificate{}, httpx.NotFound("certificate_not_found", "certificate %s not found", certID)
	}
	return c, nil
}

// List returns every certificate in ascending certId order.
func (s *Service) List() ([]model.SignedCertificate, error) { return s.store.List() }

// VerifyResult reports canonical-hash and signature checks for a certificate.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	HashMatches    bool   `json:"hashMatches"`
	SignatureValid bool   `json:"signatureValid"`
	Status         string `json:"status"`
}

// Verify recomputes the payload hash and checks the issuer signature. The
// signature is only evaluated when the hash matches; any exception along the
// way counts as invalid.
func (s *Service) Verify(cert model.SignedCertificate) VerifyResult {
	res := VerifyResult{Status: cert.Payload.Status}
	recomputed, err := canonical.HashJSON(cert.Payload)
	if err != nil {
		return res
	}
	res.HashMatches = recomputed == cert.PayloadHash
	if res.HashMatches {
		res.SignatureValid = dgccrypto.Verify(cert.PayloadHash, cert.Signature, cert.Payload.Issuer)
	}
	res.Valid = res.HashMatches && res.SignatureValid
	return res
}

// Transfer moves ownership of an ACTIVE certificate.
func (s *Service) Transfer(ctx context.Context, certID, toOwner, price string) (MutationResult, error) {
	if toOwner == "" {
		return MutationResult{}, httpx.BadRequest("invalid_request", "toOwner is required")
	}
	cert, err := s.Get(certID)
	if err != nil {
		return MutationResult{}, err
	}
	if cert.Payload.Status != model.StatusActive {
		return MutationResult{}, httpx.Conflict("state_conflict", "certificate %s is %s, not ACTIVE", certID, cert.Payload.Status)
	}

	now := model.NowISO()
	fromOwner := cert.Payload.Owner
	p := cert.Payload
	p.Owner = toOwner
	p.Metadata = cloneMetadata(cert.Payload.Metadata)
	p.Metadata["lastTransferAt"] = now
	if price != "" {
		p.Metadata["lastTransferPrice"] = price
	}
	signed, err := s.sign(p)
	if err != nil {
		return MutationResult{}, err
	}
	if err := s.store.Put(signed); err != nil {
		return MutationResult{}, err
	}

	anchorStatus, proof := s.out.Anchor(ctx, certID, signed.PayloadHash, now)
	ev := model.LedgerEvent{
		Type: model.EventTransfer, CertID: certID, OccurredAt: now,
		From: fromOwner, To: toOwner, AmountGram: p.AmountGram, Price: price,
	}
	if proof != nil {
		ev.ProofHash = proof.ProofHash
	}
	eventStatus := s.out.Record(ctx, ev)
	return MutationResult{Certificate: signed, Anchor: anchorStatus, Event: eventStatus, Proof: proof}, nil
}

// SplitResult is the updated parent and the freshly minted child.
type SplitResult struct {
	Parent model.SignedCertificate `json:"parent"`
	Child  model.SignedCertificate `json:"child"`
	Anchor string                  `json:"anchorStatus"`
	Event  string                  `json:"eventStatus"`
}

// Split carves amountChildGram off an ACTIVE parent into a new certificate
// for toOwner. Conservation holds exactly on the scaled integers.
func (s *Service) Split(ctx context.Context, parentCertID, toOwner, amountChildGram, price string) (SplitResult, error) {
	if toOwner == "" {
		return SplitResult{}, httpx.BadRequest("invalid_request", "toOwner is required")
	}
	child, err := money.Parse(amountChildGram)
	if err != nil {
		return SplitResult{}, httpx.BadRequest("invalid_amount", "%v", err)
	}
	parent, err := s.Get(parentCertID)
	if err != nil {
		return SplitResult{}, err
	}
	if parent.Payload.Status != model.StatusActive {
		return SplitResult{}, httpx.Conflict("state_conflict", "certificate %s is %s, not ACTIVE", parentCertID, parent.Payload.Status)
	}
	parentAmount, err := money.Parse(parent.Payload.AmountGram)
	if err != nil {
		return SplitResult{}, fmt.Errorf("stored parent amount: %w", err)
	}
	if child <= 0 || child >= parentAmount {
		return SplitResult{}, httpx.BadRequest("invalid_amount",
			"child amount must be positive and strictly below parent amount %s", parent.Payload.AmountGram)
	}
	remaining, err := parentAmount.Sub(child)
	if err != nil {
		return SplitResult{}, httpx.BadRequest("invalid_amount", "%v", err)
	}

	now := model.NowISO()
	childPayload := model.CertificatePayload{
		CertID:     newCertID(now),
		Issuer:     parent.Payload.Issuer,
		Owner:      toOwner,
		AmountGram: child.Format(),
		Purity:     parent.Payload.Purity,
		IssuedAt:   now,
		Status:     model.StatusActive,
		Metadata:   map[string]any{"parentCertId": parentCertID, "splitAt": now},
	}
	if price != "" {
		childPayload.Metadata["splitPrice"] = price
	}
	parentPayload := parent.Payload
	parentPayload.AmountGram = remaining.Format()
	parentPayload.Metadata = cloneMetadata(parent.Payload.Metadata)
	parentPayload.Metadata["lastSplitAt"] = now
	parentPayload.Metadata["lastSplitChildId"] = childPayload.CertID

	signedParent, err := s.sign(parentPayload)
	if err != nil {
		return SplitResult{}, err
	}
	signedChild, err := s.sign(childPayload)
	if err != nil {
		return SplitResult{}, err
	}
	if err := s.store.PutBoth(signedParent, signedChild); err != nil {
		return SplitResult{}, err
	}

	parentAnchor, parentProof := s.out.Anchor(ctx, parentCertID, signedParent.PayloadHash, now)
	childAnchor, _ := s.out.Anchor(ctx, childPayload.CertID, signedChild.PayloadHash, now)
	ev := model.LedgerEvent{
		Type: model.EventSplit, CertID: parentCertID, OccurredAt: now,
		ParentCertID: parentCertID, ChildCertID: childPayload.CertID,
		From: parentPayload.Owner, To: toOwner, AmountChildGram: child.Format(), Price: price,
	}
	if parentProof != nil {
		ev.ProofHash = parentProof.ProofHash
	}
	eventStatus := s.out.Record(ctx, ev)
	return SplitResult{
		Parent: signedParent,
		Child:  signedChild,
		Anchor: CombineAnchorOutcomes(parentAnchor, childAnchor),
		Event:  eventStatus,
	}, nil
}

// SetStatus transitions a certificate through the status machine.
func (s *Service) SetStatus(ctx context.Context, certID, next string) (MutationResult, error) {
	if _, ok := allowedTransitions[next]; !ok {
		return MutationResult{}, httpx.BadRequest("invalid_status", "unknown status %q", next)
	}
	cert, err := s.Get(certID)
	if err != nil {
		return MutationResult{}, err
	}
	current := cert.Payload.Status
	if !allowedTransitions[current][next] {
		return MutationResult{}, httpx.Conflict("state_conflict", "Transition %s -> %s is not allowed", current, next)
	}

	now := model.NowISO()
	p := cert.Payload
	p.Status = next
	p.Metadata = cloneMetadata(cert.Payload.Metadata)
	p.Metadata["lastStatusChangeAt"] = now
	signed, err := s.sign(p)
	if err != nil {
		return MutationResult{}, err
	}
	if err := s.store.Put(signed); err != nil {
		return MutationResult{}, err
	}

	anchorStatus, proof := s.out.Anchor(ctx, certID, signed.PayloadHash, now)
	ev := model.LedgerEvent{
		Type: model.EventStatusChanged, CertID: certID, OccurredAt: now, Status: next,
	}
	if proof != nil {
		ev.ProofHash = proof.ProofHash
	}
	eventStatus := s.out.Record(ctx, ev)
	return MutationResult{Certificate: signed, Anchor: anchorStatus, Event: eventStatus, Proof: proof}, nil
}

// Timeline proxies the ledger adapter's timeline for certID. A 404 from the
// adapter maps to an empty list.
func (s *Service) Timeline(ctx context.Context, certID string) ([]model.LedgerEvent, error) {
	if !s.out.configured() {
		return nil, httpx.Errf(http.StatusServiceUnavailable, "ledger_adapter_not_configured", "no ledger adapter configured")
	}
	status, body, err := s.out.client.GetJSON(ctx, s.out.baseURL+"/events/"+certID, httpx.PrimaryTimeout)
	if err != nil {
		return nil, httpx.Errf(http.StatusBadGateway, "ledger_adapter_unreachable", "%v", err)
	}
	if status == http.StatusNotFound {
		return []model.LedgerEvent{}, nil
	}
	if !httpx.Is2xx(status) {
		he := httpx.Errf(http.StatusBadGateway, "ledger_adapter_error", "ledger adapter returned %d", status)
		he.DownstreamStatus = status
		return nil, he
	}
	var resp struct {
		Events []model.LedgerEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, httpx.Errf(http.StatusBadGateway, "ledger_adapter_invalid_response", "%v", err)
	}
	if resp.Events == nil {
		resp.Events = []model.LedgerEvent{}
	}
	return resp.Events, nil
}

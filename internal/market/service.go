package market

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/canonical"
	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/money"
)

type Service struct {
	store *Store
	out   *Outbound
	log   *logrus.Entry
}

func NewService(store *Store, out *Outbound, log *logrus.Entry) *Service {
	return &Service{store: store, out: out, log: log}
}

func newListingID() string {
	return "LST-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newAuditID() string {
	return "AEV-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newAudit(listingID, typ, actor string, details map[string]any) model.ListingAuditEvent {
	return model.ListingAuditEvent{
		EventID:    newAuditID(),
		ListingID:  listingID,
		Type:       typ,
		Actor:      actor,
		OccurredAt: model.NowISO(),
		Details:    details,
	}
}

// mutation is one committed escrow step: the persisted listing and audit
// event plus the HTTP outcome to record and return.
type mutation struct {
	status   int
	response any
	listing  model.MarketplaceListing
	audit    model.ListingAuditEvent
}

// idempotent runs an escrow mutation under the replay protocol. The request
// hash is the canonical JSON of the parsed body, so formatting variations of
// the same request collapse. A replayed key returns the stored bytes
// untouched; a reused key with a different body conflicts.
func (s *Service) idempotent(action, key string, rawBody []byte, fn func() (mutation, error)) (int, []byte, error) {
	if key == "" {
		return 0, nil, httpx.BadRequest("missing_idempotency_key", "idempotency-key header is required")
	}
	var parsed any
	if err := httpx.DecodeBytes(rawBody, &parsed); err != nil {
		return 0, nil, err
	}
	hash, err := canonical.HashJSON(parsed)
	if err != nil {
		return 0, nil, httpx.BadRequest("invalid_request", "hash request: %v", err)
	}
	if rec, ok, err := s.store.GetIdem(action, key); err != nil {
		return 0, nil, err
	} else if ok {
		if rec.RequestHash != hash {
			return 0, nil, httpx.Conflict("idempotency_key_reuse_conflict",
				"idempotency key %q was already used with a different request body", key)
		}
		return rec.Status, rec.Body, nil
	}

	m, err := fn()
	if err != nil {
		return 0, nil, err
	}
	respBytes, err := json.Marshal(m.response)
	if err != nil {
		return 0, nil, err
	}
	idem := &IdemRecord{
		Action:      action,
		Key:         key,
		RequestHash: hash,
		Status:      m.status,
		Body:        respBytes,
		CreatedAt:   model.NowISO(),
	}
	if err := s.store.Commit(m.listing, m.audit, idem); err != nil {
		return 0, nil, err
	}
	s.out.FanOutAudit(m.audit, m.listing)
	return m.status, respBytes, nil
}

// CreateRequest is the payload of POST /listings/create.
type CreateRequest struct {
	CertID   string `json:"certId"`
	Seller   string `json:"seller"`
	AskPrice string `json:"askPrice"`
}

// CreateListing verifies ownership and status with the certificate
// authority, then opens an OPEN listing.
func (s *Service) CreateListing(ctx context.Context, req CreateRequest) (model.MarketplaceListing, error) {
	if req.CertID == "" {
		return model.MarketplaceListing{}, httpx.BadRequest("invalid_cert_id", "certId is required")
	}
	if req.Seller == "" {
		return model.MarketplaceListing{}, httpx.BadRequest("invalid_request", "seller is required")
	}
	if !money.Valid(req.AskPrice) {
		return model.MarketplaceListing{}, httpx.BadRequest("invalid_amount", "askPrice %q is not a canonical amount", req.AskPrice)
	}
	if err := s.out.CheckFreeze(ctx); err != nil {
		return model.MarketplaceListing{}, err
	}
	cert, err := s.out.GetCertificate(ctx, req.CertID)
	if err != nil {
		return model.MarketplaceListing{}, err
	}
	if cert.Payload.Owner != req.Seller {
		return model.MarketplaceListing{}, httpx.Conflict("owner_mismatch",
			"certificate %s is owned by %s, not %s", req.CertID, cert.Payload.Owner, req.Seller)
	}
	if cert.Payload.Status != model.StatusActive {
		return model.MarketplaceListing{}, httpx.Conflict("state_conflict",
			"certificate %s is %s, only ACTIVE certificates can be listed", req.CertID, cert.Payload.Status)
	}

	now := model.NowISO()
	listing := model.MarketplaceListing{
		ListingID: newListingID(),
		CertID:    req.CertID,
		Seller:    req.Seller,
		AskPrice:  req.AskPrice,
		Status:    model.ListingOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	audit := newAudit(listing.ListingID, model.AuditCreated, req.Seller, map[string]any{"askPrice": req.AskPrice})
	if err := s.store.Commit(listing, audit, nil); err != nil {
		return model.MarketplaceListing{}, err
	}
	s.out.FanOutAudit(audit, listing)
	s.log.WithFields(logrus.Fields{"listingId": listing.ListingID, "certId": req.CertID}).Info("listing created")
	return listing, nil
}

// LockRequest is the payload of POST /escrow/lock.
type LockRequest struct {
	ListingID string `json:"listingId"`
	Buyer     string `json:"buyer"`
}

// LockEscrow transitions an OPEN listing to LOCKED, locking the underlying
// certificate at the authority first.
func (s *Service) LockEscrow(ctx context.Context, key string, rawBody []byte) (int, []byte, error) {
	return s.idempotent("escrow/lock", key, rawBody, func() (mutation, error) {
		var req LockRequest
		if err := httpx.DecodeBytes(rawBody, &req); err != nil {
			return mutation{}, err
		}
		if req.ListingID == "" || req.Buyer == "" {
			return mutation{}, httpx.BadRequest("invalid_request", "listingId and buyer are required")
		}
		listing, err := s.mustGetListing(req.ListingID)
		if err != nil {
			return mutation{}, err
		}
		if listing.Status != model.ListingOpen {
			return mutation{}, httpx.Conflict("state_conflict",
				"listing %s is %s, only OPEN listings can be locked", listing.ListingID, listing.Status)
		}
		if err := s.out.CheckFreeze(ctx); err != nil {
			return mutation{}, err
		}
		if err := s.out.SetCertificateStatus(ctx, listing.CertID, model.StatusLocked); err != nil {
			return mutation{}, err
		}

		now := model.NowISO()
		listing.Status = model.ListingLocked
		listing.LockedBy = req.Buyer
		listing.LockedAt = now
		listing.UpdatedAt = now
		audit := newAudit(listing.ListingID, model.AuditLocked, req.Buyer, nil)
		return mutation{
			status:   http.StatusOK,
			response: map[string]any{"listing": listing},
			listing:  listing,
			audit:    audit,
		}, nil
	})
}

// SettleRequest is the payload of POST /escrow/settle.
type SettleRequest struct {
	ListingID    string `json:"listingId"`
	Buyer        string `json:"buyer"`
	SettledPrice string `json:"settledPrice,omitempty"`
}

// SettleEscrow completes a LOCKED listing in two phases at the authority:
// unlock, then transfer to the buyer. A failed transfer triggers a
// best-effort relock before the transfer error is surfaced.
func (s *Service) SettleEscrow(ctx context.Context, key string, rawBody []byte) (int, []byte, error) {
	return s.idempotent("escrow/settle", key, rawBody, func() (mutation, error) {
		var req SettleRequest
		if err := httpx.DecodeBytes(rawBody, &req); err != nil {
			return mutation{}, err
		}
		if req.ListingID == "" || req.Buyer == "" {
			return mutation{}, httpx.BadRequest("invalid_request", "listingId and buyer are required")
		}
		if req.SettledPrice != "" && !money.Valid(req.SettledPrice) {
			return mutation{}, httpx.BadRequest("invalid_amount", "settledPrice %q is not a canonical amount", req.SettledPrice)
		}
		listing, err := s.mustGetListing(req.ListingID)
		if err != nil {
			return mutation{}, err
		}
		if listing.Status != model.ListingLocked {
			return mutation{}, httpx.Conflict("state_conflict",
				"listing %s is %s, only LOCKED listings can settle", listing.ListingID, listing.Status)
		}
		if listing.LockedBy != req.Buyer {
			return mutation{}, httpx.Conflict("buyer_mismatch",
				"listing %s is locked by %s, not %s", listing.ListingID, listing.LockedBy, req.Buyer)
		}
		if err := s.out.CheckFreeze(ctx); err != nil {
			return mutation{}, err
		}

		price := req.SettledPrice
		if price == "" {
			price = listing.AskPrice
		}
		if err := s.out.SetCertificateStatus(ctx, listing.CertID, model.StatusActive); err != nil {
			return mutation{}, err
		}
		transfer, err := s.out.TransferCertificate(ctx, listing.CertID, req.Buyer, price)
		if err != nil {
			// Relock so the listing and certificate stay consistent. The
			// rollback is best-effort; the transfer error wins either way.
			if rbErr := s.out.SetCertificateStatus(ctx, listing.CertID, model.StatusLocked); rbErr != nil {
				s.log.WithFields(logrus.Fields{"listingId": listing.ListingID, "certId": listing.CertID}).
					Warn("settle rollback failed, certificate left unlocked")
			}
			return mutation{}, err
		}

		now := model.NowISO()
		listing.Status = model.ListingSettled
		listing.SettledAt = now
		listing.SettledPrice = price
		listing.UpdatedAt = now
		audit := newAudit(listing.ListingID, model.AuditSettled, req.Buyer, map[string]any{"settledPrice": price})
		return mutation{
			status:   http.StatusOK,
			response: map[string]any{"listing": listing, "transfer": transfer},
			listing:  listing,
			audit:    audit,
		}, nil
	})
}

// CancelRequest is the payload of POST /escrow/cancel.
type CancelRequest struct {
	ListingID string `json:"listingId"`
	Reason    string `json:"reason,omitempty"`
}

// CancelEscrow cancels an OPEN or LOCKED listing. Cancellation is never
// freeze-gated so a frozen marketplace can still unwind.
func (s *Service) CancelEscrow(ctx context.Context, key string, rawBody []byte) (int, []byte, error) {
	return s.idempotent("escrow/cancel", key, rawBody, func() (mutation, error) {
		var req CancelRequest
		if err := httpx.DecodeBytes(rawBody, &req); err != nil {
			return mutation{}, err
		}
		if req.ListingID == "" {
			return mutation{}, httpx.BadRequest("invalid_listing_id", "listingId is required")
		}
		listing, err := s.mustGetListing(req.ListingID)
		if err != nil {
			return mutation{}, err
		}
		if listing.Status == model.ListingSettled || listing.Status == model.ListingCancelled {
			return mutation{}, httpx.Conflict("state_conflict",
				"listing %s is already %s", listing.ListingID, listing.Status)
		}
		if listing.Status == model.ListingLocked {
			if err := s.out.SetCertificateStatus(ctx, listing.CertID, model.StatusActive); err != nil {
				return mutation{}, err
			}
		}

		actor := listing.LockedBy
		if actor == "" {
			actor = listing.Seller
		}
		now := model.NowISO()
		listing.Status = model.ListingCancelled
		listing.CancelledAt = now
		listing.CancelReason = req.Reason
		listing.UpdatedAt = now
		var details map[string]any
		if req.Reason != "" {
			details = map[string]any{"reason": req.Reason}
		}
		audit := newAudit(listing.ListingID, model.AuditCancelled, actor, details)
		return mutation{
			status:   http.StatusOK,
			response: map[string]any{"listing": listing},
			listing:  listing,
			audit:    audit,
		}, nil
	})
}

// DisputeRequest is the payload of POST /listings/{id}/dispute/open.
type DisputeRequest struct {
	OpenedBy string `json:"openedBy"`
	Reason   string `json:"reason"`
	Evidence string `json:"evidence,omitempty"`
}

// DisputeResult is the response: the flagged listing plus the new dispute.
type DisputeResult struct {
	Listing model.MarketplaceListing `json:"listing"`
	Dispute model.DisputeRecord      `json:"dispute"`
}

// OpenDispute opens a dispute over a settled listing via the orchestrator
// and flags the listing.
func (s *Service) OpenDispute(ctx context.Context, listingID string, req DisputeRequest) (DisputeResult, error) {
	if req.OpenedBy == "" || req.Reason == "" {
		return DisputeResult{}, httpx.BadRequest("invalid_request", "openedBy and reason are required")
	}
	listing, err := s.mustGetListing(listingID)
	if err != nil {
		return DisputeResult{}, err
	}
	if listing.Status != model.ListingSettled {
		return DisputeResult{}, httpx.Conflict("state_conflict",
			"listing %s is %s, only SETTLED listings can be disputed", listingID, listing.Status)
	}
	if listing.UnderDispute {
		return DisputeResult{}, httpx.Conflict("state_conflict",
			"listing %s is already under dispute %s", listingID, listing.DisputeID)
	}

	dispute, err := s.out.OpenDispute(ctx, map[string]string{
		"listingId": listingID,
		"certId":    listing.CertID,
		"openedBy":  req.OpenedBy,
		"reason":    req.Reason,
		"evidence":  req.Evidence,
	})
	if err != nil {
		return DisputeResult{}, err
	}

	now := model.NowISO()
	listing.UnderDispute = true
	listing.DisputeID = dispute.DisputeID
	listing.DisputeStatus = dispute.Status
	listing.DisputeOpenedAt = now
	listing.UpdatedAt = now
	audit := newAudit(listingID, model.AuditDisputeOpened, req.OpenedBy, map[string]any{"disputeId": dispute.DisputeID})
	if err := s.store.Commit(listing, audit, nil); err != nil {
		return DisputeResult{}, err
	}
	s.out.FanOutAudit(audit, listing)
	s.log.WithFields(logrus.Fields{"listingId": listingID, "disputeId": dispute.DisputeID}).Info("dispute opened")
	return DisputeResult{Listing: listing, Dispute: dispute}, nil
}

// GetListing returns one listing or a 404.
func (s *Service) GetListing(listingID string) (model.MarketplaceListing, error) {
	return s.mustGetListing(listingID)
}

// Listings returns listings, optionally filtered by a valid status.
func (s *Service) Listings(status string) ([]model.MarketplaceListing, error) {
	switch status {
	case "", model.ListingOpen, model.ListingLocked, model.ListingSettled, model.ListingCancelled:
	default:
		return nil, httpx.BadRequest("invalid_query", "unknown listing status %q", status)
	}
	return s.store.Listings(status)
}

// Audit returns a listing's audit trail.
func (s *Service) Audit(listingID string) ([]model.ListingAuditEvent, error) {
	if _, err := s.mustGetListing(listingID); err != nil {
		return nil, err
	}
	return s.store.Audit(listingID)
}

func (s *Service) mustGetListing(listingID string) (model.MarketplaceListing, error) {
	l, ok, err := s.store.GetListing(listingID)
	if err != nil {
		return model.MarketplaceListing{}, err
	}
	if !ok {
		return model.MarketplaceListing{}, httpx.NotFound("listing_not_found", "no listing %s", listingID)
	}
	return l, nil
}

// Package model holds the wire types shared across the DGC services. Every
// service owns its own store; these types only describe what crosses HTTP
// boundaries.
package model

import (
	"fmt"
	"time"

	"dgc/backbone/internal/money"
)

// Certificate statuses.
const (
	StatusActive   = "ACTIVE"
	StatusLocked   = "LOCKED"
	StatusRedeemed = "REDEEMED"
	StatusRevoked  = "REVOKED"
)

// Listing statuses.
const (
	ListingOpen      = "OPEN"
	ListingLocked    = "LOCKED"
	ListingSettled   = "SETTLED"
	ListingCancelled = "CANCELLED"
)

// Dispute statuses and resolutions.
const (
	DisputeOpen     = "OPEN"
	DisputeAssigned = "ASSIGNED"
	DisputeResolved = "RESOLVED"

	ResolutionRefundBuyer   = "REFUND_BUYER"
	ResolutionReleaseSeller = "RELEASE_SELLER"
	ResolutionManualReview  = "MANUAL_REVIEW"
)

// ISOFormat is the fixed-width UTC timestamp layout used everywhere.
// Fixed width keeps lexicographic and chronological order identical.
const ISOFormat = "2006-01-02T15:04:05.000Z"

func NowISO() string { return time.Now().UTC().Format(ISOFormat) }

func FormatISO(t time.Time) string { return t.UTC().Format(ISOFormat) }

func ParseISO(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}

// CertificatePayload is the signed portion of a certificate.
type CertificatePayload struct {
	CertID     string         `json:"certId"`
	Issuer     string         `json:"issuer"`
	Owner      string         `json:"owner"`
	AmountGram string         `json:"amountGram"`
	Purity     string         `json:"purity"`
	IssuedAt   string         `json:"issuedAt"`
	Status     string         `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SignedCertificate binds a payload to its hash and issuer signature.
type SignedCertificate struct {
	Payload     CertificatePayload `json:"payload"`
	PayloadHash string             `json:"payloadHash"`
	Signature   string             `json:"signature"`
}

// ProofAnchor is the latest anchoring record for a certificate.
type ProofAnchor struct {
	CertID      string `json:"certId"`
	PayloadHash string `json:"payloadHash"`
	ProofHash   string `json:"proofHash"`
	AnchoredAt  string `json:"anchoredAt"`
}

// Ledger event types.
const (
	EventIssued        = "ISSUED"
	EventTransfer      = "TRANSFER"
	EventSplit         = "SPLIT"
	EventStatusChanged = "STATUS_CHANGED"
)

// LedgerEvent is the tagged union over the four lineage event variants.
// Only the fields of the active variant are populated.
type LedgerEvent struct {
	Type       string `json:"type"`
	CertID     string `json:"certId"`
	OccurredAt string `json:"occurredAt"`
	ProofHash  string `json:"proofHash,omitempty"`

	// ISSUED
	Owner      string `json:"owner,omitempty"`
	AmountGram string `json:"amountGram,omitempty"`
	Purity     string `json:"purity,omitempty"`

	// TRANSFER / SPLIT
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Price string `json:"price,omitempty"`

	// SPLIT
	ParentCertID    string `json:"parentCertId,omitempty"`
	ChildCertID     string `json:"childCertId,omitempty"`
	AmountChildGram string `json:"amountChildGram,omitempty"`

	// STATUS_CHANGED
	Status string `json:"status,omitempty"`
}

// Validate checks the shape of the active variant and rejects unknown types.
func (e LedgerEvent) Validate() error {
	if e.CertID == "" {
		return fmt.Errorf("missing certId")
	}
	if e.OccurredAt == "" {
		return fmt.Errorf("missing occurredAt")
	}
	switch e.Type {
	case EventIssued:
		if e.Owner == "" {
			return fmt.Errorf("ISSUED event missing owner")
		}
		if !money.Valid(e.AmountGram) {
			return fmt.Errorf("ISSUED event has invalid amountGram %q", e.AmountGram)
		}
	case EventTransfer:
		if e.From == "" || e.To == "" {
			return fmt.Errorf("TRANSFER event missing from/to")
		}
		if !money.Valid(e.AmountGram) {
			return fmt.Errorf("TRANSFER event has invalid amountGram %q", e.AmountGram)
		}
	case EventSplit:
		if e.ParentCertID == "" || e.ChildCertID == "" {
			return fmt.Errorf("SPLIT event missing parentCertId/childCertId")
		}
		if e.From == "" || e.To == "" {
			return fmt.Errorf("SPLIT event missing from/to")
		}
		if !money.Valid(e.AmountChildGram) {
			return fmt.Errorf("SPLIT event has invalid amountChildGram %q", e.AmountChildGram)
		}
	case EventStatusChanged:
		switch e.Status {
		case StatusActive, StatusLocked, StatusRedeemed, StatusRevoked:
		default:
			return fmt.Errorf("STATUS_CHANGED event has invalid status %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// MarketplaceListing is a marketplace listing with its lifecycle stamps.
type MarketplaceListing struct {
	ListingID string `json:"listingId"`
	CertID    string `json:"certId"`
	Seller    string `json:"seller"`
	AskPrice  string `json:"askPrice"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`

	LockedBy string `json:"lockedBy,omitempty"`
	LockedAt string `json:"lockedAt,omitempty"`

	SettledAt    string `json:"settledAt,omitempty"`
	SettledPrice string `json:"settledPrice,omitempty"`

	CancelledAt  string `json:"cancelledAt,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`

	UnderDispute      bool   `json:"underDispute,omitempty"`
	DisputeID         string `json:"disputeId,omitempty"`
	DisputeStatus     string `json:"disputeStatus,omitempty"`
	DisputeOpenedAt   string `json:"disputeOpenedAt,omitempty"`
	DisputeResolvedAt string `json:"disputeResolvedAt,omitempty"`
}

// Listing audit event types.
const (
	AuditCreated       = "CREATED"
	AuditLocked        = "LOCKED"
	AuditSettled       = "SETTLED"
	AuditCancelled     = "CANCELLED"
	AuditDisputeOpened = "DISPUTE_OPENED"
)

// ListingAuditEvent is one append-only entry of a listing's audit trail.
type ListingAuditEvent struct {
	EventID    string         `json:"eventId"`
	ListingID  string         `json:"listingId"`
	Type       string         `json:"type"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt string         `json:"occurredAt"`
	Details    map[string]any `json:"details,omitempty"`
}

// Validate checks the shape of an audit event.
func (e ListingAuditEvent) Validate() error {
	if e.ListingID == "" {
		return fmt.Errorf("missing listingId")
	}
	if e.OccurredAt == "" {
		return fmt.Errorf("missing occurredAt")
	}
	switch e.Type {
	case AuditCreated, AuditLocked, AuditSettled, AuditCancelled, AuditDisputeOpened:
		return nil
	default:
		return fmt.Errorf("unknown audit event type %q", e.Type)
	}
}

// DisputeRecord is a marketplace dispute in its lifecycle.
type DisputeRecord struct {
	DisputeID string `json:"disputeId"`
	ListingID string `json:"listingId"`
	CertID    string `json:"certId"`
	Status    string `json:"status"`
	OpenedBy  string `json:"openedBy"`
	Reason    string `json:"reason"`
	Evidence  string `json:"evidence,omitempty"`
	OpenedAt  string `json:"openedAt"`

	AssignedTo string `json:"assignedTo,omitempty"`
	AssignedAt string `json:"assignedAt,omitempty"`

	ResolvedBy      string `json:"resolvedBy,omitempty"`
	ResolvedAt      string `json:"resolvedAt,omitempty"`
	Resolution      string `json:"resolution,omitempty"`
	ResolutionNotes string `json:"resolutionNotes,omitempty"`
}

// ReconciliationRun is one custody-vs-claims comparison.
type ReconciliationRun struct {
	RunID                 string `json:"runId"`
	CreatedAt             string `json:"createdAt"`
	CustodyTotalGram      string `json:"custodyTotalGram"`
	OutstandingTotalGram  string `json:"outstandingTotalGram"`
	MismatchGram          string `json:"mismatchGram"`
	AbsMismatchGram       string `json:"absMismatchGram"`
	ThresholdGram         string `json:"thresholdGram"`
	FreezeTriggered       bool   `json:"freezeTriggered"`
	CertificatesEvaluated int    `json:"certificatesEvaluated"`
	ActiveCertificates    int    `json:"activeCertificates"`
	LockedCertificates    int    `json:"lockedCertificates"`
}

// FreezeState is the marketplace-wide freeze singleton.
type FreezeState struct {
	Active    bool   `json:"active"`
	Reason    string `json:"reason,omitempty"`
	UpdatedAt string `json:"updatedAt"`
	LastRunID string `json:"lastRunId,omitempty"`
}

// FreezeOverride is one governance override audit record.
type FreezeOverride struct {
	OverrideID     string `json:"overrideId"`
	Action         string `json:"action"`
	Actor          string `json:"actor"`
	Reason         string `json:"reason"`
	PreviousActive bool   `json:"previousActive"`
	NextActive     bool   `json:"nextActive"`
	CreatedAt      string `json:"createdAt"`
	RunID          string `json:"runId,omitempty"`
}

// Risk levels.
const (
	RiskLow    = "LOW"
	RiskMedium = "MEDIUM"
	RiskHigh   = "HIGH"
)

// Risk alert target types.
const (
	TargetCertificate    = "CERTIFICATE"
	TargetListing        = "LISTING"
	TargetReconciliation = "RECONCILIATION"
)

// RiskReason is one additive contribution to a risk profile.
type RiskReason struct {
	Code        string         `json:"code"`
	ScoreImpact int            `json:"scoreImpact"`
	Message     string         `json:"message"`
	Evidence    map[string]any `json:"evidence,omitempty"`
}

// RiskProfile is the scored profile of a certificate or listing.
type RiskProfile struct {
	Target    string       `json:"target"`
	Score     int          `json:"score"`
	Level     string       `json:"level"`
	Reasons   []RiskReason `json:"reasons"`
	UpdatedAt string       `json:"updatedAt"`
	CertID    string       `json:"certId,omitempty"`
}

// RiskAlert is one emitted alert.
type RiskAlert struct {
	AlertID    string       `json:"alertId"`
	TargetType string       `json:"targetType"`
	TargetID   string       `json:"targetId"`
	Score      int          `json:"score"`
	Level      string       `json:"level"`
	Reasons    []RiskReason `json:"reasons"`
	CreatedAt  string       `json:"createdAt"`
}

// RiskLevel maps a score onto the LOW/MEDIUM/HIGH bands.
func RiskLevel(score int) string {
	switch {
	case score >= 60:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

package dispute

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
)

type Service struct {
	store *Store
	log   *logrus.Entry
}

func NewService(store *Store, log *logrus.Entry) *Service {
	return &Service{store: store, log: log}
}

func newDisputeID() string {
	return "DSP-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// OpenRequest is the payload of POST /disputes/open.
type OpenRequest struct {
	ListingID string `json:"listingId"`
	CertID    string `json:"certId"`
	OpenedBy  string `json:"openedBy"`
	Reason    string `json:"reason"`
	Evidence  string `json:"evidence,omitempty"`
}

// Open creates a fresh OPEN dispute.
func (s *Service) Open(req OpenRequest) (model.DisputeRecord, error) {
	if req.ListingID == "" {
		return model.DisputeRecord{}, httpx.BadRequest("invalid_listing_id", "listingId is required")
	}
	if req.OpenedBy == "" || req.Reason == "" {
		return model.DisputeRecord{}, httpx.BadRequest("invalid_request", "openedBy and reason are required")
	}
	d := model.DisputeRecord{
		DisputeID: newDisputeID(),
		ListingID: req.ListingID,
		CertID:    req.CertID,
		Status:    model.DisputeOpen,
		OpenedBy:  req.OpenedBy,
		Reason:    req.Reason,
		Evidence:  req.Evidence,
		OpenedAt:  model.NowISO(),
	}
	if err := s.store.Put(d); err != nil {
		return model.DisputeRecord{}, err
	}
	s.log.WithFields(logrus.Fields{"disputeId": d.DisputeID, "listingId": d.ListingID}).Info("dispute opened")
	return d, nil
}

// AssignRequest is the payload of POST /disputes/{id}/assign.
type AssignRequest struct {
	AssignedBy string `json:"assignedBy"`
	Assignee   string `json:"assignee"`
}

// Assign moves a non-resolved dispute to ASSIGNED.
func (s *Service) Assign(disputeID string, req AssignRequest) (model.DisputeRecord, error) {
	if req.AssignedBy == "" || req.Assignee == "" {
		return model.DisputeRecord{}, httpx.BadRequest("invalid_request", "assignedBy and assignee are required")
	}
	d, err := s.mustGet(disputeID)
	if err != nil {
		return model.DisputeRecord{}, err
	}
	if d.Status == model.DisputeResolved {
		return model.DisputeRecord{}, httpx.Conflict("state_conflict", "dispute %s is already resolved", disputeID)
	}
	d.Status = model.DisputeAssigned
	d.AssignedTo = req.Assignee
	d.AssignedAt = model.NowISO()
	if err := s.store.Put(d); err != nil {
		return model.DisputeRecord{}, err
	}
	return d, nil
}

// ResolveRequest is the payload of POST /disputes/{id}/resolve.
type ResolveRequest struct {
	ResolvedBy      string `json:"resolvedBy"`
	Resolution      string `json:"resolution"`
	ResolutionNotes string `json:"resolutionNotes,omitempty"`
}

// Resolve moves a non-resolved dispute to RESOLVED.
func (s *Service) Resolve(disputeID string, req ResolveRequest) (model.DisputeRecord, error) {
	if req.ResolvedBy == "" {
		return model.DisputeRecord{}, httpx.BadRequest("invalid_request", "resolvedBy is required")
	}
	switch req.Resolution {
	case model.ResolutionRefundBuyer, model.ResolutionReleaseSeller, model.ResolutionManualReview:
	default:
		return model.DisputeRecord{}, httpx.BadRequest("invalid_request", "unknown resolution %q", req.Resolution)
	}
	d, err := s.mustGet(disputeID)
	if err != nil {
		return model.DisputeRecord{}, err
	}
	if d.Status == model.DisputeResolved {
		return model.DisputeRecord{}, httpx.Conflict("state_conflict", "dispute %s is already resolved", disputeID)
	}
	d.Status = model.DisputeResolved
	d.ResolvedBy = req.ResolvedBy
	d.ResolvedAt = model.NowISO()
	d.Resolution = req.Resolution
	d.ResolutionNotes = req.ResolutionNotes
	if err := s.store.Put(d); err != nil {
		return model.DisputeRecord{}, err
	}
	s.log.WithFields(logrus.Fields{"disputeId": d.DisputeID, "resolution": d.Resolution}).Info("dispute resolved")
	return d, nil
}

func (s *Service) Get(disputeID string) (model.DisputeRecord, error) {
	return s.mustGet(disputeID)
}

// List returns disputes, optionally filtered by a valid status.
func (s *Service) List(status string) ([]model.DisputeRecord, error) {
	switch status {
	case "", model.DisputeOpen, model.DisputeAssigned, model.DisputeResolved:
	default:
		return nil, httpx.BadRequest("invalid_query", "unknown dispute status %q", status)
	}
	return s.store.List(status)
}

func (s *Service) mustGet(disputeID string) (model.DisputeRecord, error) {
	d, ok, err := s.store.Get(disputeID)
	if err != nil {
		return model.DisputeRecord{}, err
	}
	if !ok {
		return model.DisputeRecord{}, httpx.NotFound("dispute_not_found", "no dispute %s", disputeID)
	}
	return d, nil
}

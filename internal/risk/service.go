// Package risk scores anti-fraud risk over observed lineage and listing
// audit events. Profiles are recomputed from the target's full stored
// history on every ingest; alerts fire edge-triggered when a score crosses
// the threshold upward.
package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/money"
)

// DefaultAlertThreshold is used when RISK_ALERT_THRESHOLD is unset.
const DefaultAlertThreshold = 60

type Service struct {
	store      *Store
	threshold  int
	webhookURL string
	client     *httpx.Client
	log        *logrus.Entry

	now func() time.Time
}

func NewService(store *Store, threshold int, webhookURL string, client *httpx.Client, log *logrus.Entry) *Service {
	if threshold <= 0 {
		threshold = DefaultAlertThreshold
	}
	return &Service{
		store:      store,
		threshold:  threshold,
		webhookURL: webhookURL,
		client:     client,
		log:        log,
		now:        time.Now,
	}
}

func newAlertID() string {
	return "ALERT-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// IngestLedgerEvent appends one lineage event and recomputes the
// certificate's profile.
func (s *Service) IngestLedgerEvent(ev model.LedgerEvent) error {
	if err := ev.Validate(); err != nil {
		return httpx.BadRequest("invalid_request", "%v", err)
	}
	if err := s.store.AppendLedgerEvent(ev); err != nil {
		return err
	}
	return s.recomputeCertificate(ev.CertID)
}

// AuditIngest is the listing-audit ingest payload: the audit event plus the
// marketplace's listing snapshot binding it to a certificate.
type AuditIngest struct {
	Event   model.ListingAuditEvent   `json:"event"`
	Listing *model.MarketplaceListing `json:"listing,omitempty"`
}

// IngestAuditEvent appends one listing audit event, recomputes the listing
// profile, and then the owning certificate's profile (cancellations feed
// the certificate-level heuristics).
func (s *Service) IngestAuditEvent(in AuditIngest) error {
	if err := in.Event.Validate(); err != nil {
		return httpx.BadRequest("invalid_request", "%v", err)
	}
	certID := ""
	if in.Listing != nil {
		certID = in.Listing.CertID
	}
	if err := s.store.AppendAuditEvent(in.Event, certID); err != nil {
		return err
	}
	if err := s.recomputeListing(in.Event.ListingID); err != nil {
		return err
	}
	if certID == "" {
		var err error
		certID, err = s.store.CertIDForListing(in.Event.ListingID)
		if err != nil {
			return err
		}
	}
	if certID != "" {
		return s.recomputeCertificate(certID)
	}
	return nil
}

func (s *Service) recomputeCertificate(certID string) error {
	now := s.now().UTC()
	events, err := s.store.LedgerEventsByCert(certID)
	if err != nil {
		return err
	}
	since := model.FormatISO(now.Add(-7 * 24 * time.Hour))
	cancelled, err := s.store.CancelledCountByCert(certID, since)
	if err != nil {
		return err
	}
	profile := ComputeCertificateProfile(certID, events, cancelled, now)
	return s.persistAndAlert(kindCertificate, model.TargetCertificate, profile)
}

func (s *Service) recomputeListing(listingID string) error {
	now := s.now().UTC()
	audits, err := s.store.AuditEventsByListing(listingID)
	if err != nil {
		return err
	}
	actorCancelled := 0
	for i := len(audits) - 1; i >= 0; i-- {
		if audits[i].Type == model.AuditCancelled && audits[i].Actor != "" {
			since := model.FormatISO(now.Add(-7 * 24 * time.Hour))
			actorCancelled, err = s.store.CancelledCountByActor(audits[i].Actor, since)
			if err != nil {
				return err
			}
			break
		}
	}
	certID, err := s.store.CertIDForListing(listingID)
	if err != nil {
		return err
	}
	profile := ComputeListingProfile(listingID, certID, audits, actorCancelled, now)
	return s.persistAndAlert(kindListing, model.TargetListing, profile)
}

// persistAndAlert upserts the profile and emits an alert only when the
// score crosses the threshold upward from below (or from no profile).
func (s *Service) persistAndAlert(kind, targetType string, p model.RiskProfile) error {
	prev, had, err := s.store.GetProfile(kind, p.Target)
	if err != nil {
		return err
	}
	if err := s.store.PutProfile(kind, p); err != nil {
		return err
	}
	crossed := p.Score >= s.threshold && (!had || prev.Score < s.threshold)
	if !crossed {
		return nil
	}
	alert := model.RiskAlert{
		AlertID:    newAlertID(),
		TargetType: targetType,
		TargetID:   p.Target,
		Score:      p.Score,
		Level:      p.Level,
		Reasons:    p.Reasons,
		CreatedAt:  model.FormatISO(s.now().UTC()),
	}
	if err := s.store.AppendAlert(alert); err != nil {
		return err
	}
	s.postWebhook(alert)
	return nil
}

// postWebhook delivers an alert best-effort; failures are logged only.
func (s *Service) postWebhook(alert model.RiskAlert) {
	if s.webhookURL == "" {
		return
	}
	go func() {
		status, _, err := s.client.PostJSON(context.Background(), s.webhookURL, alert, httpx.FanOutTimeout)
		if err != nil || !httpx.Is2xx(status) {
			s.log.WithFields(logrus.Fields{"alertId": alert.AlertID, "status": status}).Debug("alert webhook failed")
		}
	}()
}

// ReconAlertIngest is the reconciliation-alert ingest payload.
type ReconAlertIngest struct {
	RunID           string `json:"runId"`
	AbsMismatchGram string `json:"absMismatchGram"`
	ThresholdGram   string `json:"thresholdGram"`
	Reason          string `json:"reason,omitempty"`
}

// IngestReconciliationAlert stores an alert for a reconciliation breach,
// scored proportionally to the mismatch against the threshold.
func (s *Service) IngestReconciliationAlert(in ReconAlertIngest) (model.RiskAlert, error) {
	if in.RunID == "" {
		return model.RiskAlert{}, httpx.BadRequest("invalid_request", "runId is required")
	}
	abs, err := money.Parse(in.AbsMismatchGram)
	if err != nil {
		return model.RiskAlert{}, httpx.BadRequest("invalid_amount", "absMismatchGram: %v", err)
	}
	threshold, err := money.Parse(in.ThresholdGram)
	if err != nil || threshold == 0 {
		return model.RiskAlert{}, httpx.BadRequest("invalid_amount", "thresholdGram must be a positive amount")
	}
	score := int(math.Round(float64(abs) / float64(threshold) * 100))
	score = clampScore(score)

	msg := in.Reason
	if msg == "" {
		msg = fmt.Sprintf("custody mismatch of %sg against threshold %sg", abs.Format(), threshold.Format())
	}
	alert := model.RiskAlert{
		AlertID:    "ALERT-RECON-" + in.RunID,
		TargetType: model.TargetReconciliation,
		TargetID:   in.RunID,
		Score:      score,
		Level:      model.RiskLevel(score),
		Reasons: []model.RiskReason{{
			Code: "CUSTODY_MISMATCH", ScoreImpact: score, Message: msg,
			Evidence: map[string]any{"absMismatchGram": abs.Format(), "thresholdGram": threshold.Format()},
		}},
		CreatedAt: model.FormatISO(s.now().UTC()),
	}
	if err := s.store.AppendAlert(alert); err != nil {
		return model.RiskAlert{}, err
	}
	s.postWebhook(alert)
	return alert, nil
}

// CertificateProfile returns the stored profile or a 404.
func (s *Service) CertificateProfile(certID string) (model.RiskProfile, error) {
	p, ok, err := s.store.GetProfile(kindCertificate, certID)
	if err != nil {
		return model.RiskProfile{}, err
	}
	if !ok {
		return model.RiskProfile{}, httpx.NotFound("profile_not_found", "no risk profile for certificate %s", certID)
	}
	return p, nil
}

// ListingProfile returns the stored profile or a 404.
func (s *Service) ListingProfile(listingID string) (model.RiskProfile, error) {
	p, ok, err := s.store.GetProfile(kindListing, listingID)
	if err != nil {
		return model.RiskProfile{}, err
	}
	if !ok {
		return model.RiskProfile{}, httpx.NotFound("profile_not_found", "no risk profile for listing %s", listingID)
	}
	return p, nil
}

// Summary returns the top-N profiles by score for both target kinds.
func (s *Service) Summary(limit int) (map[string][]model.RiskProfile, error) {
	certs, err := s.store.TopProfiles(kindCertificate, limit)
	if err != nil {
		return nil, err
	}
	listings, err := s.store.TopProfiles(kindListing, limit)
	if err != nil {
		return nil, err
	}
	return map[string][]model.RiskProfile{"certificates": certs, "listings": listings}, nil
}

// Alerts returns the newest alerts.
func (s *Service) Alerts(limit int) ([]model.RiskAlert, error) {
	return s.store.Alerts(limit)
}

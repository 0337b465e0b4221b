package risk

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "risk.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log := logrus.New().WithField("service", "test")
	s := NewService(store, 0, "", httpx.NewClient(""), log)
	s.now = func() time.Time { return testNow }
	return s
}

func transfer(certID, from, to string, ago time.Duration) model.LedgerEvent {
	return model.LedgerEvent{
		Type:       model.EventTransfer,
		CertID:     certID,
		OccurredAt: model.FormatISO(testNow.Add(-ago)),
		From:       from,
		To:         to,
		AmountGram: "1.0000",
	}
}

func mustIngest(t *testing.T, s *Service, ev model.LedgerEvent) {
	t.Helper()
	if err := s.IngestLedgerEvent(ev); err != nil {
		t.Fatalf("IngestLedgerEvent(%s): %v", ev.Type, err)
	}
}

func hasReason(p model.RiskProfile, code string) bool {
	for _, r := range p.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}

func TestWashLoopScoring(t *testing.T) {
	s := newTestService(t)
	mustIngest(t, s, transfer("DGC-X", "0xA", "0xB", 50*time.Minute))
	mustIngest(t, s, transfer("DGC-X", "0xB", "0xA", 30*time.Minute))
	mustIngest(t, s, transfer("DGC-X", "0xA", "0xC", 10*time.Minute))

	p, err := s.CertificateProfile("DGC-X")
	if err != nil {
		t.Fatalf("CertificateProfile: %v", err)
	}
	if p.Score < 50 {
		t.Fatalf("score %d, want >= 50", p.Score)
	}
	if !hasReason(p, CodeTransferVelocityElevated) {
		t.Fatalf("missing %s in %+v", CodeTransferVelocityElevated, p.Reasons)
	}
	if !hasReason(p, CodeWashLoopPattern) {
		t.Fatalf("missing %s in %+v", CodeWashLoopPattern, p.Reasons)
	}
	if p.Level != model.RiskMedium {
		t.Fatalf("level %s, want MEDIUM for score %d", p.Level, p.Score)
	}
}

func TestVelocityCriticalAtFiveTransfers(t *testing.T) {
	s := newTestService(t)
	parties := []string{"0xB", "0xC", "0xD", "0xE", "0xF"}
	for i, to := range parties {
		mustIngest(t, s, transfer("DGC-V", "0xA", to, time.Duration(i+1)*time.Minute))
	}
	p, err := s.CertificateProfile("DGC-V")
	if err != nil {
		t.Fatalf("CertificateProfile: %v", err)
	}
	if !hasReason(p, CodeTransferVelocityCritical) {
		t.Fatalf("missing %s in %+v", CodeTransferVelocityCritical, p.Reasons)
	}
	if hasReason(p, CodeTransferVelocityElevated) {
		t.Fatalf("critical and elevated must not stack: %+v", p.Reasons)
	}
}

func TestOldTransfersDoNotCountTowardVelocity(t *testing.T) {
	s := newTestService(t)
	mustIngest(t, s, transfer("DGC-O", "0xA", "0xB", 30*time.Hour))
	mustIngest(t, s, transfer("DGC-O", "0xB", "0xC", 26*time.Hour))
	mustIngest(t, s, transfer("DGC-O", "0xC", "0xD", 1*time.Hour))

	p, err := s.CertificateProfile("DGC-O")
	if err != nil {
		t.Fatalf("CertificateProfile: %v", err)
	}
	if hasReason(p, CodeTransferVelocityElevated) || hasReason(p, CodeTransferVelocityCritical) {
		t.Fatalf("stale transfers counted toward 24h velocity: %+v", p.Reasons)
	}
}

func TestAlertEdgeTriggered(t *testing.T) {
	s := newTestService(t)

	// Four transfers with a wash loop score 55, still below the threshold.
	mustIngest(t, s, transfer("DGC-E", "0xA", "0xB", 50*time.Minute))
	mustIngest(t, s, transfer("DGC-E", "0xB", "0xA", 40*time.Minute))
	mustIngest(t, s, transfer("DGC-E", "0xA", "0xC", 30*time.Minute))
	mustIngest(t, s, transfer("DGC-E", "0xC", "0xD", 20*time.Minute))
	alerts, err := s.Alerts(10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Fatalf("premature alert: %+v", alerts)
	}

	// The fifth tips velocity into critical and the score past 60.
	mustIngest(t, s, transfer("DGC-E", "0xD", "0xE", 10*time.Minute))
	alerts, err = s.Alerts(10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("want exactly one alert, got %d", len(alerts))
	}
	if alerts[0].TargetType != model.TargetCertificate || alerts[0].TargetID != "DGC-E" {
		t.Fatalf("alert target: %+v", alerts[0])
	}

	// Staying above the threshold must not re-fire.
	mustIngest(t, s, transfer("DGC-E", "0xE", "0xF", 5*time.Minute))
	alerts, err = s.Alerts(10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alert re-fired while above threshold: %d", len(alerts))
	}
}

func audit(listingID, typ, actor string, ago time.Duration, details map[string]any) model.ListingAuditEvent {
	return model.ListingAuditEvent{
		EventID:    "EV-" + listingID + "-" + typ,
		ListingID:  listingID,
		Type:       typ,
		Actor:      actor,
		OccurredAt: model.FormatISO(testNow.Add(-ago)),
		Details:    details,
	}
}

func TestListingLockCancelHeuristics(t *testing.T) {
	s := newTestService(t)
	listing := &model.MarketplaceListing{ListingID: "L-1", CertID: "DGC-L"}

	ingest := func(ev model.ListingAuditEvent) {
		t.Helper()
		if err := s.IngestAuditEvent(AuditIngest{Event: ev, Listing: listing}); err != nil {
			t.Fatalf("IngestAuditEvent(%s): %v", ev.Type, err)
		}
	}
	ingest(audit("L-1", model.AuditCreated, "0xS", 3*time.Hour, nil))
	ingest(audit("L-1", model.AuditLocked, "0xB", 2*time.Hour, nil))
	ingest(audit("L-1", model.AuditCancelled, "0xB", 1*time.Hour, map[string]any{"reason": "buyer_timeout"}))

	p, err := s.ListingProfile("L-1")
	if err != nil {
		t.Fatalf("ListingProfile: %v", err)
	}
	if !hasReason(p, CodeLockCancelPattern) {
		t.Fatalf("missing %s in %+v", CodeLockCancelPattern, p.Reasons)
	}
	if !hasReason(p, CodeBuyerTimeoutSignal) {
		t.Fatalf("missing %s in %+v", CodeBuyerTimeoutSignal, p.Reasons)
	}
	if p.CertID != "DGC-L" {
		t.Fatalf("listing profile certId %q, want DGC-L", p.CertID)
	}
}

func TestActorRepeatCancellationSpansListings(t *testing.T) {
	s := newTestService(t)
	for i, id := range []string{"L-A", "L-B", "L-C"} {
		listing := &model.MarketplaceListing{ListingID: id, CertID: "DGC-M"}
		ev := audit(id, model.AuditCancelled, "0xBAD", time.Duration(i+1)*time.Hour, nil)
		if err := s.IngestAuditEvent(AuditIngest{Event: ev, Listing: listing}); err != nil {
			t.Fatalf("IngestAuditEvent: %v", err)
		}
	}
	p, err := s.ListingProfile("L-C")
	if err != nil {
		t.Fatalf("ListingProfile: %v", err)
	}
	if !hasReason(p, CodeActorRepeatCancellation) {
		t.Fatalf("missing %s in %+v", CodeActorRepeatCancellation, p.Reasons)
	}

	// Three cancellations on one certificate also pressure its profile.
	cp, err := s.CertificateProfile("DGC-M")
	if err != nil {
		t.Fatalf("CertificateProfile: %v", err)
	}
	if !hasReason(cp, CodeCancelPressureElevated) {
		t.Fatalf("missing %s in %+v", CodeCancelPressureElevated, cp.Reasons)
	}
}

func TestProfileNotFound(t *testing.T) {
	s := newTestService(t)
	_, err := s.CertificateProfile("DGC-missing")
	if he := httpx.AsError(err); he.Status != http.StatusNotFound || he.Code != "profile_not_found" {
		t.Fatalf("got %+v", he)
	}
	_, err = s.ListingProfile("L-missing")
	if he := httpx.AsError(err); he.Status != http.StatusNotFound {
		t.Fatalf("got %+v", he)
	}
}

func TestReconciliationAlertScoring(t *testing.T) {
	s := newTestService(t)

	alert, err := s.IngestReconciliationAlert(ReconAlertIngest{
		RunID:           "RUN-1",
		AbsMismatchGram: "2.5000",
		ThresholdGram:   "5.0000",
	})
	if err != nil {
		t.Fatalf("IngestReconciliationAlert: %v", err)
	}
	if alert.AlertID != "ALERT-RECON-RUN-1" {
		t.Fatalf("alertId %q", alert.AlertID)
	}
	if alert.Score != 50 {
		t.Fatalf("score %d, want 50", alert.Score)
	}
	if alert.TargetType != model.TargetReconciliation {
		t.Fatalf("targetType %q", alert.TargetType)
	}

	// Mismatch past the threshold clamps at 100.
	alert, err = s.IngestReconciliationAlert(ReconAlertIngest{
		RunID:           "RUN-2",
		AbsMismatchGram: "50.0000",
		ThresholdGram:   "5.0000",
	})
	if err != nil {
		t.Fatalf("IngestReconciliationAlert: %v", err)
	}
	if alert.Score != 100 || alert.Level != model.RiskHigh {
		t.Fatalf("score %d level %s, want 100 HIGH", alert.Score, alert.Level)
	}

	// Replays of the same run keep a single alert row.
	if _, err := s.IngestReconciliationAlert(ReconAlertIngest{
		RunID: "RUN-1", AbsMismatchGram: "2.5000", ThresholdGram: "5.0000",
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	alerts, err := s.Alerts(10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("want 2 alerts after replay, got %d", len(alerts))
	}

	if _, err := s.IngestReconciliationAlert(ReconAlertIngest{
		RunID: "RUN-3", AbsMismatchGram: "1.0000", ThresholdGram: "0",
	}); err == nil {
		t.Fatalf("zero threshold should be rejected")
	}
}

func TestSummaryOrdersByScore(t *testing.T) {
	s := newTestService(t)
	// DGC-HI trips velocity plus a wash loop, DGC-LO only a single transfer.
	mustIngest(t, s, transfer("DGC-HI", "0xA", "0xB", 40*time.Minute))
	mustIngest(t, s, transfer("DGC-HI", "0xB", "0xA", 20*time.Minute))
	mustIngest(t, s, transfer("DGC-HI", "0xA", "0xC", 10*time.Minute))
	mustIngest(t, s, transfer("DGC-LO", "0xA", "0xB", 10*time.Minute))

	sum, err := s.Summary(10)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	certs := sum["certificates"]
	if len(certs) != 2 {
		t.Fatalf("want 2 certificate profiles, got %d", len(certs))
	}
	if certs[0].Target != "DGC-HI" || certs[0].Score <= certs[1].Score {
		t.Fatalf("summary not score-descending: %+v", certs)
	}
}

func TestIngestRejectsUnknownVariants(t *testing.T) {
	s := newTestService(t)
	err := s.IngestLedgerEvent(model.LedgerEvent{
		Type: "MELTED", CertID: "DGC-1", OccurredAt: model.FormatISO(testNow),
	})
	if he := httpx.AsError(err); he.Status != http.StatusBadRequest {
		t.Fatalf("got %+v", he)
	}
	err = s.IngestAuditEvent(AuditIngest{Event: model.ListingAuditEvent{
		ListingID: "L-1", Type: "NUKED", OccurredAt: model.FormatISO(testNow),
	}})
	if he := httpx.AsError(err); he.Status != http.StatusBadRequest {
		t.Fatalf("got %+v", he)
	}
}

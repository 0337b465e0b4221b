package ledger

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/chainsink"
	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
)

type fakeSink struct {
	fail    bool
	submits int
}

func (f *fakeSink) Submit(_ context.Context, _ model.LedgerEvent) (string, error) {
	f.submits++
	if f.fail {
		return "", fmt.Errorf("rpc down")
	}
	return "0xtx", nil
}

func (f *fakeSink) Status(_ context.Context) chainsink.Status {
	return chainsink.Status{Configured: true}
}

func newTestService(t *testing.T, sink chainsink.Writer) *Service {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log := logrus.New().WithField("service", "test")
	return NewService(store, sink, "", httpx.NewClient(""), log)
}

func issuedEvent(certID string) model.LedgerEvent {
	return model.LedgerEvent{
		Type:       model.EventIssued,
		CertID:     certID,
		OccurredAt: "2026-01-01T00:00:00.000Z",
		Owner:      "0xA",
		AmountGram: "1.2500",
	}
}

func TestAnchorStoresLatestProof(t *testing.T) {
	s := newTestService(t, nil)

	p1, err := s.Anchor("DGC-1", "hash-a", "2026-01-01T00:00:00.000Z")
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	if p1.ProofHash == "" || len(p1.ProofHash) != 64 {
		t.Fatalf("proof hash %q", p1.ProofHash)
	}
	p2, err := s.Anchor("DGC-1", "hash-b", "2026-01-01T00:00:01.000Z")
	if err != nil {
		t.Fatalf("Anchor: %v", err)
	}
	got, ok, err := s.store.GetProof("DGC-1")
	if err != nil || !ok {
		t.Fatalf("GetProof: %v %v", ok, err)
	}
	if got.PayloadHash != "hash-b" || got.ProofHash != p2.ProofHash {
		t.Fatalf("latest proof not overwritten: %+v", got)
	}
}

func TestRecordAppendsTimelineInOrder(t *testing.T) {
	s := newTestService(t, nil)

	if _, err := s.Record(context.Background(), issuedEvent("DGC-1")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	transfer := model.LedgerEvent{
		Type: model.EventTransfer, CertID: "DGC-1",
		OccurredAt: "2026-01-01T00:01:00.000Z",
		From:       "0xA", To: "0xB", AmountGram: "1.2500",
	}
	if _, err := s.Record(context.Background(), transfer); err != nil {
		t.Fatalf("Record transfer: %v", err)
	}
	tl, err := s.store.Timeline("DGC-1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(tl) != 2 || tl[0].Type != model.EventIssued || tl[1].Type != model.EventTransfer {
		t.Fatalf("timeline order wrong: %+v", tl)
	}
}

func TestRecordSplitAppearsInBothTimelines(t *testing.T) {
	s := newTestService(t, nil)
	split := model.LedgerEvent{
		Type: model.EventSplit, CertID: "DGC-P",
		OccurredAt:   "2026-01-01T00:00:00.000Z",
		ParentCertID: "DGC-P", ChildCertID: "DGC-C",
		From: "0xA", To: "0xB", AmountChildGram: "0.5000",
	}
	res, err := s.Record(context.Background(), split)
	if err != nil {
		t.Fatalf("Record split: %v", err)
	}
	for _, id := range []string{"DGC-P", "DGC-C"} {
		tl, err := s.store.Timeline(id)
		if err != nil || len(tl) != 1 {
			t.Fatalf("timeline %s: %v %v", id, tl, err)
		}
		if tl[0].ChildCertID != "DGC-C" {
			t.Fatalf("timeline %s missing split record", id)
		}
	}
	if res.EventHash == "" {
		t.Fatalf("missing eventHash")
	}
}

func TestRecordRejectsUnknownVariant(t *testing.T) {
	s := newTestService(t, nil)
	_, err := s.Record(context.Background(), model.LedgerEvent{Type: "MERGED", CertID: "x", OccurredAt: "t"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if he := httpx.AsError(err); he.Status != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", he.Status)
	}
}

func TestChainWriteIsAuthoritative(t *testing.T) {
	sink := &fakeSink{fail: true}
	s := newTestService(t, sink)

	_, err := s.Record(context.Background(), issuedEvent("DGC-1"))
	if err == nil {
		t.Fatalf("expected chain_write_failed")
	}
	he := httpx.AsError(err)
	if he.Status != http.StatusBadGateway || he.Code != "chain_write_failed" {
		t.Fatalf("got %d %s", he.Status, he.Code)
	}
	// Nothing persisted locally when the chain write fails.
	tl, err := s.store.Timeline("DGC-1")
	if err != nil || len(tl) != 0 {
		t.Fatalf("timeline should be empty after failed chain write: %v %v", tl, err)
	}

	sink.fail = false
	res, err := s.Record(context.Background(), issuedEvent("DGC-1"))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.LedgerTxRef != "0xtx" {
		t.Fatalf("ledgerTxRef %q", res.LedgerTxRef)
	}
}

func TestChainStatusUnconfigured(t *testing.T) {
	s := newTestService(t, nil)
	if st := s.ChainStatus(context.Background()); st.Configured {
		t.Fatalf("nil sink must report unconfigured")
	}
}

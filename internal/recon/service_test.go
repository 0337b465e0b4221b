package recon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/money"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "recon.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	log := logrus.New().WithField("service", "test")
	return NewService(store, cfg, httpx.NewClient(""), log)
}

func certListServer(t *testing.T, certs ...model.SignedCertificate) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"certificates": certs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func cert(id, amount, status string) model.SignedCertificate {
	return model.SignedCertificate{Payload: model.CertificatePayload{
		CertID: id, AmountGram: amount, Status: status,
	}}
}

func mustGrams(t *testing.T, s string) money.Grams {
	t.Helper()
	g, err := money.Parse(s)
	if err != nil {
		t.Fatalf("Parse(%s): %v", s, err)
	}
	return g
}

func TestRunMismatchTriggersFreeze(t *testing.T) {
	certs := certListServer(t,
		cert("DGC-1", "1.5000", model.StatusActive),
		cert("DGC-2", "0.5000", model.StatusLocked),
		cert("DGC-3", "4.0000", model.StatusRedeemed),
	)
	alerted := make(chan map[string]string, 1)
	risk := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		alerted <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer risk.Close()

	s := newTestService(t, Config{
		CertificateServiceURL: certs.URL,
		RiskStreamURL:         risk.URL,
		CustodyTotalGram:      mustGrams(t, "1.0000"),
		ThresholdGram:         mustGrams(t, "0.5000"),
	})

	res, err := s.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	run := res.Run
	if run.OutstandingTotalGram != "2.0000" {
		t.Fatalf("outstanding %s, want 2.0000", run.OutstandingTotalGram)
	}
	if run.MismatchGram != "1.0000" || run.AbsMismatchGram != "1.0000" {
		t.Fatalf("mismatch %s abs %s, want 1.0000", run.MismatchGram, run.AbsMismatchGram)
	}
	if !run.FreezeTriggered {
		t.Fatalf("freeze not triggered")
	}
	if run.CertificatesEvaluated != 3 || run.ActiveCertificates != 1 || run.LockedCertificates != 1 {
		t.Fatalf("counts: %+v", run)
	}
	if !res.FreezeState.Active || res.FreezeState.LastRunID != run.RunID {
		t.Fatalf("freeze state: %+v", res.FreezeState)
	}
	if res.FreezeState.Reason != "Mismatch 1.0000g exceeded threshold 0.5000g" {
		t.Fatalf("reason %q", res.FreezeState.Reason)
	}

	// The reconciliation alert fan-out reaches the risk engine.
	select {
	case body := <-alerted:
		if body["runId"] != run.RunID || body["absMismatchGram"] != "1.0000" {
			t.Fatalf("alert body: %+v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("risk engine never received the reconciliation alert")
	}
}

func TestRunWithinThresholdClearsFreeze(t *testing.T) {
	certs := certListServer(t, cert("DGC-1", "1.0000", model.StatusActive))
	s := newTestService(t, Config{
		CertificateServiceURL: certs.URL,
		CustodyTotalGram:      mustGrams(t, "1.2000"),
		ThresholdGram:         mustGrams(t, "0.5000"),
	})

	res, err := s.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.FreezeTriggered || res.FreezeState.Active {
		t.Fatalf("freeze should stay inactive: %+v", res)
	}
	// Outstanding below custody carries a signed mismatch.
	if res.Run.MismatchGram != "-0.2000" || res.Run.AbsMismatchGram != "0.2000" {
		t.Fatalf("mismatch %s abs %s", res.Run.MismatchGram, res.Run.AbsMismatchGram)
	}

	// Identical inputs reproduce the same mismatch and decision.
	res2, err := s.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run again: %v", err)
	}
	if res2.Run.MismatchGram != res.Run.MismatchGram || res2.Run.FreezeTriggered != res.Run.FreezeTriggered {
		t.Fatalf("re-run diverged: %+v vs %+v", res2.Run, res.Run)
	}
}

func TestRunInventoryOverride(t *testing.T) {
	certs := certListServer(t, cert("DGC-1", "2.0000", model.StatusActive))
	s := newTestService(t, Config{
		CertificateServiceURL: certs.URL,
		CustodyTotalGram:      mustGrams(t, "2.0000"),
		ThresholdGram:         mustGrams(t, "0.5000"),
	})

	res, err := s.Run(context.Background(), RunRequest{InventoryTotalGram: "1.0000"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.CustodyTotalGram != "1.0000" || !res.Run.FreezeTriggered {
		t.Fatalf("override ignored: %+v", res.Run)
	}
	if _, err := s.Run(context.Background(), RunRequest{InventoryTotalGram: "1.23456"}); err == nil {
		t.Fatalf("malformed inventory should 400")
	}
}

func TestRunCertificateServiceDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	s := newTestService(t, Config{
		CertificateServiceURL: down.URL,
		ThresholdGram:         mustGrams(t, "0.5000"),
	})
	_, err := s.Run(context.Background(), RunRequest{})
	if he := httpx.AsError(err); he.Status != http.StatusBadGateway || he.Code != "certificate_service_unavailable" {
		t.Fatalf("got %+v", he)
	}

	s = newTestService(t, Config{ThresholdGram: mustGrams(t, "0.5000")})
	_, err = s.Run(context.Background(), RunRequest{})
	if he := httpx.AsError(err); he.Status != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured: %+v", he)
	}
}

func TestLatestBeforeFirstRun(t *testing.T) {
	s := newTestService(t, Config{})
	res, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if res.Run != nil || res.FreezeState.Active {
		t.Fatalf("pristine state: %+v", res)
	}
}

func TestUnfreezeFlow(t *testing.T) {
	certs := certListServer(t, cert("DGC-1", "5.0000", model.StatusActive))
	s := newTestService(t, Config{
		CertificateServiceURL: certs.URL,
		CustodyTotalGram:      mustGrams(t, "1.0000"),
		ThresholdGram:         mustGrams(t, "0.5000"),
	})

	// Unfreeze while inactive is a conflict.
	_, err := s.Unfreeze(UnfreezeRequest{Actor: "ops1", Reason: "drill"})
	if he := httpx.AsError(err); he.Status != http.StatusConflict {
		t.Fatalf("unfreeze while inactive: %+v", he)
	}

	runRes, err := s.Run(context.Background(), RunRequest{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !runRes.FreezeState.Active {
		t.Fatalf("precondition: freeze should be active")
	}

	res, err := s.Unfreeze(UnfreezeRequest{Actor: "ops1", Reason: "custody recount verified"})
	if err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if res.FreezeState.Active {
		t.Fatalf("still frozen: %+v", res.FreezeState)
	}
	if res.FreezeState.Reason != "Manual unfreeze by ops1: custody recount verified" {
		t.Fatalf("reason %q", res.FreezeState.Reason)
	}
	ov := res.Override
	if ov.Action != "UNFREEZE" || !ov.PreviousActive || ov.NextActive || ov.RunID != runRes.Run.RunID {
		t.Fatalf("override: %+v", ov)
	}

	overrides, err := s.Overrides(10)
	if err != nil || len(overrides) != 1 || overrides[0].OverrideID != ov.OverrideID {
		t.Fatalf("Overrides: %v %v", overrides, err)
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.FreezeState.Active || latest.Run == nil || latest.Run.RunID != runRes.Run.RunID {
		t.Fatalf("latest after unfreeze: %+v", latest)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	certs := certListServer(t, cert("DGC-1", "1.0000", model.StatusActive))
	s := newTestService(t, Config{
		CertificateServiceURL: certs.URL,
		CustodyTotalGram:      mustGrams(t, "1.0000"),
		ThresholdGram:         mustGrams(t, "0.5000"),
	})
	var ids []string
	for i := 0; i < 3; i++ {
		res, err := s.Run(context.Background(), RunRequest{})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		ids = append(ids, res.Run.RunID)
		time.Sleep(2 * time.Millisecond)
	}
	runs, err := s.History(2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len %d, want 2", len(runs))
	}
	if runs[0].RunID != ids[2] || runs[1].RunID != ids[1] {
		t.Fatalf("order: got %s,%s want %s,%s", runs[0].RunID, runs[1].RunID, ids[2], ids[1])
	}
}

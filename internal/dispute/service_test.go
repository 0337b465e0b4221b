package dispute

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/trust"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "disputes.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewService(store, logrus.New().WithField("service", "test"))
}

func mustOpen(t *testing.T, s *Service) model.DisputeRecord {
	t.Helper()
	d, err := s.Open(OpenRequest{
		ListingID: "L-1", CertID: "DGC-1", OpenedBy: "0xB", Reason: "item not as described",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestLifecycle(t *testing.T) {
	s := newTestService(t)
	d := mustOpen(t, s)
	if d.Status != model.DisputeOpen || d.DisputeID == "" || d.OpenedAt == "" {
		t.Fatalf("opened dispute: %+v", d)
	}

	d, err := s.Assign(d.DisputeID, AssignRequest{AssignedBy: "ops1", Assignee: "agent7"})
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if d.Status != model.DisputeAssigned || d.AssignedTo != "agent7" || d.AssignedAt == "" {
		t.Fatalf("assigned dispute: %+v", d)
	}

	d, err = s.Resolve(d.DisputeID, ResolveRequest{
		ResolvedBy: "ops1", Resolution: model.ResolutionRefundBuyer, ResolutionNotes: "seller no-show",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if d.Status != model.DisputeResolved || d.Resolution != model.ResolutionRefundBuyer {
		t.Fatalf("resolved dispute: %+v", d)
	}

	// Resolved disputes are immutable.
	_, err = s.Assign(d.DisputeID, AssignRequest{AssignedBy: "ops1", Assignee: "agent8"})
	if he := httpx.AsError(err); he.Status != http.StatusConflict || he.Code != "state_conflict" {
		t.Fatalf("assign after resolve: %+v", he)
	}
	_, err = s.Resolve(d.DisputeID, ResolveRequest{ResolvedBy: "ops1", Resolution: model.ResolutionManualReview})
	if he := httpx.AsError(err); he.Status != http.StatusConflict {
		t.Fatalf("resolve after resolve: %+v", he)
	}
}

func TestResolveDirectlyFromOpen(t *testing.T) {
	s := newTestService(t)
	d := mustOpen(t, s)
	d, err := s.Resolve(d.DisputeID, ResolveRequest{ResolvedBy: "ops1", Resolution: model.ResolutionReleaseSeller})
	if err != nil {
		t.Fatalf("Resolve from OPEN: %v", err)
	}
	if d.Status != model.DisputeResolved {
		t.Fatalf("status %s", d.Status)
	}
}

func TestValidation(t *testing.T) {
	s := newTestService(t)
	if _, err := s.Open(OpenRequest{CertID: "DGC-1", OpenedBy: "0xB", Reason: "r"}); err == nil {
		t.Fatalf("missing listingId should be rejected")
	}
	if _, err := s.Open(OpenRequest{ListingID: "L-1", OpenedBy: "0xB"}); err == nil {
		t.Fatalf("missing reason should be rejected")
	}
	d := mustOpen(t, s)
	_, err := s.Resolve(d.DisputeID, ResolveRequest{ResolvedBy: "ops1", Resolution: "SPLIT_THE_BABY"})
	if he := httpx.AsError(err); he.Status != http.StatusBadRequest {
		t.Fatalf("unknown resolution: %+v", he)
	}
	_, err = s.Get("DSP-missing")
	if he := httpx.AsError(err); he.Status != http.StatusNotFound || he.Code != "dispute_not_found" {
		t.Fatalf("get missing: %+v", he)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	s := newTestService(t)
	a := mustOpen(t, s)
	b := mustOpen(t, s)
	if _, err := s.Assign(b.DisputeID, AssignRequest{AssignedBy: "ops1", Assignee: "agent7"}); err != nil {
		t.Fatalf("Assign: %v", err)
	}

	open, err := s.List(model.DisputeOpen)
	if err != nil {
		t.Fatalf("List(OPEN): %v", err)
	}
	if len(open) != 1 || open[0].DisputeID != a.DisputeID {
		t.Fatalf("List(OPEN): %+v", open)
	}
	all, err := s.List("")
	if err != nil || len(all) != 2 {
		t.Fatalf("List(all): %v %v", all, err)
	}
	if _, err := s.List("BOGUS"); err == nil {
		t.Fatalf("unknown status filter should 400")
	}
}

func TestGovernanceGateOnAdjudication(t *testing.T) {
	s := newTestService(t)
	d := mustOpen(t, s)

	assignGate := trust.NewGate("", trust.DefaultDisputeAssignRoles)
	resolveGate := trust.NewGate("", trust.DefaultDisputeResolveRoles)
	router := s.Router(s.log, nil, "", assignGate, resolveGate)
	srv := httptest.NewServer(router)
	defer srv.Close()

	post := func(path string, body any, hdr map[string]string) *http.Response {
		t.Helper()
		raw, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	assignBody := AssignRequest{AssignedBy: "ops1", Assignee: "agent7"}
	assignPath := "/disputes/" + d.DisputeID + "/assign"

	// No role header.
	if resp := post(assignPath, assignBody, nil); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no role: %d", resp.StatusCode)
	}
	// Role outside the allow-set.
	if resp := post(assignPath, assignBody, map[string]string{trust.RoleHeader: "viewer"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad role: %d", resp.StatusCode)
	}
	// Actor header that contradicts the body.
	hdr := map[string]string{trust.RoleHeader: "ops_agent", trust.ActorHeader: "someone_else"}
	if resp := post(assignPath, assignBody, hdr); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("actor mismatch: %d", resp.StatusCode)
	}
	// Role case and padding are normalized away.
	hdr = map[string]string{trust.RoleHeader: "  OPS_Agent ", trust.ActorHeader: "ops1"}
	if resp := post(assignPath, assignBody, hdr); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid assign: %d", resp.StatusCode)
	}

	// ops_agent may assign but not resolve.
	resolveBody := ResolveRequest{ResolvedBy: "ops1", Resolution: model.ResolutionManualReview}
	resolvePath := "/disputes/" + d.DisputeID + "/resolve"
	if resp := post(resolvePath, resolveBody, map[string]string{trust.RoleHeader: "ops_agent"}); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("ops_agent resolve: %d", resp.StatusCode)
	}
	if resp := post(resolvePath, resolveBody, map[string]string{trust.RoleHeader: "ops_lead"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("ops_lead resolve: %d", resp.StatusCode)
	}
}

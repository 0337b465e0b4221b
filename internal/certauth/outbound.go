package certauth

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
)

// Classified outcomes of the best-effort hops to the ledger adapter. They
// never fail the primary path; the caller reports them alongside the result.
const (
	OutcomeAnchored = "ANCHORED"
	OutcomeRecorded = "RECORDED"
	OutcomeSkipped  = "SKIPPED"
	OutcomeFailed   = "FAILED"
)

// Outbound talks to the ledger adapter with bounded deadlines.
type Outbound struct {
	baseURL string
	client  *httpx.Client
	log     *logrus.Entry
}

func NewOutbound(baseURL string, client *httpx.Client, log *logrus.Entry) *Outbound {
	return &Outbound{baseURL: baseURL, client: client, log: log}
}

func (o *Outbound) configured() bool { return o != nil && o.baseURL != "" }

// Anchor asks the adapter to anchor a proof for one payload hash.
func (o *Outbound) Anchor(ctx context.Context, certID, payloadHash, occurredAt string) (string, *model.ProofAnchor) {
	if !o.configured() {
		return OutcomeSkipped, nil
	}
	body := map[string]string{"certId": certID, "payloadHash": payloadHash, "occurredAt": occurredAt}
	status, resp, err := o.client.PostJSON(ctx, o.baseURL+"/proofs/anchor", body, httpx.PrimaryTimeout)
	if err != nil || !httpx.Is2xx(status) {
		o.log.WithFields(logrus.Fields{"certId": certID, "status": status}).Warn("proof anchor failed")
		return OutcomeFailed, nil
	}
	var p model.ProofAnchor
	if json.Unmarshal(resp, &p) != nil {
		return OutcomeFailed, nil
	}
	return OutcomeAnchored, &p
}

// Record asks the adapter to append one lineage event.
func (o *Outbound) Record(ctx context.Context, ev model.LedgerEvent) string {
	if !o.configured() {
		return OutcomeSkipped
	}
	status, _, err := o.client.PostJSON(ctx, o.baseURL+"/events/record", ev, httpx.PrimaryTimeout)
	if err != nil || !httpx.Is2xx(status) {
		o.log.WithFields(logrus.Fields{"certId": ev.CertID, "type": ev.Type, "status": status}).Warn("event record failed")
		return OutcomeFailed
	}
	return OutcomeRecorded
}

// CombineAnchorOutcomes folds the per-certificate outcomes of a split:
// FAILED if any failed, else ANCHORED if any anchored, else SKIPPED.
func CombineAnchorOutcomes(outcomes ...string) string {
	anyAnchored := false
	for _, oc := range outcomes {
		switch oc {
		case OutcomeFailed:
			return OutcomeFailed
		case OutcomeAnchored:
			anyAnchored = true
		}
	}
	if anyAnchored {
		return OutcomeAnchored
	}
	return OutcomeSkipped
}

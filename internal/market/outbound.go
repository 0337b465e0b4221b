package market

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
)

// Outbound holds the marketplace's collaborator clients: the certificate
// authority (primary path), the reconciliation freeze guard, the dispute
// orchestrator, and the best-effort risk fan-out.
type Outbound struct {
	certURL    string
	reconURL   string
	disputeURL string
	riskURL    string
	client     *httpx.Client
	log        *logrus.Entry
}

func NewOutbound(certURL, reconURL, disputeURL, riskURL string, client *httpx.Client, log *logrus.Entry) *Outbound {
	return &Outbound{
		certURL:    strings.TrimRight(certURL, "/"),
		reconURL:   strings.TrimRight(reconURL, "/"),
		disputeURL: strings.TrimRight(disputeURL, "/"),
		riskURL:    strings.TrimRight(riskURL, "/"),
		client:     client,
		log:        log,
	}
}

// downstreamError lifts a collaborator's error body into ours, echoing its
// HTTP status. Only 404 and 409 keep their status; everything else becomes
// a 502.
func downstreamError(code string, status int, body []byte) *httpx.Error {
	var remote struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &remote)
	mapped := http.StatusBadGateway
	if status == http.StatusNotFound || status == http.StatusConflict {
		mapped = status
		if remote.Error != "" {
			code = remote.Error
		}
	}
	he := httpx.Errf(mapped, code, "%s", remote.Message)
	he.DownstreamStatus = status
	return he
}

// GetCertificate fetches one certificate from the authority.
func (o *Outbound) GetCertificate(ctx context.Context, certID string) (model.SignedCertificate, error) {
	if o.certURL == "" {
		return model.SignedCertificate{}, httpx.Errf(http.StatusServiceUnavailable,
			"certificate_service_not_configured", "no certificate service configured")
	}
	status, body, err := o.client.GetJSON(ctx, o.certURL+"/certificates/"+certID, httpx.PrimaryTimeout)
	if err != nil {
		return model.SignedCertificate{}, httpx.Errf(http.StatusBadGateway,
			"certificate_service_unreachable", "certificate service unreachable: %v", err)
	}
	if !httpx.Is2xx(status) {
		return model.SignedCertificate{}, downstreamError("certificate_service_error", status, body)
	}
	var cert model.SignedCertificate
	if err := json.Unmarshal(body, &cert); err != nil {
		return model.SignedCertificate{}, httpx.Errf(http.StatusBadGateway,
			"certificate_service_invalid_response", "decode certificate: %v", err)
	}
	return cert, nil
}

// SetCertificateStatus asks the authority for a status transition. Downstream
// 404/409 keep their status; other failures map to 502.
func (o *Outbound) SetCertificateStatus(ctx context.Context, certID, status string) error {
	if o.certURL == "" {
		return httpx.Errf(http.StatusServiceUnavailable,
			"certificate_service_not_configured", "no certificate service configured")
	}
	body := map[string]string{"certId": certID, "status": status}
	st, resp, err := o.client.PostJSON(ctx, o.certURL+"/certificates/status", body, httpx.PrimaryTimeout)
	if err != nil {
		return httpx.Errf(http.StatusBadGateway,
			"certificate_service_unreachable", "certificate service unreachable: %v", err)
	}
	if !httpx.Is2xx(st) {
		return downstreamError("certificate_service_error", st, resp)
	}
	return nil
}

// TransferCertificate asks the authority to transfer ownership and returns
// the raw mutation result for inclusion in the settle response.
func (o *Outbound) TransferCertificate(ctx context.Context, certID, toOwner, price string) (json.RawMessage, error) {
	if o.certURL == "" {
		return nil, httpx.Errf(http.StatusServiceUnavailable,
			"certificate_service_not_configured", "no certificate service configured")
	}
	body := map[string]string{"certId": certID, "toOwner": toOwner}
	if price != "" {
		body["price"] = price
	}
	st, resp, err := o.client.PostJSON(ctx, o.certURL+"/certificates/transfer", body, httpx.PrimaryTimeout)
	if err != nil {
		return nil, httpx.Errf(http.StatusBadGateway,
			"certificate_service_unreachable", "certificate service unreachable: %v", err)
	}
	if !httpx.Is2xx(st) {
		return nil, downstreamError("certificate_service_error", st, resp)
	}
	return json.RawMessage(resp), nil
}

// CheckFreeze consults the reconciliation service's freeze state. When no
// reconciliation service is configured the gate is open.
func (o *Outbound) CheckFreeze(ctx context.Context) error {
	if o.reconURL == "" {
		return nil
	}
	status, body, err := o.client.GetJSON(ctx, o.reconURL+"/reconcile/latest", httpx.PrimaryTimeout)
	if err != nil {
		return httpx.Errf(http.StatusServiceUnavailable,
			"reconciliation_service_unreachable", "reconciliation service unreachable: %v", err)
	}
	if !httpx.Is2xx(status) {
		he := httpx.Errf(http.StatusBadGateway, "reconciliation_service_error",
			"reconciliation service returned %d", status)
		he.DownstreamStatus = status
		return he
	}
	var out struct {
		FreezeState *model.FreezeState `json:"freezeState"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.FreezeState == nil {
		return httpx.Errf(http.StatusBadGateway, "reconciliation_service_invalid_response",
			"freeze state missing from reconciliation response")
	}
	if out.FreezeState.Active {
		he := httpx.Errf(http.StatusLocked, "marketplace_frozen",
			"marketplace writes are frozen: %s", out.FreezeState.Reason)
		he.FreezeState = out.FreezeState
		return he
	}
	return nil
}

// OpenDispute asks the dispute orchestrator to open a dispute.
func (o *Outbound) OpenDispute(ctx context.Context, req map[string]string) (model.DisputeRecord, error) {
	if o.disputeURL == "" {
		return model.DisputeRecord{}, httpx.Errf(http.StatusServiceUnavailable,
			"dispute_service_not_configured", "no dispute service configured")
	}
	status, body, err := o.client.PostJSON(ctx, o.disputeURL+"/disputes/open", req, httpx.PrimaryTimeout)
	if err != nil {
		return model.DisputeRecord{}, httpx.Errf(http.StatusBadGateway,
			"dispute_service_unreachable", "dispute service unreachable: %v", err)
	}
	if !httpx.Is2xx(status) {
		return model.DisputeRecord{}, downstreamError("dispute_service_error", status, body)
	}
	var d model.DisputeRecord
	if err := json.Unmarshal(body, &d); err != nil {
		return model.DisputeRecord{}, httpx.Errf(http.StatusBadGateway,
			"dispute_service_invalid_response", "decode dispute: %v", err)
	}
	return d, nil
}

// FanOutAudit posts an audit event with its listing snapshot to the risk
// engine. Best-effort; failures only log.
func (o *Outbound) FanOutAudit(ev model.ListingAuditEvent, listing model.MarketplaceListing) {
	if o.riskURL == "" {
		return
	}
	payload := map[string]any{"event": ev, "listing": listing}
	go func() {
		status, _, err := o.client.PostJSON(context.Background(), o.riskURL+"/ingest/listing-audit-event", payload, httpx.FanOutTimeout)
		if err != nil || !httpx.Is2xx(status) {
			o.log.WithFields(logrus.Fields{"listingId": ev.ListingID, "type": ev.Type, "status": status}).Debug("audit fan-out failed")
		}
	}()
}

// Package ledger is the ledger adapter: proof anchors, per-certificate
// event timelines, the optional chain sink, and the best-effort echo of
// every recorded event to the risk engine.
package ledger

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/canonical"
	"dgc/backbone/internal/chainsink"
	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
)

type Service struct {
	store   *Store
	sink    chainsink.Writer
	riskURL string
	client  *httpx.Client
	log     *logrus.Entry
}

func NewService(store *Store, sink chainsink.Writer, riskURL string, client *httpx.Client, log *logrus.Entry) *Service {
	return &Service{store: store, sink: sink, riskURL: riskURL, client: client, log: log}
}

// Anchor derives and stores the proof anchor for one payload hash.
func (s *Service) Anchor(certID, payloadHash, occurredAt string) (model.ProofAnchor, error) {
	anchoredAt := model.NowISO()
	proofHash, err := canonical.HashJSON(map[string]any{
		"certId":      certID,
		"payloadHash": payloadHash,
		"occurredAt":  occurredAt,
		"anchoredAt":  anchoredAt,
	})
	if err != nil {
		return model.ProofAnchor{}, err
	}
	p := model.ProofAnchor{
		CertID:      certID,
		PayloadHash: payloadHash,
		ProofHash:   proofHash,
		AnchoredAt:  anchoredAt,
	}
	if err := s.store.PutProof(p); err != nil {
		return model.ProofAnchor{}, err
	}
	return p, nil
}

// RecordResult is the response of a successful event record.
type RecordResult struct {
	Event       model.LedgerEvent `json:"event"`
	EventHash   string            `json:"eventHash"`
	LedgerTxRef string            `json:"ledgerTxRef,omitempty"`
}

// Record validates and persists one lineage event. When a chain sink is
// configured, the chain write is the authoritative side effect: on failure
// nothing is persisted locally and the caller sees 502 chain_write_failed.
func (s *Service) Record(ctx context.Context, ev model.LedgerEvent) (RecordResult, error) {
	if err := ev.Validate(); err != nil {
		return RecordResult{}, httpx.BadRequest("invalid_request", "%v", err)
	}

	var txRef string
	if s.sink != nil {
		ref, err := s.sink.Submit(ctx, ev)
		if err != nil {
			return RecordResult{}, httpx.Errf(http.StatusBadGateway, "chain_write_failed", "%v", err)
		}
		txRef = ref
	}

	eventHash, err := canonical.HashJSON(ev)
	if err != nil {
		return RecordResult{}, err
	}
	ids := []string{ev.CertID}
	if ev.Type == model.EventSplit && ev.ChildCertID != "" && ev.ChildCertID != ev.CertID {
		ids = append(ids, ev.ChildCertID)
	}
	if err := s.store.AppendEvent(ids, eventHash, ev); err != nil {
		return RecordResult{}, err
	}

	s.fanOutToRisk(ev)
	return RecordResult{Event: ev, EventHash: eventHash, LedgerTxRef: txRef}, nil
}

// fanOutToRisk echoes the event to the risk engine. Failures are logged and
// swallowed; a slow or down risk engine must not poison the record path.
func (s *Service) fanOutToRisk(ev model.LedgerEvent) {
	if s.riskURL == "" {
		return
	}
	go func() {
		status, _, err := s.client.PostJSON(context.Background(), s.riskURL+"/ingest/ledger-event", ev, httpx.FanOutTimeout)
		if err != nil || !httpx.Is2xx(status) {
			s.log.WithFields(logrus.Fields{"certId": ev.CertID, "status": status}).Debug("risk fan-out failed")
		}
	}()
}

// ChainStatus reports the sink configuration and reachability.
func (s *Service) ChainStatus(ctx context.Context) chainsink.Status {
	if s.sink == nil {
		return chainsink.Status{Configured: false}
	}
	return s.sink.Status(ctx)
}

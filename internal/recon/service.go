package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/money"
)

type Service struct {
	store *Store

	certURL string
	riskURL string

	custodyDefault money.Grams
	threshold      money.Grams

	client *httpx.Client
	log    *logrus.Entry
}

// Config carries the controller's collaborator URLs and custody defaults.
type Config struct {
	CertificateServiceURL string
	RiskStreamURL         string
	CustodyTotalGram      money.Grams
	ThresholdGram         money.Grams
}

func NewService(store *Store, cfg Config, client *httpx.Client, log *logrus.Entry) *Service {
	return &Service{
		store:          store,
		certURL:        strings.TrimRight(cfg.CertificateServiceURL, "/"),
		riskURL:        strings.TrimRight(cfg.RiskStreamURL, "/"),
		custodyDefault: cfg.CustodyTotalGram,
		threshold:      cfg.ThresholdGram,
		client:         client,
		log:            log,
	}
}

func newRunID() string {
	return "RUN-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// RunRequest optionally overrides the configured custody inventory.
type RunRequest struct {
	InventoryTotalGram string `json:"inventoryTotalGram,omitempty"`
}

// RunResult is the response of POST /reconcile/run.
type RunResult struct {
	Run         model.ReconciliationRun `json:"run"`
	FreezeState model.FreezeState       `json:"freezeState"`
}

// Run pulls the certificate population, compares outstanding claims against
// custody inventory, persists the run and updates the freeze singleton.
func (s *Service) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	custody := s.custodyDefault
	if req.InventoryTotalGram != "" {
		g, err := money.Parse(req.InventoryTotalGram)
		if err != nil {
			return RunResult{}, httpx.BadRequest("invalid_amount", "inventoryTotalGram: %v", err)
		}
		custody = g
	}

	certs, err := s.fetchCertificates(ctx)
	if err != nil {
		return RunResult{}, err
	}

	var outstanding money.Grams
	active, locked := 0, 0
	for _, c := range certs {
		switch c.Payload.Status {
		case model.StatusActive:
			active++
		case model.StatusLocked:
			locked++
		default:
			continue
		}
		g, err := money.Parse(c.Payload.AmountGram)
		if err != nil {
			return RunResult{}, httpx.Errf(http.StatusBadGateway, "certificate_service_invalid_response",
				"certificate %s has malformed amount: %v", c.Payload.CertID, err)
		}
		outstanding, err = outstanding.Add(g)
		if err != nil {
			return RunResult{}, httpx.Errf(http.StatusBadGateway, "certificate_service_invalid_response",
				"outstanding total overflows: %v", err)
		}
	}

	abs := outstanding - custody
	sign := ""
	if abs < 0 {
		abs = -abs
		sign = "-"
	}
	triggered := abs >= s.threshold

	run := model.ReconciliationRun{
		RunID:                 newRunID(),
		CreatedAt:             model.NowISO(),
		CustodyTotalGram:      custody.Format(),
		OutstandingTotalGram:  outstanding.Format(),
		MismatchGram:          sign + abs.Format(),
		AbsMismatchGram:       abs.Format(),
		ThresholdGram:         s.threshold.Format(),
		FreezeTriggered:       triggered,
		CertificatesEvaluated: len(certs),
		ActiveCertificates:    active,
		LockedCertificates:    locked,
	}

	fs := model.FreezeState{
		Active:    triggered,
		UpdatedAt: run.CreatedAt,
		LastRunID: run.RunID,
	}
	if triggered {
		fs.Reason = fmt.Sprintf("Mismatch %sg exceeded threshold %sg", abs.Format(), s.threshold.Format())
	}
	if err := s.store.PutRunAndFreeze(run, fs); err != nil {
		return RunResult{}, err
	}
	s.log.WithFields(logrus.Fields{
		"runId":     run.RunID,
		"mismatch":  run.MismatchGram,
		"triggered": triggered,
	}).Info("reconciliation run complete")

	if triggered {
		s.postRiskAlert(run)
	}
	return RunResult{Run: run, FreezeState: fs}, nil
}

func (s *Service) fetchCertificates(ctx context.Context) ([]model.SignedCertificate, error) {
	if s.certURL == "" {
		return nil, httpx.Errf(http.StatusServiceUnavailable, "certificate_service_not_configured",
			"no certificate service configured")
	}
	status, body, err := s.client.GetJSON(ctx, s.certURL+"/certificates", httpx.PrimaryTimeout)
	if err != nil {
		return nil, httpx.Errf(http.StatusBadGateway, "certificate_service_unavailable",
			"certificate service unreachable: %v", err)
	}
	if !httpx.Is2xx(status) {
		return nil, httpx.Errf(http.StatusBadGateway, "certificate_service_unavailable",
			"certificate service returned %d", status)
	}
	var out struct {
		Certificates []model.SignedCertificate `json:"certificates"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, httpx.Errf(http.StatusBadGateway, "certificate_service_invalid_response",
			"decode certificate list: %v", err)
	}
	return out.Certificates, nil
}

// postRiskAlert is best-effort; failure only logs.
func (s *Service) postRiskAlert(run model.ReconciliationRun) {
	if s.riskURL == "" {
		return
	}
	payload := map[string]string{
		"runId":           run.RunID,
		"absMismatchGram": run.AbsMismatchGram,
		"thresholdGram":   run.ThresholdGram,
	}
	go func() {
		status, _, err := s.client.PostJSON(context.Background(), s.riskURL+"/ingest/reconciliation-alert", payload, httpx.FanOutTimeout)
		if err != nil || !httpx.Is2xx(status) {
			s.log.WithFields(logrus.Fields{"runId": run.RunID, "status": status}).Debug("reconciliation alert fan-out failed")
		}
	}()
}

// LatestResult is the response of GET /reconcile/latest.
type LatestResult struct {
	Run         *model.ReconciliationRun `json:"run"`
	FreezeState model.FreezeState        `json:"freezeState"`
}

// Latest returns the newest run (null before the first run) plus the freeze
// state. The marketplace freeze gate consumes this endpoint.
func (s *Service) Latest() (LatestResult, error) {
	fs, err := s.store.FreezeState()
	if err != nil {
		return LatestResult{}, err
	}
	run, ok, err := s.store.LatestRun()
	if err != nil {
		return LatestResult{}, err
	}
	res := LatestResult{FreezeState: fs}
	if ok {
		res.Run = &run
	}
	return res, nil
}

// History returns up to 100 runs, newest first.
func (s *Service) History(limit int) ([]model.ReconciliationRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.History(limit)
}

// UnfreezeRequest is the payload of POST /freeze/unfreeze.
type UnfreezeRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// UnfreezeResult is the response: the new state plus the override record.
type UnfreezeResult struct {
	FreezeState model.FreezeState    `json:"freezeState"`
	Override    model.FreezeOverride `json:"override"`
}

// Unfreeze manually lifts an active freeze, recording a governance override.
func (s *Service) Unfreeze(req UnfreezeRequest) (UnfreezeResult, error) {
	if req.Actor == "" || req.Reason == "" {
		return UnfreezeResult{}, httpx.BadRequest("invalid_request", "actor and reason are required")
	}
	fs, err := s.store.FreezeState()
	if err != nil {
		return UnfreezeResult{}, err
	}
	if !fs.Active {
		return UnfreezeResult{}, httpx.Conflict("state_conflict", "marketplace is not frozen")
	}
	now := model.NowISO()
	next := model.FreezeState{
		Active:    false,
		Reason:    fmt.Sprintf("Manual unfreeze by %s: %s", req.Actor, req.Reason),
		UpdatedAt: now,
		LastRunID: fs.LastRunID,
	}
	ov := model.FreezeOverride{
		OverrideID:     "OVR-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Action:         "UNFREEZE",
		Actor:          req.Actor,
		Reason:         req.Reason,
		PreviousActive: true,
		NextActive:     false,
		CreatedAt:      now,
		RunID:          fs.LastRunID,
	}
	if err := s.store.PutFreezeAndOverride(next, ov); err != nil {
		return UnfreezeResult{}, err
	}
	s.log.WithFields(logrus.Fields{"actor": req.Actor, "runId": fs.LastRunID}).Info("freeze manually lifted")
	return UnfreezeResult{FreezeState: next, Override: ov}, nil
}

// Overrides returns the most recent override records.
func (s *Service) Overrides(limit int) ([]model.FreezeOverride, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.Overrides(limit)
}

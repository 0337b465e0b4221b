package ledger

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/trust"
)

// Router mounts the ledger adapter endpoints. Write endpoints sit behind the
// service token gate.
func (s *Service) Router(log *logrus.Entry, m *httpx.Metrics, serviceToken string) chi.Router {
	r := httpx.BaseRouter("ledger-adapter", log, m)

	r.Group(func(w chi.Router) {
		w.Use(trust.ServiceAuth(serviceToken))
		w.Post("/proofs/anchor", s.handleAnchor)
		w.Post("/events/record", s.handleRecord)
	})
	r.Get("/proofs/{id}", s.handleGetProof)
	r.Get("/events/{id}", s.handleTimeline)
	r.Get("/chain/status", s.handleChainStatus)
	return r
}

func (s *Service) handleAnchor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertID      string `json:"certId"`
		PayloadHash string `json:"payloadHash"`
		OccurredAt  string `json:"occurredAt"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.CertID == "" || req.PayloadHash == "" {
		httpx.WriteError(w, s.log, httpx.BadRequest("invalid_request", "certId and payloadHash are required"))
		return
	}
	if req.OccurredAt == "" {
		req.OccurredAt = model.NowISO()
	}
	p, err := s.Anchor(req.CertID, req.PayloadHash, req.OccurredAt)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (s *Service) handleGetProof(w http.ResponseWriter, r *http.Request) {
	certID := chi.URLParam(r, "id")
	p, ok, err := s.store.GetProof(certID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if !ok {
		httpx.WriteError(w, s.log, httpx.NotFound("proof_not_found", "no proof anchored for %s", certID))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	var ev model.LedgerEvent
	if err := httpx.DecodeJSON(r, &ev); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.Record(r.Context(), ev)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Service) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Timeline(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Service) handleChainStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.ChainStatus(r.Context()))
}

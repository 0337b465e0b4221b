package risk

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/trust"
)

// Router mounts the risk engine endpoints. Ingests sit behind the service
// token gate and return 202.
func (s *Service) Router(log *logrus.Entry, m *httpx.Metrics, serviceToken string) chi.Router {
	r := httpx.BaseRouter("risk-engine", log, m)

	r.Group(func(w chi.Router) {
		w.Use(trust.ServiceAuth(serviceToken))
		w.Post("/ingest/ledger-event", s.handleIngestLedgerEvent)
		w.Post("/ingest/listing-audit-event", s.handleIngestAuditEvent)
		w.Post("/ingest/reconciliation-alert", s.handleIngestReconAlert)
	})
	r.Get("/risk/certificates/{id}", s.handleCertProfile)
	r.Get("/risk/listings/{id}", s.handleListingProfile)
	r.Get("/risk/summary", s.handleSummary)
	r.Get("/risk/alerts", s.handleAlerts)
	return r
}

func (s *Service) handleIngestLedgerEvent(w http.ResponseWriter, r *http.Request) {
	var ev model.LedgerEvent
	if err := httpx.DecodeJSON(r, &ev); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.IngestLedgerEvent(ev); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleIngestAuditEvent(w http.ResponseWriter, r *http.Request) {
	var in AuditIngest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if err := s.IngestAuditEvent(in); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) handleIngestReconAlert(w http.ResponseWriter, r *http.Request) {
	var in ReconAlertIngest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	alert, err := s.IngestReconciliationAlert(in)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, alert)
}

func (s *Service) handleCertProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.CertificateProfile(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Service) handleListingProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.ListingProfile(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, p)
}

func parseLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, httpx.BadRequest("invalid_query", "limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func (s *Service) handleSummary(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 10, 100)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	sum, err := s.Summary(limit)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 20, 200)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	alerts, err := s.Alerts(limit)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

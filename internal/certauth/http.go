package certauth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/model"
	"dgc/backbone/internal/trust"
)

// Router mounts the certificate authority endpoints.
func (s *Service) Router(log *logrus.Entry, m *httpx.Metrics, serviceToken string) chi.Router {
	r := httpx.BaseRouter("certificate-authority", log, m)

	r.Group(func(w chi.Router) {
		w.Use(trust.ServiceAuth(serviceToken))
		w.Post("/certificates/issue", s.handleIssue)
		w.Post("/certificates/transfer", s.handleTransfer)
		w.Post("/certificates/split", s.handleSplit)
		w.Post("/certificates/status", s.handleStatus)
	})
	r.Post("/certificates/verify", s.handleVerify)
	r.Get("/certificates", s.handleList)
	r.Get("/certificates/{id}", s.handleGet)
	r.Get("/certificates/{id}/timeline", s.handleTimeline)
	r.Get("/openapi.json", handleOpenAPI)
	return r
}

func (s *Service) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner      string         `json:"owner"`
		AmountGram string         `json:"amountGram"`
		Purity     string         `json:"purity"`
		Metadata   map[string]any `json:"metadata,omitempty"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.Issue(r.Context(), req.Owner, req.AmountGram, req.Purity, req.Metadata)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	cert, err := s.Get(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cert)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	certs, err := s.List()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"certificates": certs})
}

func (s *Service) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertID      string                   `json:"certId,omitempty"`
		Certificate *model.SignedCertificate `json:"certificate,omitempty"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	var cert model.SignedCertificate
	switch {
	case req.Certificate != nil:
		cert = *req.Certificate
	case req.CertID != "":
		c, err := s.Get(req.CertID)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		cert = c
	default:
		httpx.WriteError(w, s.log, httpx.BadRequest("invalid_request", "certId or certificate is required"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.Verify(cert))
}

func (s *Service) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertID  string `json:"certId"`
		ToOwner string `json:"toOwner"`
		Price   string `json:"price,omitempty"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.CertID == "" {
		httpx.WriteError(w, s.log, httpx.BadRequest("invalid_cert_id", "certId is required"))
		return
	}
	res, err := s.Transfer(r.Context(), req.CertID, req.ToOwner, req.Price)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Service) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentCertID    string `json:"parentCertId"`
		ToOwner         string `json:"toOwner"`
		AmountChildGram string `json:"amountChildGram"`
		Price           string `json:"price,omitempty"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.ParentCertID == "" {
		httpx.WriteError(w, s.log, httpx.BadRequest("invalid_cert_id", "parentCertId is required"))
		return
	}
	res, err := s.Split(r.Context(), req.ParentCertID, req.ToOwner, req.AmountChildGram, req.Price)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertID string `json:"certId"`
		Status string `json:"status"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.CertID == "" {
		httpx.WriteError(w, s.log, httpx.BadRequest("invalid_cert_id", "certId is required"))
		return
	}
	res, err := s.SetStatus(r.Context(), req.CertID, req.Status)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Service) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.Timeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

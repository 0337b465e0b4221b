package dispute

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/trust"
)

// Router mounts the dispute orchestrator endpoints. Open is service-token
// gated; assign and resolve additionally pass the governance gates.
func (s *Service) Router(log *logrus.Entry, m *httpx.Metrics, serviceToken string, assignGate, resolveGate trust.Gate) chi.Router {
	r := httpx.BaseRouter("dispute-service", log, m)

	r.Group(func(w chi.Router) {
		w.Use(trust.ServiceAuth(serviceToken))
		w.Post("/disputes/open", s.handleOpen)
		w.Post("/disputes/{id}/assign", s.handleAssign(assignGate))
		w.Post("/disputes/{id}/resolve", s.handleResolve(resolveGate))
	})
	r.Get("/disputes/{id}", s.handleGet)
	r.Get("/disputes", s.handleList)
	return r
}

func (s *Service) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	d, err := s.Open(req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, d)
}

func (s *Service) handleAssign(gate trust.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AssignRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		if err := gate.Authorize(r, req.AssignedBy); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		d, err := s.Assign(chi.URLParam(r, "id"), req)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, d)
	}
}

func (s *Service) handleResolve(gate trust.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		if err := gate.Authorize(r, req.ResolvedBy); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		d, err := s.Resolve(chi.URLParam(r, "id"), req)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, d)
	}
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.Get(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	disputes, err := s.List(r.URL.Query().Get("status"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"disputes": disputes})
}

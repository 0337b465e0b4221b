package recon

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/trust"
)

// Router mounts the reconciliation endpoints. Run is service-token gated;
// unfreeze additionally passes the governance gate.
func (s *Service) Router(log *logrus.Entry, m *httpx.Metrics, serviceToken string, unfreezeGate trust.Gate) chi.Router {
	r := httpx.BaseRouter("reconciliation-service", log, m)

	r.Group(func(w chi.Router) {
		w.Use(trust.ServiceAuth(serviceToken))
		w.Post("/reconcile/run", s.handleRun)
		w.Post("/freeze/unfreeze", s.handleUnfreeze(unfreezeGate))
	})
	r.Get("/reconcile/latest", s.handleLatest)
	r.Get("/reconcile/history", s.handleHistory)
	r.Get("/freeze/overrides", s.handleOverrides)
	return r
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	req := RunRequest{}
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
	}
	res, err := s.Run(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Service) handleLatest(w http.ResponseWriter, r *http.Request) {
	res, err := s.Latest()
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, httpx.BadRequest("invalid_query", "limit must be a positive integer")
	}
	return n, nil
}

func (s *Service) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	runs, err := s.History(limit)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Service) handleUnfreeze(gate trust.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UnfreezeRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		if err := gate.Authorize(r, req.Actor); err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		res, err := s.Unfreeze(req)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, res)
	}
}

func (s *Service) handleOverrides(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	overrides, err := s.Overrides(limit)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

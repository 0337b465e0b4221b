package market

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dgc/backbone/internal/httpx"
	"dgc/backbone/internal/trust"
)

// IdempotencyKeyHeader carries the caller-supplied escrow deduplication key.
const IdempotencyKeyHeader = "idempotency-key"

// Router mounts the marketplace endpoints. All mutations sit behind the
// service token gate.
func (s *Service) Router(log *logrus.Entry, m *httpx.Metrics, serviceToken string) chi.Router {
	r := httpx.BaseRouter("marketplace", log, m)

	r.Group(func(w chi.Router) {
		w.Use(trust.ServiceAuth(serviceToken))
		w.Post("/listings/create", s.handleCreate)
		w.Post("/escrow/lock", s.escrowHandler(s.LockEscrow))
		w.Post("/escrow/settle", s.escrowHandler(s.SettleEscrow))
		w.Post("/escrow/cancel", s.escrowHandler(s.CancelEscrow))
		w.Post("/listings/{id}/dispute/open", s.handleOpenDispute)
	})
	r.Get("/listings", s.handleList)
	r.Get("/listings/{id}", s.handleGet)
	r.Get("/listings/{id}/audit", s.handleAudit)
	return r
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	listing, err := s.CreateListing(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"listing": listing})
}

// escrowHandler adapts an idempotent escrow operation. Replayed responses
// are written byte-for-byte as first recorded.
func (s *Service) escrowHandler(op func(ctx context.Context, key string, rawBody []byte) (int, []byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawBody, err := httpx.ReadBody(r)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		status, body, err := op(r.Context(), r.Header.Get(IdempotencyKeyHeader), rawBody)
		if err != nil {
			httpx.WriteError(w, s.log, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}
}

func (s *Service) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	res, err := s.OpenDispute(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, res)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	listings, err := s.Listings(r.URL.Query().Get("status"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"listings": listings})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	listing, err := s.GetListing(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"listing": listing})
}

func (s *Service) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.Audit(chi.URLParam(r, "id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}

package certauth

import (
	"net/http"

	"dgc/backbone/internal/httpx"
)

// Static OpenAPI document for the certificate authority surface. Kept by
// hand; the endpoint set changes rarely.
var openAPIDoc = map[string]any{
	"openapi": "3.0.3",
	"info": map[string]any{
		"title":   "DGC Certificate Authority",
		"version": "1.0.0",
	},
	"paths": map[string]any{
		"/certificates/issue":           map[string]any{"post": opDoc("Issue a new signed gold certificate")},
		"/certificates/verify":          map[string]any{"post": opDoc("Verify payload hash and issuer signature")},
		"/certificates/transfer":        map[string]any{"post": opDoc("Transfer ownership of an ACTIVE certificate")},
		"/certificates/split":           map[string]any{"post": opDoc("Split an ACTIVE certificate, conserving total grams")},
		"/certificates/status":          map[string]any{"post": opDoc("Transition certificate status")},
		"/certificates":                 map[string]any{"get": opDoc("List certificates in ascending certId order")},
		"/certificates/{id}":            map[string]any{"get": opDoc("Fetch one certificate")},
		"/certificates/{id}/timeline":   map[string]any{"get": opDoc("Proxy the ledger adapter timeline")},
		"/health":                       map[string]any{"get": opDoc("Service health")},
	},
}

func opDoc(summary string) map[string]any {
	return map[string]any{
		"summary":   summary,
		"responses": map[string]any{"default": map[string]any{"description": "JSON response"}},
	}
}

func handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, openAPIDoc)
}

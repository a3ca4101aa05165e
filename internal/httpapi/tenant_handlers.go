package httpapi

import (
	"net/http"

	"planora.org/internal/audit"
)

func (a *API) handleListTenants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	claims, ok := claimsOrFail(w, r)
	if !ok {
		return
	}

	tenants, err := a.tenants.List(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

type switchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

func (a *API) handleSwitchTenant(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := claimsOrFail(w, r)
	if !ok {
		return
	}
	var req switchTenantRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "tenant_id is required")
		return
	}

	session, err := a.tenants.Switch(r.Context(), claims.Subject, req.TenantID, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "tenant.switched", map[string]any{"tenant_id": req.TenantID})
	writeJSON(w, http.StatusOK, session)
}

package httpapi

import (
	"net/http"

	"planora.org/internal/audit"
)

func (a *API) handleTwoFactorSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := claimsOrFail(w, r)
	if !ok {
		return
	}

	setup, err := a.svc.BeginTwoFactorSetup(r.Context(), claims.Subject)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

type twoFactorCodeRequest struct {
	Code string `json:"code"`
}

func (a *API) handleTwoFactorEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := claimsOrFail(w, r)
	if !ok {
		return
	}
	var req twoFactorCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	codes, err := a.svc.EnableTwoFactor(r.Context(), claims.Subject, req.Code, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.2fa.enabled", nil)
	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (a *API) handleTwoFactorDisable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := claimsOrFail(w, r)
	if !ok {
		return
	}
	var req twoFactorCodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := a.svc.DisableTwoFactor(r.Context(), claims.Subject, req.Code, requestMeta(r)); err != nil {
		writeDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.2fa.disabled", nil)
	w.WriteHeader(http.StatusNoContent)
}

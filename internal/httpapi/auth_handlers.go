package httpapi

import (
	"net/http"

	"planora.org/internal/audit"
	"planora.org/internal/identity"
	"planora.org/internal/obs"
)

func requestMeta(r *http.Request) identity.RequestMeta {
	return identity.RequestMeta{
		SourceAddr: clientIP(r),
		UserAgent:  r.UserAgent(),
	}
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	TenantName  string `json:"tenant_name,omitempty"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	// Registration gets a stricter per-address window to blunt automated
	// account farming.
	if err := a.registerGov.Allow(clientIP(r)); err != nil {
		obs.RateLimited.WithLabelValues("registration").Inc()
		writeDomainError(w, r, err)
		return
	}

	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := a.svc.Register(r.Context(), req.Email, req.Password, req.DisplayName, req.TenantName, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type challengeResponse struct {
	TwoFactorRequired bool   `json:"two_factor_required"`
	Email             string `json:"email"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := a.svc.Login(r.Context(), req.Email, req.Password, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeLoginResult(w, result)
}

type twoFactorLoginRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

func (a *API) handleTwoFactorLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req twoFactorLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	session, err := a.svc.VerifyTwoFactorLogin(r.Context(), req.Email, req.Code, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

type exchangeRequest struct {
	ProviderToken string `json:"provider_token"`
	TenantName    string `json:"tenant_name,omitempty"`
}

func (a *API) handleFederatedExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := a.svc.ExchangeFederatedSession(r.Context(), req.ProviderToken, req.TenantName, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeLoginResult(w, result)
}

// writeLoginResult keeps the password and federated paths wire-compatible:
// both yield either a session or a two-factor challenge.
func writeLoginResult(w http.ResponseWriter, result *identity.LoginResult) {
	if result.Challenge != nil {
		writeJSON(w, http.StatusOK, challengeResponse{
			TwoFactorRequired: true,
			Email:             result.Challenge.Email,
		})
		return
	}
	writeJSON(w, http.StatusOK, result.Session)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := claimsOrFail(w, r)
	if !ok {
		return
	}
	a.svc.Logout(r.Context(), claims.Subject, requestMeta(r))
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, http.MethodPatch)
		return
	}
	claims, ok := claimsOrFail(w, r)
	if !ok {
		return
	}
	var upd identity.ProfileUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	account, err := a.svc.UpdateProfile(r.Context(), claims.Subject, upd, requestMeta(r))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account})
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"planora.org/internal/identity"
	"planora.org/internal/obs"
	"planora.org/internal/ratelimit"
)

type errorBody struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}

func writeRetryError(w http.ResponseWriter, code int, kind, message string, retryAfter int) {
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, code, errorResponse{Error: errorBody{
		Kind:              kind,
		Message:           message,
		RetryAfterSeconds: retryAfter,
	}})
}

// writeDomainError maps identity and ratelimit errors onto the stable wire
// taxonomy. Anything unrecognized is an infrastructure failure: it is logged
// with full context server-side and reported as a generic internal error.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var lockedErr *identity.LockedError
	var limitedErr *ratelimit.LimitedError

	switch {
	case errors.As(err, &lockedErr):
		writeRetryError(w, http.StatusLocked, "account_locked",
			"account temporarily locked after repeated failures",
			int(lockedErr.RetryAfter.Seconds()))
	case errors.As(err, &limitedErr):
		writeRetryError(w, http.StatusTooManyRequests, "rate_limited",
			"too many requests", int(limitedErr.RetryAfter.Seconds()))
	case errors.Is(err, identity.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, "duplicate_email", "email is already registered")
	case errors.Is(err, identity.ErrWeakPassword):
		writeError(w, http.StatusUnprocessableEntity, "weak_password", reason(err))
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid email or password")
	case errors.Is(err, identity.ErrInvalidTwoFactorCode):
		writeError(w, http.StatusUnauthorized, "invalid_two_factor_code", "invalid two-factor code")
	case errors.Is(err, identity.ErrNotAMember):
		writeError(w, http.StatusForbidden, "not_a_member", "no active membership in tenant")
	case errors.Is(err, identity.ErrFederatedVerification):
		writeError(w, http.StatusUnauthorized, "federated_verification_failed", "could not verify provider token")
	case errors.Is(err, identity.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token_expired", "session token expired")
	case errors.Is(err, identity.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, "token_invalid", "session token invalid")
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	default:
		obs.LogEvent("internal_error", map[string]any{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// reason keeps the human-readable part of a wrapped policy error without the
// package prefix.
func reason(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return "password " + msg[i+2:]
	}
	return "password too weak"
}

const maxDecodeBytes = 1 << 20

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxDecodeBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

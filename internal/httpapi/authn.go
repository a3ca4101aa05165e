package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"planora.org/internal/identity"
	"planora.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/register",
	"/v1/auth/login",
	"/v1/auth/login/2fa",
	"/v1/auth/oauth/exchange",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth verifies the bearer token on protected paths, attaches the claims
// to the context and applies the per-subject rate window. Public paths are
// rate-limited per source address instead.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if isPublicPath(r.URL.Path) {
			if err := a.addrGov.Allow(clientIP(r)); err != nil {
				obs.RateLimited.WithLabelValues("address").Inc()
				writeDomainError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "token_invalid", err.Error())
			return
		}

		claims, err := a.signer.Verify(token)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}

		if err := a.subjectGov.Allow(claims.Subject); err != nil {
			obs.RateLimited.WithLabelValues("subject").Inc()
			writeDomainError(w, r, err)
			return
		}

		ctx := identity.ContextWithClaims(r.Context(), claims)
		ctx = identity.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// claimsOrFail pulls verified claims off the context; withAuth guarantees
// they exist on protected paths.
func claimsOrFail(w http.ResponseWriter, r *http.Request) (*identity.Claims, bool) {
	claims, ok := identity.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "token_invalid", "missing session")
		return nil, false
	}
	return claims, true
}

// Package httpapi exposes the identity service over HTTP. Every endpoint
// maps 1:1 to an identity.Service or identity.Tenants operation; bodies
// never carry password hashes or two-factor secrets.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"planora.org/internal/identity"
	"planora.org/internal/obs"
	"planora.org/internal/ratelimit"
)

const defaultMaxBody = 64 << 10

// ReadyProbe checks backing dependencies for the readiness endpoint.
type ReadyProbe struct {
	DB *sql.DB
}

// Check pings the database when one is configured.
func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the HTTP layer's tunables.
type Config struct {
	Version string

	AddressLimit       int
	AddressWindow      time.Duration
	SubjectLimit       int
	SubjectWindow      time.Duration
	RegistrationLimit  int
	RegistrationWindow time.Duration

	// FloodBurst/FloodPerSec configure the transport-level token bucket.
	FloodBurst  int
	FloodPerSec int
}

func (c *Config) fillDefaults() {
	if c.AddressLimit <= 0 {
		c.AddressLimit = 100
	}
	if c.AddressWindow <= 0 {
		c.AddressWindow = 15 * time.Minute
	}
	if c.SubjectLimit <= 0 {
		c.SubjectLimit = 60
	}
	if c.SubjectWindow <= 0 {
		c.SubjectWindow = time.Minute
	}
	if c.RegistrationLimit <= 0 {
		c.RegistrationLimit = 3
	}
	if c.RegistrationWindow <= 0 {
		c.RegistrationWindow = 15 * time.Minute
	}
	if c.FloodBurst <= 0 {
		c.FloodBurst = 50
	}
	if c.FloodPerSec <= 0 {
		c.FloodPerSec = 25
	}
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *identity.Service
	tenants    *identity.Tenants
	signer     *identity.Signer
	readyProbe ReadyProbe
	cfg        Config

	addrGov     *ratelimit.Governor
	subjectGov  *ratelimit.Governor
	registerGov *ratelimit.Governor
}

// New wires handlers and the rate governors.
func New(svc *identity.Service, tenants *identity.Tenants, signer *identity.Signer, rp ReadyProbe, cfg Config) *API {
	cfg.fillDefaults()
	a := &API{
		mux:         http.NewServeMux(),
		svc:         svc,
		tenants:     tenants,
		signer:      signer,
		readyProbe:  rp,
		cfg:         cfg,
		addrGov:     ratelimit.New(cfg.AddressLimit, cfg.AddressWindow),
		subjectGov:  ratelimit.New(cfg.SubjectLimit, cfg.SubjectWindow),
		registerGov: ratelimit.New(cfg.RegistrationLimit, cfg.RegistrationWindow),
	}

	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReady)
	a.mux.HandleFunc("/v1/info", a.handleInfo)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/login/2fa", a.handleTwoFactorLogin)
	a.mux.HandleFunc("/v1/auth/oauth/exchange", a.handleFederatedExchange)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)

	a.mux.HandleFunc("/v1/auth/2fa/setup", a.handleTwoFactorSetup)
	a.mux.HandleFunc("/v1/auth/2fa/enable", a.handleTwoFactorEnable)
	a.mux.HandleFunc("/v1/auth/2fa/disable", a.handleTwoFactorDisable)

	a.mux.HandleFunc("/v1/profile", a.handleProfile)
	a.mux.HandleFunc("/v1/tenants", a.handleListTenants)
	a.mux.HandleFunc("/v1/tenants/switch", a.handleSwitchTenant)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, defaultMaxBody)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = FloodGuard(h, a.cfg.FloodBurst, a.cfg.FloodPerSec)
	h = Logging(h)
	return obs.Instrument(h)
}

// Close stops the rate governors' background sweeps.
func (a *API) Close() {
	a.addrGov.Close()
	a.subjectGov.Close()
	a.registerGov.Close()
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "planora-id",
		"version": a.cfg.Version,
	})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "planora-id",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.cfg.Version,
	})
}

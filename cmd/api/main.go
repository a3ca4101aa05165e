package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"planora.org/internal/config"
	"planora.org/internal/httpapi"
	"planora.org/internal/identity"
	"planora.org/internal/obs"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Without a DSN the service runs on the in-memory store. Useful for
	// local development and demos, not for production.
	var db *sql.DB
	var store identity.Store
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		store = identity.NewPGStore(db)
	} else {
		log.Println("PLANORA_PG_DSN not set, using in-memory store")
		store = identity.NewMemoryStore()
	}

	signer, err := identity.NewSigner(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenTTL)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	ledger := identity.NewLedger(store, cfg.LockoutThreshold, cfg.LockoutDuration)
	tenants := identity.NewTenants(store, signer, ledger)

	var opts []identity.Option
	if cfg.IntrospectionURL != "" {
		opts = append(opts, identity.WithProvider(
			identity.NewIntrospectionClient(cfg.IntrospectionURL, cfg.IntrospectionTimeout)))
	}
	svc := identity.NewService(store, signer, ledger, tenants, opts...)

	api := httpapi.New(svc, tenants, signer, httpapi.ReadyProbe{DB: db}, httpapi.Config{
		Version:            version,
		AddressLimit:       cfg.AddressLimit,
		AddressWindow:      cfg.AddressWindow,
		SubjectLimit:       cfg.SubjectLimit,
		SubjectWindow:      cfg.SubjectWindow,
		RegistrationLimit:  cfg.RegistrationLimit,
		RegistrationWindow: cfg.RegistrationWindow,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting planora-id %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	api.Close()
	ledger.Close()
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

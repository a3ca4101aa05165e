// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable the service reads at startup. All values come
// from PLANORA_-prefixed environment variables.
type Config struct {
	Addr        string `env:"PLANORA_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"PLANORA_PG_DSN"`

	TokenSecret string        `env:"PLANORA_TOKEN_SECRET"`
	TokenIssuer string        `env:"PLANORA_TOKEN_ISSUER" envDefault:"planora"`
	TokenTTL    time.Duration `env:"PLANORA_TOKEN_TTL" envDefault:"2h"`

	LockoutThreshold int           `env:"PLANORA_LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutDuration  time.Duration `env:"PLANORA_LOCKOUT_DURATION" envDefault:"30m"`

	AddressLimit       int           `env:"PLANORA_RATE_ADDRESS_LIMIT" envDefault:"100"`
	AddressWindow      time.Duration `env:"PLANORA_RATE_ADDRESS_WINDOW" envDefault:"15m"`
	SubjectLimit       int           `env:"PLANORA_RATE_SUBJECT_LIMIT" envDefault:"60"`
	SubjectWindow      time.Duration `env:"PLANORA_RATE_SUBJECT_WINDOW" envDefault:"1m"`
	RegistrationLimit  int           `env:"PLANORA_RATE_REGISTRATION_LIMIT" envDefault:"3"`
	RegistrationWindow time.Duration `env:"PLANORA_RATE_REGISTRATION_WINDOW" envDefault:"15m"`

	IntrospectionURL     string        `env:"PLANORA_INTROSPECTION_URL"`
	IntrospectionTimeout time.Duration `env:"PLANORA_INTROSPECTION_TIMEOUT" envDefault:"3s"`
}

// Load parses the environment and validates required settings.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	if cfg.TokenSecret == "" {
		return Config{}, errors.New("config: PLANORA_TOKEN_SECRET is required")
	}
	return cfg, nil
}

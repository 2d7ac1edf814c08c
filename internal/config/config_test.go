package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("auth.anon_key", "anon")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("expected default address, got %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DriverSQLite {
		t.Fatalf("expected sqlite driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.LeaseTTL != 30*time.Second {
		t.Fatalf("expected 30s lease ttl, got %s", cfg.LeaseTTL)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("expected 12h token ttl, got %s", cfg.TokenTTL)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	tests := map[string]func(values map[string]any){
		"missing secret":  func(values map[string]any) { delete(values, "auth.signing_secret") },
		"missing anon":    func(values map[string]any) { delete(values, "auth.anon_key") },
		"unknown driver":  func(values map[string]any) { values["database.driver"] = "mysql" },
		"zero lease ttl":  func(values map[string]any) { values["lease.ttl_seconds"] = 0 },
		"zero token ttl":  func(values map[string]any) { values["token.ttl_minutes"] = 0 },
		"blank dsn value": func(values map[string]any) { values["database.dsn"] = " " },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			values := map[string]any{
				"auth.signing_secret": "secret",
				"auth.anon_key":       "anon",
			}
			mutate(values)
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadAcceptsPostgresDriver(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("auth.anon_key", "anon")
	configViper.Set("database.driver", " Postgres ")
	configViper.Set("database.dsn", "postgres://localhost/stationsync")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.DatabaseDriver)
	}
}

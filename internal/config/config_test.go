package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("user.id", "user-1")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("failed to load config: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:8090" {
		testContext.Fatalf("expected default http address, got %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "taleweaver.db" {
		testContext.Fatalf("expected default database path, got %q", cfg.DatabasePath)
	}
	if cfg.SyncCooldown != 5*time.Second {
		testContext.Fatalf("expected default sync cooldown, got %v", cfg.SyncCooldown)
	}
	if cfg.ProfileQuota != 50 {
		testContext.Fatalf("expected default profile quota, got %d", cfg.ProfileQuota)
	}
	if cfg.Networked() {
		testContext.Fatalf("expected local-only mode without api.base_url")
	}
}

func TestLoadRequiresUserID(testContext *testing.T) {
	configViper := NewViper()
	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected error without user.id")
	}
}

func TestLoadRequiresTokenWhenNetworked(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("user.id", "user-1")
	configViper.Set("api.base_url", "https://api.example.com")

	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected error without api.token in networked mode")
	}

	configViper.Set("api.token", "bearer-token")
	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("failed to load networked config: %v", err)
	}
	if !cfg.Networked() {
		testContext.Fatalf("expected networked mode with api.base_url set")
	}
}

func TestLoadRejectsNonPositiveQuota(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("user.id", "user-1")
	configViper.Set("import.profile_quota", 0)

	if _, err := Load(configViper); err == nil {
		testContext.Fatalf("expected error for zero profile quota")
	}
}

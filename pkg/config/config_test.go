package config

import (
	"testing"
	"time"
)

func TestGettersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("RC_TEST_INT", "twelve")
	t.Setenv("RC_TEST_BOOL", "maybe")
	if got := GetInt("RC_TEST_INT", 7); got != 7 {
		t.Fatalf("GetInt = %d, want fallback 7", got)
	}
	if got := GetBool("RC_TEST_BOOL", true); !got {
		t.Fatalf("GetBool should fall back to true")
	}
	if got := GetString("RC_TEST_UNSET", "x"); got != "x" {
		t.Fatalf("GetString = %q", got)
	}
}

func TestGetListAndSeconds(t *testing.T) {
	t.Setenv("RC_TEST_LIST", " release-manager, ,sre-oncall ")
	got := GetList("RC_TEST_LIST", nil)
	if len(got) != 2 || got[0] != "release-manager" || got[1] != "sre-oncall" {
		t.Fatalf("GetList = %q", got)
	}
	t.Setenv("RC_TEST_SECONDS", "90")
	if d := GetSeconds("RC_TEST_SECONDS", 1); d != 90*time.Second {
		t.Fatalf("GetSeconds = %v", d)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("APPROVERS", "alice,bob")
	t.Setenv("RATE_LIMIT_WRITE_PER_MINUTE", "5")
	cfg := LoadConfig()
	if !cfg.IsProduction() || cfg.StorageDriver != "memory" || cfg.RateLimitWrite != 5 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Approvers) != 2 || cfg.Approvers[1] != "bob" {
		t.Fatalf("unexpected approvers %q", cfg.Approvers)
	}
	if cfg.MigrationsDir != "" {
		t.Fatalf("embedded migrations should be the default, got %q", cfg.MigrationsDir)
	}
}

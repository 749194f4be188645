package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "SERVER_PORT")
	unsetEnvWithCleanup(t, "PORT")
	unsetEnvWithCleanup(t, "CODE_TTL_MINUTES")
	unsetEnvWithCleanup(t, "RECONCILE_SCHEDULE")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.CodeTTLMinutes != 5 {
		t.Fatalf("expected default code TTL of 5 minutes, got %d", cfg.CodeTTLMinutes)
	}
	if cfg.MemoMaxLength != 140 {
		t.Fatalf("expected default memo length 140, got %d", cfg.MemoMaxLength)
	}
	if cfg.ReconcileSchedule != "@every 1m" {
		t.Fatalf("expected default reconcile schedule, got %q", cfg.ReconcileSchedule)
	}
	if cfg.RedisRateLimitPrefix != "vaultline:rate_limit" {
		t.Fatalf("expected default rate limit prefix, got %q", cfg.RedisRateLimitPrefix)
	}
}

func TestLoadConfig_UsesTransferServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "TRANSFER_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "TRANSFER_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_CoercesInvalidNumericValues(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "CODE_TTL_MINUTES", "-3")
	setEnvWithCleanup(t, "RECONCILE_BATCH_LIMIT", "0")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.CodeTTLMinutes != 5 {
		t.Fatalf("expected negative TTL to fall back to 5, got %d", cfg.CodeTTLMinutes)
	}
	if cfg.ReconcileBatchLimit != 100 {
		t.Fatalf("expected zero batch limit to fall back to 100, got %d", cfg.ReconcileBatchLimit)
	}
}

func TestTokenTable_OverrideAndFallback(t *testing.T) {
	cfg := Config{}
	table := cfg.TokenTable()
	if table["USDC/ethereum"] != "tok_usdc_eth" {
		t.Fatalf("expected built-in table entry, got %q", table["USDC/ethereum"])
	}

	cfg.TokenTableJSON = `{"FOO/barchain":"tok_foo_bar"}`
	table = cfg.TokenTable()
	if table["FOO/barchain"] != "tok_foo_bar" {
		t.Fatalf("expected override entry, got %q", table["FOO/barchain"])
	}
	if _, ok := table["USDC/ethereum"]; ok {
		t.Fatal("expected the override to replace the built-in table entirely")
	}

	cfg.TokenTableJSON = `{not json`
	table = cfg.TokenTable()
	if table["USDC/ethereum"] != "tok_usdc_eth" {
		t.Fatal("expected fallback to the built-in table on parse failure")
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
		}
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/drsoft-oss/webber/internal/retry"
)

func TestLoadConfigAppliesDefaultsAndValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webber.yaml")
	yaml := "header_store_path: /tmp/proxies.json\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Session.MinBudget != 4 || cfg.Session.MaxBudget != 21 {
		t.Fatalf("expected default budgets 4/21, got %d/%d", cfg.Session.MinBudget, cfg.Session.MaxBudget)
	}
	if cfg.Host.InFlightPermits != 20 {
		t.Fatalf("expected default in-flight permits 20, got %d", cfg.Host.InFlightPermits)
	}
	if len(cfg.Retries.Budgets) == 0 {
		t.Fatal("expected default retry budgets to be populated")
	}
}

func TestValidateRejectsMissingHeaderStorePath(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for missing header_store_path")
	}
}

func TestRetryMapConvertsBudgets(t *testing.T) {
	r := RetriesConfig{Budgets: []RetryBudget{
		{Status: 429, Retries: 2},
		{Transport: "connect-timeout", Retries: -1},
	}}
	m, err := r.RetryMap()
	if err != nil {
		t.Fatalf("RetryMap: %v", err)
	}
	if m[retry.Status(429)] != 2 {
		t.Fatalf("expected 429 budget 2, got %d", m[retry.Status(429)])
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("http port = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.CacheClean.MaxWaitAppTimeout != 30 {
		t.Errorf("max wait app = %d, want 30", cfg.CacheClean.MaxWaitAppTimeout)
	}
	if !cfg.CacheClean.Filter.ShowDialogToIgnoreApp {
		t.Error("show_dialog_to_ignore_app should default to true")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
cache_clean:
  delay_for_next_app_timeout: 2
  max_wait_app_timeout: 10
  max_wait_clear_cache_button_timeout: 0
  settle_timeout: 750ms
  scenario: xiaomi_miui
  after_clearing_cache_close_app: true
search_text:
  pt-BR:
    clear_cache: ["Limpar cache"]
auth:
  operators:
    - username: admin
      password_hash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA"
      role: admin
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	run := cfg.CacheClean.RunConfig()
	if run.DelayForNextApp != 2*time.Second {
		t.Errorf("delay = %v", run.DelayForNextApp)
	}
	if run.MaxWaitApp != 10*time.Second {
		t.Errorf("max wait app = %v", run.MaxWaitApp)
	}
	if run.MaxWaitClearCacheButton != 0 {
		t.Errorf("clear cache wait = %v, want 0", run.MaxWaitClearCacheButton)
	}
	if err := run.Validate(); err == nil {
		t.Error("zero clear-cache timeout must not validate")
	}
	if run.Settle != 750*time.Millisecond {
		t.Errorf("settle = %v", run.Settle)
	}
	if run.ScenarioID != "xiaomi_miui" || !run.AfterClearingCacheCloseApp {
		t.Errorf("unexpected run config %+v", run)
	}

	// viper lowercases map keys
	override, ok := cfg.SearchText["pt-br"]
	if !ok || len(override.ClearCache) != 1 || override.ClearCache[0] != "Limpar cache" {
		t.Errorf("search text override = %+v", cfg.SearchText)
	}

	if len(cfg.Auth.Operators) != 1 || cfg.Auth.Operators[0].Role != "admin" {
		t.Errorf("operators = %+v", cfg.Auth.Operators)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

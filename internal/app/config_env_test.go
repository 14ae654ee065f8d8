package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEnvFiles_LoadsKeyValues(t *testing.T) {
	t.Setenv("FOO", "")
	t.Setenv("BAR", "")

	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "\n# sample dotenv file\nFOO=alpha\nBAR=\"beta\"\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}

	if err := LoadEnvFiles(envPath); err != nil {
		t.Fatalf("LoadEnvFiles error: %v", err)
	}

	if got := os.Getenv("FOO"); got != "alpha" {
		t.Fatalf("FOO=%q, want alpha", got)
	}
	if got := os.Getenv("BAR"); got != "beta" {
		t.Fatalf("BAR=%q, want beta", got)
	}
}

func TestLoadEnvFiles_MissingFileIgnored(t *testing.T) {
	if err := LoadEnvFiles(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
}

func TestApplyEnvOverrides_PrefixedWinsOverBare(t *testing.T) {
	t.Setenv("BACKEND_MODEL", "bare-model")
	t.Setenv("GOASSIST_BACKEND_MODEL", "prefixed-model")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.BackendModel != "prefixed-model" {
		t.Fatalf("BackendModel=%q, want prefixed-model", cfg.BackendModel)
	}
}

func TestApplyEnvOverrides_BareFallback(t *testing.T) {
	os.Unsetenv("GOASSIST_BACKEND_ENDPOINT")
	t.Setenv("BACKEND_ENDPOINT", "http://lmstudio:1234")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.BackendEndpoint != "http://lmstudio:1234" {
		t.Fatalf("BackendEndpoint=%q, want bare env value", cfg.BackendEndpoint)
	}
}

func TestApplyEnvOverrides_DurationsAndNumbers(t *testing.T) {
	t.Setenv("GOASSIST_BACKEND_CONNECT_TIMEOUT", "2.5")
	t.Setenv("GOASSIST_BACKEND_READ_TIMEOUT", "4m")
	t.Setenv("GOASSIST_MAX_TOOL_ITERATIONS", "7")
	t.Setenv("GOASSIST_TOOL_LOOP_TIMEOUT", "0")
	t.Setenv("GOASSIST_PAGE_CACHE_TTL_HOURS", "24")
	t.Setenv("GOASSIST_REBUILD_THRESHOLD", "0.5")
	t.Setenv("GOASSIST_DEFAULT_TEMPERATURE", "0.2")

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if cfg.BackendConnectTimeout != 2500*time.Millisecond {
		t.Fatalf("connect timeout=%v, want 2.5s", cfg.BackendConnectTimeout)
	}
	if cfg.BackendReadTimeout != 4*time.Minute {
		t.Fatalf("read timeout=%v, want 4m", cfg.BackendReadTimeout)
	}
	if cfg.MaxToolIterations != 7 {
		t.Fatalf("iterations=%d, want 7", cfg.MaxToolIterations)
	}
	if cfg.ToolLoopTimeout != 0 {
		t.Fatalf("loop timeout=%v, want 0 (disabled)", cfg.ToolLoopTimeout)
	}
	if cfg.RAG.PageCacheTTL != 24*time.Hour {
		t.Fatalf("page cache ttl=%v, want 24h", cfg.RAG.PageCacheTTL)
	}
	if cfg.RAG.RebuildThreshold != 0.5 {
		t.Fatalf("rebuild threshold=%v, want 0.5", cfg.RAG.RebuildThreshold)
	}
	if cfg.DefaultTemperature != 0.2 {
		t.Fatalf("temperature=%v, want 0.2", cfg.DefaultTemperature)
	}
}

func TestApplyEnvOverrides_BoolsAndLists(t *testing.T) {
	t.Setenv("GOASSIST_RAG_ENABLED", "yes")
	t.Setenv("GOASSIST_HEALTH_CHECK_ON_STARTUP", "off")
	t.Setenv("GOASSIST_MANUAL_URLS", "https://a.example/x, https://a.example/y")
	t.Setenv("GOASSIST_URL_EXCLUDE_PATTERNS", `/blog/.*,\.pdf$`)

	cfg := DefaultConfig()
	ApplyEnvOverrides(&cfg)
	if !cfg.RAG.Enabled {
		t.Fatalf("RAG_ENABLED=yes should enable")
	}
	if cfg.HealthCheckOnStartup {
		t.Fatalf("HEALTH_CHECK_ON_STARTUP=off should disable")
	}
	if len(cfg.RAG.ManualURLs) != 2 || cfg.RAG.ManualURLs[1] != "https://a.example/y" {
		t.Fatalf("manual urls parsed wrong: %v", cfg.RAG.ManualURLs)
	}
	if len(cfg.RAG.ExcludePatterns) != 2 {
		t.Fatalf("exclude patterns parsed wrong: %v", cfg.RAG.ExcludePatterns)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgallion1/deckgen/internal/domain"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deckgen.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DECKGEN_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8090" {
		t.Errorf("expected default port 8090, got %q", cfg.Port)
	}
	g := cfg.Generation
	if g.Density != domain.DensityMedium {
		t.Errorf("expected medium density, got %q", g.Density)
	}
	if g.MaxAttempts != 3 || g.MaxChunks != 500 || g.MaxInputBytes != 50<<20 {
		t.Errorf("unexpected limits: %+v", g)
	}
	if !g.FilterYesNo {
		t.Error("expected yes/no filter on by default")
	}
	if !g.SmartDeckMatch {
		t.Error("expected smart deck matching on by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected defaults to validate, got %v", err)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, `
port: "9000"
llm_model: qwen
llm_timeout: 45s
generation:
  density: high
  language: Turkish
  concurrency: 8
  retry_base_delay: 250ms
  categories:
    - name: Cardiology
      keywords: [heart, ecg]
    - name: Neurology
`)
	t.Setenv("DECKGEN_CONFIG", path)
	t.Setenv("LLM_MODEL", "llama")
	t.Setenv("CONCURRENCY", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("expected port from yaml, got %q", cfg.Port)
	}
	if cfg.LLMModel != "llama" {
		t.Errorf("expected env to override yaml, got %q", cfg.LLMModel)
	}
	if cfg.LLMTimeout != 45*time.Second {
		t.Errorf("expected 45s timeout, got %v", cfg.LLMTimeout)
	}
	g := cfg.Generation
	if g.Density != domain.DensityHigh || g.Language != "Turkish" {
		t.Errorf("unexpected generation settings: %+v", g)
	}
	if g.Concurrency != 2 {
		t.Errorf("expected concurrency 2 from env, got %d", g.Concurrency)
	}
	if g.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("expected 250ms base delay, got %v", g.RetryBaseDelay)
	}
	if g.MaxAttempts != 3 {
		t.Errorf("expected untouched default max attempts, got %d", g.MaxAttempts)
	}
	if len(g.Categories) != 2 || g.Categories[0].Name != "Cardiology" || len(g.Categories[0].KeywordHints) != 2 {
		t.Errorf("unexpected categories: %+v", g.Categories)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	t.Setenv("DECKGEN_CONFIG", writeFile(t, "port: [unterminated"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("DECKGEN_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidEnvKeepsPrevious(t *testing.T) {
	t.Setenv("DECKGEN_CONFIG", "")
	t.Setenv("MAX_ATTEMPTS", "many")
	t.Setenv("JOB_TTL", "soon")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generation.MaxAttempts != 3 {
		t.Errorf("expected default attempts, got %d", cfg.Generation.MaxAttempts)
	}
	if cfg.JobTTL != time.Hour {
		t.Errorf("expected default ttl, got %v", cfg.JobTTL)
	}
}

func TestGenerationNormalized_Deterministic(t *testing.T) {
	g := Generation{Deterministic: true, Concurrency: 16, Density: "HIGH"}.Normalized()
	if g.Concurrency != 1 {
		t.Errorf("expected deterministic mode to force concurrency 1, got %d", g.Concurrency)
	}
	if g.Seed != DeterministicSeed {
		t.Errorf("expected seed %d, got %d", DeterministicSeed, g.Seed)
	}
	if g.Density != domain.DensityHigh {
		t.Errorf("expected density to parse case-insensitively, got %q", g.Density)
	}
	if g.RetryMaxDelay < g.RetryBaseDelay {
		t.Errorf("max delay %v below base %v", g.RetryMaxDelay, g.RetryBaseDelay)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing llm url", func(c *Config) { c.LLMURL = "" }},
		{"negative temperature", func(c *Config) { c.Temperature = -1 }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"negative threshold", func(c *Config) { c.Generation.CategoryThreshold = -0.5 }},
		{"negative chunk chars", func(c *Config) { c.Generation.ChunkChars = -1 }},
		{"tiny context window", func(c *Config) { c.Generation.ContextWindow = 100 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_SmartDeckMatchFromYAMLAndEnv(t *testing.T) {
	t.Setenv("DECKGEN_CONFIG", writeFile(t, "generation:\n  smart_deck_match: false\n"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Generation.SmartDeckMatch {
		t.Error("expected yaml to turn smart deck matching off")
	}

	t.Setenv("SMART_DECK_MATCH", "true")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Generation.SmartDeckMatch {
		t.Error("expected env to turn smart deck matching back on")
	}
}

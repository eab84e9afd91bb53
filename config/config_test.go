package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MergesWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clinagent.yaml")
	content := `
graph:
  gradeCeiling: 4
  confidenceThreshold: 0.85
state:
  backend: redis
  redisAddr: redis.internal:6379
  redisTtl: 72h
services:
  fhirBaseUrl: https://fhir.example.org/fhir
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Graph.GradeCeiling != 4 {
		t.Fatalf("grade ceiling = %d", cfg.Graph.GradeCeiling)
	}
	if cfg.Graph.ConfidenceThreshold != 0.85 {
		t.Fatalf("threshold = %v", cfg.Graph.ConfidenceThreshold)
	}
	if cfg.Graph.ToolBudget != 5 {
		t.Fatalf("unset fields must keep defaults, tool budget = %d", cfg.Graph.ToolBudget)
	}
	if cfg.State.Backend != "redis" || cfg.State.RedisAddr != "redis.internal:6379" {
		t.Fatalf("state = %+v", cfg.State)
	}
	if got := cfg.State.TTL(); got != 72*time.Hour {
		t.Fatalf("ttl = %v", got)
	}
	if cfg.Services.FHIRBaseURL != "https://fhir.example.org/fhir" {
		t.Fatalf("fhir url = %q", cfg.Services.FHIRBaseURL)
	}
	if cfg.Services.QdrantCollection != "clinical_guidelines" {
		t.Fatalf("qdrant collection default lost: %q", cfg.Services.QdrantCollection)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("CLINAGENT_STATE_BACKEND", "memory")
	t.Setenv("CLINAGENT_GRADE_CEILING", "2")
	t.Setenv("CLINAGENT_CONFIDENCE_THRESHOLD", "0.75")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CLINAGENT_OTEL", "true")

	cfg := Default()
	cfg.ApplyEnv()

	if cfg.State.Backend != "memory" {
		t.Fatalf("backend = %q", cfg.State.Backend)
	}
	if cfg.Graph.GradeCeiling != 2 {
		t.Fatalf("grade ceiling = %d", cfg.Graph.GradeCeiling)
	}
	if cfg.Graph.ConfidenceThreshold != 0.75 {
		t.Fatalf("threshold = %v", cfg.Graph.ConfidenceThreshold)
	}
	if cfg.Services.OpenAIAPIKey != "sk-test" {
		t.Fatalf("api key = %q", cfg.Services.OpenAIAPIKey)
	}
	if !cfg.Telemetry.OTel {
		t.Fatal("otel toggle not applied")
	}
}

func TestApplyEnv_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("CLINAGENT_TOOL_BUDGET", "lots")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Graph.ToolBudget != 5 {
		t.Fatalf("malformed override must be ignored, tool budget = %d", cfg.Graph.ToolBudget)
	}
}

func TestToolsConfig(t *testing.T) {
	cfg := Default()
	if got := cfg.Tools.Timeout(); got != 10*time.Second {
		t.Fatalf("default timeout = %v", got)
	}
	if cfg.Tools.MaxAttempts != 3 {
		t.Fatalf("default max attempts = %d", cfg.Tools.MaxAttempts)
	}

	t.Setenv("CLINAGENT_TOOL_TIMEOUT", "3s")
	t.Setenv("CLINAGENT_TOOL_MAX_ATTEMPTS", "5")
	cfg.ApplyEnv()
	if got := cfg.Tools.Timeout(); got != 3*time.Second {
		t.Fatalf("timeout override = %v", got)
	}
	if cfg.Tools.MaxAttempts != 5 {
		t.Fatalf("max attempts override = %d", cfg.Tools.MaxAttempts)
	}

	cfg.Tools.InvokeTimeout = "soon"
	if got := cfg.Tools.Timeout(); got != 10*time.Second {
		t.Fatalf("malformed timeout must fall back, got %v", got)
	}

	cfg.Tools.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero max attempts")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	bad := Default()
	bad.State.Backend = "dynamo"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}

	bad = Default()
	bad.Graph.ConfidenceThreshold = 1.5
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for out-of-range threshold")
	}

	bad = Default()
	bad.Graph.GradeCeiling = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero grade ceiling")
	}

	bad = Default()
	bad.State.TTL()
	bad.State.RedisTTL = "not-a-duration"
	if got := bad.State.TTL(); got != 30*24*time.Hour {
		t.Fatalf("bad ttl must fall back, got %v", got)
	}
}

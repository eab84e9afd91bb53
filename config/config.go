package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the full runtime configuration: graph ceilings, state backend,
// and the external service endpoints. Values load from YAML, then environment
// variables override individual fields so deployments can keep secrets out of
// the file.
type Config struct {
	Graph     Graph     `yaml:"graph"`
	Tools     Tools     `yaml:"tools"`
	State     State     `yaml:"state"`
	Services  Services  `yaml:"services"`
	Review    Review    `yaml:"review"`
	Telemetry Telemetry `yaml:"telemetry"`
}

// Graph holds the loop ceilings and the human review threshold.
type Graph struct {
	GradeCeiling        int     `yaml:"gradeCeiling"`
	ToolBudget          int     `yaml:"toolBudget"`
	CritiqueCeiling     int     `yaml:"critiqueCeiling"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	TopK                int     `yaml:"topK"`
}

// Tools parameterizes the capability invoker: the per-call timeout and how
// many attempts a retryable capability gets.
type Tools struct {
	InvokeTimeout string `yaml:"invokeTimeout"`
	MaxAttempts   int    `yaml:"maxAttempts"`
}

// Timeout parses the per-call ceiling, defaulting to ten seconds.
func (t Tools) Timeout() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(t.InvokeTimeout))
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// State selects and parameterizes the session store backend.
type State struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlitePath"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisTTL      string `yaml:"redisTtl"`
}

// TTL parses the configured retention window, defaulting to thirty days.
func (s State) TTL() time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s.RedisTTL))
	if err != nil || d <= 0 {
		return 30 * 24 * time.Hour
	}
	return d
}

// Services lists the external endpoints the nodes talk to.
type Services struct {
	FHIRBaseURL          string `yaml:"fhirBaseUrl"`
	QdrantURL            string `yaml:"qdrantUrl"`
	QdrantCollection     string `yaml:"qdrantCollection"`
	QdrantAPIKey         string `yaml:"qdrantApiKey"`
	RxNormBaseURL        string `yaml:"rxnormBaseUrl"`
	OpenAIAPIKey         string `yaml:"openaiApiKey"`
	OpenAIModel          string `yaml:"openaiModel"`
	OpenAIEmbeddingModel string `yaml:"openaiEmbeddingModel"`
	OpenAIBaseURL        string `yaml:"openaiBaseUrl"`
}

// Review configures the clinician worklist queue.
type Review struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
}

// Telemetry toggles the OpenTelemetry event sink.
type Telemetry struct {
	OTel bool `yaml:"otel"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Graph: Graph{
			GradeCeiling:        3,
			ToolBudget:          5,
			CritiqueCeiling:     2,
			ConfidenceThreshold: 0.90,
			TopK:                5,
		},
		Tools: Tools{
			InvokeTimeout: "10s",
			MaxAttempts:   3,
		},
		State: State{
			Backend:    "sqlite",
			SQLitePath: "./.clinagent/sessions.db",
			RedisAddr:  "127.0.0.1:6379",
		},
		Services: Services{
			FHIRBaseURL:      "http://localhost:8080/fhir",
			QdrantURL:        "http://localhost:6333",
			QdrantCollection: "clinical_guidelines",
			RxNormBaseURL:    "https://rxnav.nlm.nih.gov",
		},
		Review: Review{
			Backend:   "none",
			RedisAddr: "127.0.0.1:6379",
		},
	}
}

// Load reads a YAML config file and fills unset fields with defaults.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Config{}, fmt.Errorf("config path is required")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve config path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", absPath, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config file %q as YAML: %w", absPath, err)
	}
	return cfg, nil
}

// ApplyEnv overrides individual fields from CLINAGENT_* (and OPENAI_API_KEY)
// environment variables. Unset variables leave the field alone.
func (c *Config) ApplyEnv() {
	setString(&c.State.Backend, "CLINAGENT_STATE_BACKEND")
	setString(&c.State.SQLitePath, "CLINAGENT_SQLITE_PATH")
	setString(&c.State.RedisAddr, "CLINAGENT_REDIS_ADDR")
	setString(&c.State.RedisPassword, "CLINAGENT_REDIS_PASSWORD")
	setString(&c.State.RedisTTL, "CLINAGENT_REDIS_TTL")

	setString(&c.Services.FHIRBaseURL, "CLINAGENT_FHIR_URL")
	setString(&c.Services.QdrantURL, "CLINAGENT_QDRANT_URL")
	setString(&c.Services.QdrantCollection, "CLINAGENT_QDRANT_COLLECTION")
	setString(&c.Services.QdrantAPIKey, "CLINAGENT_QDRANT_API_KEY")
	setString(&c.Services.RxNormBaseURL, "CLINAGENT_RXNORM_URL")
	setString(&c.Services.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.Services.OpenAIModel, "CLINAGENT_OPENAI_MODEL")
	setString(&c.Services.OpenAIEmbeddingModel, "CLINAGENT_OPENAI_EMBEDDING_MODEL")
	setString(&c.Services.OpenAIBaseURL, "CLINAGENT_OPENAI_BASE_URL")

	setString(&c.Review.Backend, "CLINAGENT_REVIEW_BACKEND")
	setString(&c.Review.RedisAddr, "CLINAGENT_REVIEW_REDIS_ADDR")
	setString(&c.Review.RedisPassword, "CLINAGENT_REVIEW_REDIS_PASSWORD")

	setInt(&c.Graph.GradeCeiling, "CLINAGENT_GRADE_CEILING")
	setInt(&c.Graph.ToolBudget, "CLINAGENT_TOOL_BUDGET")
	setInt(&c.Graph.CritiqueCeiling, "CLINAGENT_CRITIQUE_CEILING")
	setInt(&c.Graph.TopK, "CLINAGENT_TOP_K")
	setFloat(&c.Graph.ConfidenceThreshold, "CLINAGENT_CONFIDENCE_THRESHOLD")

	setString(&c.Tools.InvokeTimeout, "CLINAGENT_TOOL_TIMEOUT")
	setInt(&c.Tools.MaxAttempts, "CLINAGENT_TOOL_MAX_ATTEMPTS")

	setBool(&c.Telemetry.OTel, "CLINAGENT_OTEL")
}

// Validate rejects configurations the wiring layer cannot act on.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.State.Backend)) {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unsupported state backend %q (use sqlite, redis, or memory)", c.State.Backend)
	}
	switch strings.ToLower(strings.TrimSpace(c.Review.Backend)) {
	case "", "none", "redis":
	default:
		return fmt.Errorf("unsupported review backend %q (use redis or none)", c.Review.Backend)
	}
	if c.Graph.ConfidenceThreshold < 0 || c.Graph.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold %v must be within [0, 1]", c.Graph.ConfidenceThreshold)
	}
	if c.Graph.GradeCeiling < 1 {
		return fmt.Errorf("grade ceiling must be at least 1")
	}
	if c.Graph.ToolBudget < 0 {
		return fmt.Errorf("tool budget must not be negative")
	}
	if c.Graph.CritiqueCeiling < 0 {
		return fmt.Errorf("critique ceiling must not be negative")
	}
	if c.Tools.MaxAttempts < 1 {
		return fmt.Errorf("tool max attempts must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if val, err := strconv.Atoi(raw); err == nil {
		*dst = val
	}
}

func setFloat(dst *float64, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if val, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = val
	}
}

func setBool(dst *bool, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if val, err := strconv.ParseBool(raw); err == nil {
		*dst = val
	}
}

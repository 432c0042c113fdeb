package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dgallion1/deckgen/internal/domain"
)

// DeterministicSeed is the seed used when deterministic mode does not name one.
const DeterministicSeed = 42

type Config struct {
	Port string `yaml:"port"`

	// Auth for the HTTP API. Empty disables the check.
	APIKey string `yaml:"api_key"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or console

	// Generation endpoint (OpenAI compatible)
	LLMURL               string        `yaml:"llm_url"`
	LLMAPIKey            string        `yaml:"llm_api_key"`
	LLMModel             string        `yaml:"llm_model"`
	Temperature          float64       `yaml:"temperature"`
	MaxTokens            int           `yaml:"max_tokens"`
	LLMTimeout           time.Duration `yaml:"llm_timeout"`
	LLMRequestsPerSecond float64       `yaml:"llm_requests_per_second"`

	// Category bridge
	BridgeURL     string        `yaml:"bridge_url"`
	BridgeTimeout time.Duration `yaml:"bridge_timeout"`

	// Failure ledger persistence. Empty values disable a sink.
	LedgerDir string `yaml:"ledger_dir"`
	LedgerDB  string `yaml:"ledger_db"`

	// Job service
	WorkerCount    int           `yaml:"worker_count"`
	MaxQueueSize   int           `yaml:"max_queue_size"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	JobTTL         time.Duration `yaml:"job_ttl"`

	Generation Generation `yaml:"generation"`
}

// Generation is the immutable per-run configuration handed to the
// orchestrator. It is copied by value and never changed while a run is active.
type Generation struct {
	Concurrency   int   `yaml:"concurrency"`
	Deterministic bool  `yaml:"deterministic"`
	Seed          int64 `yaml:"seed"`

	Density            domain.DensityMode `yaml:"density"`
	Language           string             `yaml:"language"`
	CustomInstructions string             `yaml:"custom_instructions"`
	ContextWindow      int                `yaml:"context_window"`
	ChunkChars         int                `yaml:"chunk_chars"` // explicit budget; 0 derives it

	FilterYesNo       bool              `yaml:"filter_yes_no"`
	ExcludeTrivia     bool              `yaml:"exclude_trivia"`
	// SmartDeckMatch scores card content against categories, shuffles the
	// category list in prompts and moves unmatched cards to the chunk's
	// dominant category. Off, only the model's suggested deck is used.
	SmartDeckMatch bool `yaml:"smart_deck_match"`
	Refine            bool              `yaml:"refine"`
	CategoryThreshold float64           `yaml:"category_threshold"`
	FallbackCategory  string            `yaml:"fallback_category"`
	Categories        []domain.Category `yaml:"categories"`

	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	MaxInputBytes int64 `yaml:"max_input_bytes"`
	MaxChunks     int   `yaml:"max_chunks"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:      "8090",
		LogLevel:  "info",
		LogFormat: "json",

		LLMURL:      "http://localhost:1234/v1",
		LLMAPIKey:   "lm-studio",
		LLMModel:    "local-model",
		Temperature: 0.7,
		LLMTimeout:  120 * time.Second,

		BridgeURL:     "http://127.0.0.1:5005",
		BridgeTimeout: 10 * time.Second,

		WorkerCount:    2,
		MaxQueueSize:   100,
		MaxUploadBytes: 50 << 20,
		JobTTL:         time.Hour,

		Generation: DefaultGeneration(),
	}
}

// DefaultGeneration returns the built-in per-run settings.
func DefaultGeneration() Generation {
	return Generation{
		Concurrency:       4,
		Seed:              DeterministicSeed,
		Density:           domain.DensityMedium,
		Language:          "English",
		ContextWindow:     4096,
		FilterYesNo:       true,
		ExcludeTrivia:     true,
		SmartDeckMatch:    true,
		CategoryThreshold: 0,
		FallbackCategory:  "Uncategorized",
		MaxAttempts:       3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     30 * time.Second,
		AttemptTimeout:    120 * time.Second,
		MaxInputBytes:     50 << 20,
		MaxChunks:         500,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// DECKGEN_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("DECKGEN_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envOr("PORT", c.Port)
	c.APIKey = envOr("DECKGEN_API_KEY", c.APIKey)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	c.LLMURL = envOr("LLM_URL", c.LLMURL)
	c.LLMAPIKey = envOr("LLM_API_KEY", c.LLMAPIKey)
	c.LLMModel = envOr("LLM_MODEL", c.LLMModel)
	c.Temperature = envFloat("LLM_TEMPERATURE", c.Temperature)
	c.MaxTokens = envInt("LLM_MAX_TOKENS", c.MaxTokens)
	c.LLMTimeout = envDuration("LLM_TIMEOUT", c.LLMTimeout)
	c.LLMRequestsPerSecond = envFloat("LLM_REQUESTS_PER_SECOND", c.LLMRequestsPerSecond)

	c.BridgeURL = envOr("BRIDGE_URL", c.BridgeURL)
	c.BridgeTimeout = envDuration("BRIDGE_TIMEOUT", c.BridgeTimeout)

	c.LedgerDir = envOr("LEDGER_DIR", c.LedgerDir)
	c.LedgerDB = envOr("LEDGER_DB", c.LedgerDB)

	c.WorkerCount = envInt("WORKER_COUNT", c.WorkerCount)
	c.MaxQueueSize = envInt("MAX_QUEUE_SIZE", c.MaxQueueSize)
	c.MaxUploadBytes = envInt64("MAX_UPLOAD_BYTES", c.MaxUploadBytes)
	c.JobTTL = envDuration("JOB_TTL", c.JobTTL)

	g := &c.Generation
	g.Concurrency = envInt("CONCURRENCY", g.Concurrency)
	g.Deterministic = envBool("DETERMINISTIC", g.Deterministic)
	g.Seed = envInt64("SEED", g.Seed)
	g.Density = domain.DensityMode(envOr("DENSITY", string(g.Density)))
	g.Language = envOr("LANGUAGE", g.Language)
	g.CustomInstructions = envOr("CUSTOM_INSTRUCTIONS", g.CustomInstructions)
	g.ContextWindow = envInt("LLM_CONTEXT_WINDOW", g.ContextWindow)
	g.ChunkChars = envInt("CHUNK_CHARS", g.ChunkChars)
	g.FilterYesNo = envBool("FILTER_YES_NO", g.FilterYesNo)
	g.ExcludeTrivia = envBool("EXCLUDE_TRIVIA", g.ExcludeTrivia)
	g.SmartDeckMatch = envBool("SMART_DECK_MATCH", g.SmartDeckMatch)
	g.Refine = envBool("REFINE", g.Refine)
	g.CategoryThreshold = envFloat("CATEGORY_THRESHOLD", g.CategoryThreshold)
	g.FallbackCategory = envOr("FALLBACK_CATEGORY", g.FallbackCategory)
	g.MaxAttempts = envInt("MAX_ATTEMPTS", g.MaxAttempts)
	g.RetryBaseDelay = envDuration("RETRY_BASE_DELAY", g.RetryBaseDelay)
	g.RetryMaxDelay = envDuration("RETRY_MAX_DELAY", g.RetryMaxDelay)
	g.AttemptTimeout = envDuration("ATTEMPT_TIMEOUT", g.AttemptTimeout)
	g.MaxInputBytes = envInt64("MAX_INPUT_BYTES", g.MaxInputBytes)
	g.MaxChunks = envInt("MAX_CHUNKS", g.MaxChunks)
}

// normalize replaces unusable values with defaults.
func (c *Config) normalize() {
	d := Default()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	if c.JobTTL <= 0 {
		c.JobTTL = d.JobTTL
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = d.BridgeTimeout
	}
	c.Generation = c.Generation.Normalized()
}

// Normalized returns g with unusable values replaced by defaults.
func (g Generation) Normalized() Generation {
	d := DefaultGeneration()
	g.Density = domain.ParseDensity(string(g.Density))
	if g.Concurrency <= 0 {
		g.Concurrency = 1
	}
	if g.Deterministic {
		g.Concurrency = 1
		if g.Seed == 0 {
			g.Seed = DeterministicSeed
		}
	}
	if g.Language == "" {
		g.Language = d.Language
	}
	if g.ContextWindow <= 0 {
		g.ContextWindow = d.ContextWindow
	}
	if g.MaxAttempts <= 0 {
		g.MaxAttempts = d.MaxAttempts
	}
	if g.RetryBaseDelay <= 0 {
		g.RetryBaseDelay = d.RetryBaseDelay
	}
	if g.RetryMaxDelay < g.RetryBaseDelay {
		g.RetryMaxDelay = g.RetryBaseDelay
	}
	if g.AttemptTimeout <= 0 {
		g.AttemptTimeout = d.AttemptTimeout
	}
	if g.MaxInputBytes <= 0 {
		g.MaxInputBytes = d.MaxInputBytes
	}
	if g.MaxChunks <= 0 {
		g.MaxChunks = d.MaxChunks
	}
	if g.FallbackCategory == "" {
		g.FallbackCategory = d.FallbackCategory
	}
	return g
}

func (c Config) Validate() error {
	if c.LLMURL == "" {
		return fmt.Errorf("LLM_URL is required")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.Temperature < 0 {
		return fmt.Errorf("LLM_TEMPERATURE must not be negative, got %v", c.Temperature)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return c.Generation.Validate()
}

// Validate checks settings that cannot be repaired by defaults.
func (g Generation) Validate() error {
	if g.CategoryThreshold < 0 {
		return fmt.Errorf("CATEGORY_THRESHOLD must not be negative, got %v", g.CategoryThreshold)
	}
	if g.ChunkChars < 0 {
		return fmt.Errorf("CHUNK_CHARS must not be negative, got %d", g.ChunkChars)
	}
	if g.ContextWindow > 0 && g.ContextWindow < 512 {
		return fmt.Errorf("LLM_CONTEXT_WINDOW too small: %d", g.ContextWindow)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

/*
Package core provides configuration management and logging initialization
for the seqthink server.

This file handles:
- Loading configuration from defaults, an optional YAML file and environment variables
- Structured logging setup with configurable levels
- Validation of the reasoning limits before the orchestrator is built

Environment variables take precedence over the YAML file so that deployments
can override a shared file per instance.
*/
package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"seqthink/thinking"
)

// Generator backends.
const (
	BackendHTTP   = "http"
	BackendStream = "stream"
	BackendOllama = "ollama"
	BackendGemini = "gemini"
)

// Config holds all configurable values for the seqthink server.
type Config struct {
	// Server configuration
	Port string `yaml:"port" validate:"required"`

	// Thought generation backend
	GeneratorBackend string `yaml:"generatorBackend" validate:"oneof=http stream ollama gemini"`
	UpstreamURL      string `yaml:"upstreamURL" validate:"required,url"` // reasoning and streaming endpoints

	// Ollama LLM configuration
	OllamaEndpoint string `yaml:"ollamaEndpoint"`
	OllamaModel    string `yaml:"ollamaModel"`

	// Gemini LLM configuration
	GeminiAPIKey string `yaml:"geminiAPIKey"`
	GeminiModel  string `yaml:"geminiModel"`

	// Timeouts
	GenerateTimeout time.Duration `yaml:"generateTimeout" validate:"gt=0"` // one generation attempt
	StreamTimeout   time.Duration `yaml:"streamTimeout" validate:"gt=0"`   // one relayed stream session
	LockTimeout     time.Duration `yaml:"lockTimeout" validate:"gt=0"`     // watchdog on the step lock
	StuckThreshold  time.Duration `yaml:"stuckThreshold" validate:"gt=0"`  // status auto-reset

	// Reasoning limits
	MinThoughts        int           `yaml:"minThoughts" validate:"min=1"`
	MaxThoughts        int           `yaml:"maxThoughts" validate:"gtefield=MinThoughts"`
	MaxSteps           int           `yaml:"maxSteps" validate:"min=1"`
	MaxAttempts        int           `yaml:"maxAttempts" validate:"min=1,max=10"`
	StepDelay          time.Duration `yaml:"stepDelay" validate:"gte=0"`
	MaxTokens          int           `yaml:"maxTokens" validate:"min=1"`
	WordCount          int           `yaml:"wordCount" validate:"min=1"`
	ThoughtEchoPattern string        `yaml:"thoughtEchoPattern"`

	// Relay session memory
	SessionMaxAge   time.Duration `yaml:"sessionMaxAge" validate:"gt=0"`
	CleanupInterval time.Duration `yaml:"cleanupInterval" validate:"gt=0"`
	ContextLimit    int           `yaml:"contextLimit" validate:"min=1"`

	// Logging and debugging configuration
	LogLevel          string `yaml:"logLevel"`
	LogTruncateLength int    `yaml:"logTruncateLength" validate:"min=1"`
	DebugMode         bool   `yaml:"debugMode"` // forces debug logging and echo debug mode

	// Request limits
	MaxConcurrentStreams int     `yaml:"maxConcurrentStreams" validate:"min=1"`
	RateLimit            float64 `yaml:"rateLimit" validate:"gte=0"` // requests per second per client, 0 disables
}

var configValidate = validator.New()

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Port: "8080",

		GeneratorBackend: BackendHTTP,
		UpstreamURL:      "http://localhost:8000",

		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "qwen3",

		GeminiModel: "gemini-2.0-flash",

		GenerateTimeout: 200 * time.Second,
		StreamTimeout:   120 * time.Second,
		LockTimeout:     60 * time.Second,
		StuckThreshold:  2 * time.Minute,

		MinThoughts: 3,
		MaxThoughts: 5,
		MaxSteps:    5,
		MaxAttempts: 3,
		StepDelay:   600 * time.Millisecond,
		MaxTokens:   512,
		WordCount:   200,

		SessionMaxAge:   24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		ContextLimit:    10,

		LogLevel:          "info",
		LogTruncateLength: 500,
		DebugMode:         false,

		MaxConcurrentStreams: 100,
		RateLimit:            20,
	}
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// CONFIG_FILE (if any) and environment variables, in that order, and validates
// the result.
//
// Environment Variables:
//   - PORT, GENERATOR_BACKEND (http|stream|ollama|gemini), UPSTREAM_URL
//   - OLLAMA_ENDPOINT, OLLAMA_MODEL, GEMINI_API_KEY, GEMINI_MODEL
//   - GENERATE_TIMEOUT, STREAM_TIMEOUT, LOCK_TIMEOUT, STUCK_THRESHOLD (seconds)
//   - MIN_THOUGHTS, MAX_THOUGHTS, MAX_STEPS, MAX_ATTEMPTS, MAX_TOKENS, WORD_COUNT
//   - STEP_DELAY_MS (milliseconds), THOUGHT_ECHO_PATTERN (regular expression)
//   - SESSION_MAX_AGE_HOURS, CLEANUP_INTERVAL_MINUTES, CONTEXT_LIMIT
//   - LOG_LEVEL, LOG_TRUNCATE_LENGTH, DEBUG_MODE ("true"/"1")
//   - MAX_CONCURRENT_STREAMS, RATE_LIMIT (requests per second)
func LoadConfig() (*Config, error) {
	config := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}
	config.applyEnv()

	// Gemini without a key falls back to the local model.
	if config.GeneratorBackend == BackendGemini && config.GeminiAPIKey == "" {
		config.GeneratorBackend = BackendOllama
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := thinking.NewGate(c.ThoughtEchoPattern); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	// Server configuration
	envString("PORT", &c.Port)
	if backend := strings.ToLower(os.Getenv("GENERATOR_BACKEND")); backend != "" {
		switch backend {
		case BackendHTTP, BackendStream, BackendOllama, BackendGemini:
			c.GeneratorBackend = backend
		}
	}
	envString("UPSTREAM_URL", &c.UpstreamURL)

	// Model providers
	envString("OLLAMA_ENDPOINT", &c.OllamaEndpoint)
	envString("OLLAMA_MODEL", &c.OllamaModel)
	envString("GEMINI_API_KEY", &c.GeminiAPIKey)
	envString("GEMINI_MODEL", &c.GeminiModel)

	// Timeouts with validation
	envDuration("GENERATE_TIMEOUT", time.Second, &c.GenerateTimeout)
	envDuration("STREAM_TIMEOUT", time.Second, &c.StreamTimeout)
	envDuration("LOCK_TIMEOUT", time.Second, &c.LockTimeout)
	envDuration("STUCK_THRESHOLD", time.Second, &c.StuckThreshold)

	// Reasoning limits
	envInt("MIN_THOUGHTS", &c.MinThoughts)
	envInt("MAX_THOUGHTS", &c.MaxThoughts)
	envInt("MAX_STEPS", &c.MaxSteps)
	envInt("MAX_ATTEMPTS", &c.MaxAttempts)
	envInt("MAX_TOKENS", &c.MaxTokens)
	envInt("WORD_COUNT", &c.WordCount)
	if delay := os.Getenv("STEP_DELAY_MS"); delay != "" {
		if val, err := strconv.Atoi(delay); err == nil && val >= 0 {
			c.StepDelay = time.Duration(val) * time.Millisecond
		}
	}
	envString("THOUGHT_ECHO_PATTERN", &c.ThoughtEchoPattern)

	// Relay session memory
	envDuration("SESSION_MAX_AGE_HOURS", time.Hour, &c.SessionMaxAge)
	envDuration("CLEANUP_INTERVAL_MINUTES", time.Minute, &c.CleanupInterval)
	envInt("CONTEXT_LIMIT", &c.ContextLimit)

	// Logging configuration
	envString("LOG_LEVEL", &c.LogLevel)
	envInt("LOG_TRUNCATE_LENGTH", &c.LogTruncateLength)
	if debug := os.Getenv("DEBUG_MODE"); debug != "" {
		c.DebugMode = strings.ToLower(debug) == "true" || debug == "1"
	}

	// Request limits
	envInt("MAX_CONCURRENT_STREAMS", &c.MaxConcurrentStreams)
	if rate := os.Getenv("RATE_LIMIT"); rate != "" {
		if val, err := strconv.ParseFloat(rate, 64); err == nil && val >= 0 {
			c.RateLimit = val
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// envInt ignores unparsable and non-positive values.
func envInt(key string, dst *int) {
	if raw := os.Getenv(key); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil && val > 0 {
			*dst = val
		}
	}
}

func envDuration(key string, unit time.Duration, dst *time.Duration) {
	if raw := os.Getenv(key); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil && val > 0 {
			*dst = time.Duration(val) * unit
		}
	}
}

// ThinkingOptions maps the reasoning limits onto orchestrator options.
func (c *Config) ThinkingOptions() thinking.Options {
	opts := thinking.DefaultOptions()
	opts.MinThoughts = c.MinThoughts
	opts.MaxThoughts = c.MaxThoughts
	opts.MaxSteps = c.MaxSteps
	opts.MaxAttempts = c.MaxAttempts
	opts.StepDelay = c.StepDelay
	opts.LockTimeout = c.LockTimeout
	opts.GenerationTimeout = c.GenerateTimeout
	opts.MaxTokens = c.MaxTokens
	return opts
}

// InitializeLogger configures and returns a structured logger based on the
// provided configuration: JSON output on stdout with RFC3339 timestamps.
//
// Parameters:
//   - config: Configuration object containing logging preferences
//
// Returns:
//   - *logrus.Logger: Configured logger instance ready for use
func InitializeLogger(config *Config) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	if config.DebugMode {
		logger.SetLevel(logrus.DebugLevel)
	}

	logger.SetOutput(os.Stdout)

	logger.WithFields(logrus.Fields{
		"generatorBackend":     config.GeneratorBackend,
		"upstreamURL":          config.UpstreamURL,
		"ollamaEndpoint":       config.OllamaEndpoint,
		"ollamaModel":          config.OllamaModel,
		"geminiModel":          config.GeminiModel,
		"generateTimeout":      config.GenerateTimeout,
		"streamTimeout":        config.StreamTimeout,
		"lockTimeout":          config.LockTimeout,
		"stuckThreshold":       config.StuckThreshold,
		"thoughtRange":         fmt.Sprintf("%d-%d", config.MinThoughts, config.MaxThoughts),
		"maxSteps":             config.MaxSteps,
		"maxAttempts":          config.MaxAttempts,
		"stepDelay":            config.StepDelay,
		"sessionMaxAge":        config.SessionMaxAge,
		"cleanupInterval":      config.CleanupInterval,
		"contextLimit":         config.ContextLimit,
		"logTruncateLength":    config.LogTruncateLength,
		"debugMode":            config.DebugMode,
		"maxConcurrentStreams": config.MaxConcurrentStreams,
		"rateLimit":            config.RateLimit,
	}).Info("Configuration loaded")

	return logger
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds run configuration.
type Config struct {
	Agent         string
	ScenarioPath  string
	ScenarioLimit int
	BatchSize     int
	OutputDir     string
	LogLevel      string

	// Language models
	LLMProvider         string
	LLMFallbackProvider string
	BedrockModelID      string
	GeminiAPIKey        string
	GeminiModelID       string
	OpenAIAPIKey        string
	OpenAIModel         string
	JudgeModelID        string
	LLMCallTimeout      time.Duration
	LLMMaxAttempts      int
	LLMRetryBaseDelay   time.Duration
	InterTurnDelay      time.Duration
	MaxTurnsPerRound    int

	// AWS
	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	// Optional sinks
	ResultsS3Bucket    string
	ResultsDatabaseURL string
	ResultsQueueURL    string
	RunLedgerTable     string
	RedisAddr          string
	RedisPassword      string
	LLMCacheTTL        time.Duration
	ReportEmailTo      []string
	ReportEmailFrom    string
	MetricsAddr        string
}

const (
	ProviderBedrock = "bedrock"
	ProviderGemini  = "gemini"
	ProviderOpenAI  = "openai"
)

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Agent:         strings.ToLower(strings.TrimSpace(getEnv("AGENT", "titration"))),
		ScenarioPath:  getEnv("SCENARIO_PATH", "data/conversations.json"),
		ScenarioLimit: getEnvAsInt("SCENARIO_LIMIT", 0),
		BatchSize:     getEnvAsInt("BATCH_SIZE", 5),
		OutputDir:     getEnv("OUTPUT_DIR", "results"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		LLMProvider:         strings.ToLower(strings.TrimSpace(getEnv("LLM_PROVIDER", ProviderBedrock))),
		LLMFallbackProvider: strings.ToLower(strings.TrimSpace(getEnv("LLM_FALLBACK_PROVIDER", ""))),
		BedrockModelID:      getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:        getEnv("GEMINI_API_KEY", ""),
		GeminiModelID:       getEnv("GEMINI_MODEL_ID", ""),
		OpenAIAPIKey:        getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         getEnv("OPENAI_MODEL", ""),
		JudgeModelID:        getEnv("JUDGE_MODEL_ID", ""),
		LLMCallTimeout:      getEnvAsDuration("LLM_CALL_TIMEOUT", 60*time.Second),
		LLMMaxAttempts:      getEnvAsInt("LLM_MAX_ATTEMPTS", 3),
		LLMRetryBaseDelay:   getEnvAsDuration("LLM_RETRY_BASE_DELAY", time.Second),
		InterTurnDelay:      getEnvAsDuration("INTER_TURN_DELAY", 500*time.Millisecond),
		MaxTurnsPerRound:    getEnvAsInt("MAX_TURNS_PER_ROUND", 10),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		ResultsS3Bucket:    getEnv("RESULTS_S3_BUCKET", ""),
		ResultsDatabaseURL: getEnv("RESULTS_DATABASE_URL", ""),
		ResultsQueueURL:    getEnv("RESULTS_QUEUE_URL", ""),
		RunLedgerTable:     getEnv("RUN_LEDGER_TABLE", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		LLMCacheTTL:        getEnvAsDuration("LLM_CACHE_TTL", 7*24*time.Hour),
		ReportEmailTo:      getEnvAsList("REPORT_EMAIL_TO"),
		ReportEmailFrom:    getEnv("REPORT_EMAIL_FROM", ""),
		MetricsAddr:        getEnv("METRICS_ADDR", ""),
	}
}

// EvaluatorModel is the model used for judging, defaulting to the agent model
// of the primary provider.
func (c *Config) EvaluatorModel() string {
	if c.JudgeModelID != "" {
		return c.JudgeModelID
	}
	return c.ModelFor(c.LLMProvider)
}

// ModelFor returns the configured model id of a provider.
func (c *Config) ModelFor(provider string) string {
	switch provider {
	case ProviderBedrock:
		return c.BedrockModelID
	case ProviderGemini:
		return c.GeminiModelID
	case ProviderOpenAI:
		return c.OpenAIModel
	}
	return ""
}

// Validate reports every problem at once. knownAgents are the registry keys.
func (c *Config) Validate(knownAgents []string) error {
	var errs []error
	if !contains(knownAgents, c.Agent) {
		errs = append(errs, fmt.Errorf("config: unknown AGENT %q (known: %s)", c.Agent, strings.Join(knownAgents, ", ")))
	}
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("config: BATCH_SIZE must be at least 1, got %d", c.BatchSize))
	}
	if c.ScenarioLimit < 0 {
		errs = append(errs, fmt.Errorf("config: SCENARIO_LIMIT must not be negative, got %d", c.ScenarioLimit))
	}
	if c.ScenarioPath == "" {
		errs = append(errs, errors.New("config: SCENARIO_PATH is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("config: OUTPUT_DIR is required"))
	}
	if c.MaxTurnsPerRound < 2 {
		errs = append(errs, fmt.Errorf("config: MAX_TURNS_PER_ROUND must be at least 2, got %d", c.MaxTurnsPerRound))
	}
	if c.LLMMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("config: LLM_MAX_ATTEMPTS must be at least 1, got %d", c.LLMMaxAttempts))
	}
	if c.LLMCallTimeout <= 0 {
		errs = append(errs, errors.New("config: LLM_CALL_TIMEOUT must be positive"))
	}
	if c.InterTurnDelay < 0 {
		errs = append(errs, errors.New("config: INTER_TURN_DELAY must not be negative"))
	}

	if err := c.validateProvider("LLM_PROVIDER", c.LLMProvider); err != nil {
		errs = append(errs, err)
	}
	if c.LLMFallbackProvider != "" {
		if c.LLMFallbackProvider == c.LLMProvider {
			errs = append(errs, errors.New("config: LLM_FALLBACK_PROVIDER must differ from LLM_PROVIDER"))
		} else if err := c.validateProvider("LLM_FALLBACK_PROVIDER", c.LLMFallbackProvider); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.ReportEmailTo) > 0 && c.ReportEmailFrom == "" {
		errs = append(errs, errors.New("config: REPORT_EMAIL_FROM is required when REPORT_EMAIL_TO is set"))
	}
	return errors.Join(errs...)
}

func (c *Config) validateProvider(key, provider string) error {
	switch provider {
	case ProviderBedrock:
		if c.BedrockModelID == "" {
			return fmt.Errorf("config: %s=bedrock requires BEDROCK_MODEL_ID", key)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("config: %s=gemini requires GEMINI_API_KEY", key)
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("config: %s=openai requires OPENAI_API_KEY", key)
		}
	default:
		return fmt.Errorf("config: unknown %s %q (bedrock, gemini, openai)", key, provider)
	}
	return nil
}

// UsesAWS reports whether any AWS service client is needed.
func (c *Config) UsesAWS() bool {
	return c.LLMProvider == ProviderBedrock || c.LLMFallbackProvider == ProviderBedrock ||
		c.ResultsS3Bucket != "" || c.ResultsQueueURL != "" || c.RunLedgerTable != "" ||
		len(c.ReportEmailTo) > 0
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

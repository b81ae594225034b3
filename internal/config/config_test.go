package config

import (
	"strings"
	"testing"
	"time"
)

var agents = []string{"baseline", "titration"}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AGENT", "SCENARIO_PATH", "SCENARIO_LIMIT", "BATCH_SIZE", "OUTPUT_DIR", "LOG_LEVEL",
		"LLM_PROVIDER", "LLM_FALLBACK_PROVIDER", "BEDROCK_MODEL_ID", "GEMINI_API_KEY", "GEMINI_MODEL_ID",
		"OPENAI_API_KEY", "OPENAI_MODEL", "JUDGE_MODEL_ID", "LLM_CALL_TIMEOUT", "LLM_MAX_ATTEMPTS",
		"LLM_RETRY_BASE_DELAY", "INTER_TURN_DELAY", "MAX_TURNS_PER_ROUND", "REPORT_EMAIL_TO",
		"REPORT_EMAIL_FROM", "RESULTS_S3_BUCKET", "RESULTS_QUEUE_URL", "RUN_LEDGER_TABLE",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	if cfg.Agent != "titration" {
		t.Fatalf("expected default agent, got %s", cfg.Agent)
	}
	if cfg.BatchSize != 5 {
		t.Fatalf("expected default batch size 5, got %d", cfg.BatchSize)
	}
	if cfg.ScenarioPath != "data/conversations.json" {
		t.Fatalf("expected default scenario path, got %s", cfg.ScenarioPath)
	}
	if cfg.OutputDir != "results" {
		t.Fatalf("expected default output dir, got %s", cfg.OutputDir)
	}
	if cfg.LLMCallTimeout != 60*time.Second {
		t.Fatalf("expected default call timeout, got %s", cfg.LLMCallTimeout)
	}
	if cfg.InterTurnDelay != 500*time.Millisecond {
		t.Fatalf("expected default inter-turn delay, got %s", cfg.InterTurnDelay)
	}
	if cfg.MaxTurnsPerRound != 10 {
		t.Fatalf("expected default turn cap 10, got %d", cfg.MaxTurnsPerRound)
	}
	if cfg.ReportEmailTo != nil {
		t.Fatalf("expected no report recipients, got %v", cfg.ReportEmailTo)
	}
	if !cfg.UsesAWS() {
		t.Fatalf("bedrock is the default provider and needs AWS")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENT", " Baseline ")
	t.Setenv("BATCH_SIZE", "8")
	t.Setenv("SCENARIO_LIMIT", "12")
	t.Setenv("LLM_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("INTER_TURN_DELAY", "0s")
	t.Setenv("REPORT_EMAIL_TO", "a@example.com, ,b@example.com")
	cfg := Load()
	if cfg.Agent != "baseline" {
		t.Fatalf("expected normalized agent, got %q", cfg.Agent)
	}
	if cfg.BatchSize != 8 || cfg.ScenarioLimit != 12 {
		t.Fatalf("expected batch 8 limit 12, got %d %d", cfg.BatchSize, cfg.ScenarioLimit)
	}
	if cfg.LLMProvider != ProviderOpenAI {
		t.Fatalf("expected openai provider, got %s", cfg.LLMProvider)
	}
	if cfg.EvaluatorModel() != "gpt-4o" {
		t.Fatalf("expected judge model to default to agent model, got %s", cfg.EvaluatorModel())
	}
	if cfg.InterTurnDelay != 0 {
		t.Fatalf("expected zero delay, got %s", cfg.InterTurnDelay)
	}
	if len(cfg.ReportEmailTo) != 2 || cfg.ReportEmailTo[1] != "b@example.com" {
		t.Fatalf("expected two recipients, got %v", cfg.ReportEmailTo)
	}
	if cfg.UsesAWS() {
		t.Fatalf("openai with no AWS sinks should not need AWS")
	}

	t.Setenv("JUDGE_MODEL_ID", "gpt-4.1")
	if got := Load().EvaluatorModel(); got != "gpt-4.1" {
		t.Fatalf("expected explicit judge model, got %s", got)
	}
}

func valid() *Config {
	return &Config{
		Agent:            "titration",
		ScenarioPath:     "data/conversations.json",
		BatchSize:        5,
		OutputDir:        "results",
		LLMProvider:      ProviderBedrock,
		BedrockModelID:   "anthropic.claude-3-5-sonnet",
		LLMCallTimeout:   time.Minute,
		LLMMaxAttempts:   3,
		MaxTurnsPerRound: 10,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown agent", func(c *Config) { c.Agent = "gpt-agent" }, `unknown AGENT "gpt-agent"`},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "BATCH_SIZE must be at least 1"},
		{"negative limit", func(c *Config) { c.ScenarioLimit = -1 }, "SCENARIO_LIMIT must not be negative"},
		{"bedrock without model", func(c *Config) { c.BedrockModelID = "" }, "requires BEDROCK_MODEL_ID"},
		{"gemini without key", func(c *Config) { c.LLMProvider = ProviderGemini }, "requires GEMINI_API_KEY"},
		{"unknown provider", func(c *Config) { c.LLMProvider = "mistral" }, `unknown LLM_PROVIDER "mistral"`},
		{"fallback same as primary", func(c *Config) { c.LLMFallbackProvider = ProviderBedrock }, "must differ"},
		{"fallback without key", func(c *Config) { c.LLMFallbackProvider = ProviderOpenAI }, "LLM_FALLBACK_PROVIDER=openai requires OPENAI_API_KEY"},
		{"report without sender", func(c *Config) { c.ReportEmailTo = []string{"a@example.com"} }, "REPORT_EMAIL_FROM is required"},
		{"tiny turn cap", func(c *Config) { c.MaxTurnsPerRound = 1 }, "MAX_TURNS_PER_ROUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate(agents)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateReportsEverything(t *testing.T) {
	cfg := valid()
	cfg.Agent = "nope"
	cfg.BatchSize = 0
	err := cfg.Validate(agents)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "AGENT") || !strings.Contains(err.Error(), "BATCH_SIZE") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

package bootstrap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/titration-sim/internal/config"
	"github.com/wolfman30/titration-sim/internal/llm"
	"github.com/wolfman30/titration-sim/internal/observability/metrics"
	"github.com/wolfman30/titration-sim/pkg/logging"
)

// LLMClients are the two call stacks a run needs. Agents and the patient use
// Conversation; judges and classifiers use Evaluator, which adds the Redis
// response cache when one is available.
type LLMClients struct {
	Conversation llm.Client
	Evaluator    llm.Client
}

// BuildLLMClients wires provider -> retry -> fallback -> instrumentation.
// awsCfg is only consulted for the bedrock provider and may be nil otherwise.
func BuildLLMClients(ctx context.Context, cfg *appconfig.Config, awsCfg *aws.Config, rdb *redis.Client, m *metrics.RunMetrics, logger *logging.Logger) (LLMClients, error) {
	if cfg == nil {
		return LLMClients{}, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	policy := llm.RetryPolicy{
		MaxAttempts: cfg.LLMMaxAttempts,
		BaseDelay:   cfg.LLMRetryBaseDelay,
		CallTimeout: cfg.LLMCallTimeout,
	}

	primary, err := buildProvider(ctx, cfg.LLMProvider, cfg, awsCfg)
	if err != nil {
		return LLMClients{}, err
	}
	// Each provider retries under its own call timeout, so a primary that
	// times out still leaves the fallback a full budget.
	var fallback llm.Client
	if cfg.LLMFallbackProvider != "" {
		raw, err := buildProvider(ctx, cfg.LLMFallbackProvider, cfg, awsCfg)
		if err != nil {
			return LLMClients{}, err
		}
		fallback = llm.NewRetryClient(raw, policy, logger)
		logger.Info("llm fallback enabled", "primary", cfg.LLMProvider, "fallback", cfg.LLMFallbackProvider)
	}
	base := llm.NewFallbackClient(llm.NewRetryClient(primary, policy, logger), fallback, logger)

	clients := LLMClients{Conversation: llm.NewInstrumentedClient(base, m)}
	if rdb != nil {
		clients.Evaluator = llm.NewInstrumentedClient(llm.NewCachingClient(base, rdb, cfg.LLMCacheTTL, logger), m)
		logger.Info("evaluator response cache enabled", "ttl", cfg.LLMCacheTTL.String())
	} else {
		clients.Evaluator = clients.Conversation
	}
	return clients, nil
}

func buildProvider(ctx context.Context, name string, cfg *appconfig.Config, awsCfg *aws.Config) (llm.Client, error) {
	switch name {
	case appconfig.ProviderBedrock:
		if awsCfg == nil {
			return nil, fmt.Errorf("bootstrap: bedrock provider needs AWS config")
		}
		return llm.NewBedrockClient(bedrockruntime.NewFromConfig(*awsCfg), cfg.BedrockModelID), nil
	case appconfig.ProviderGemini:
		c, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: gemini client: %w", err)
		}
		return c, nil
	case appconfig.ProviderOpenAI:
		c, err := llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: openai client: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("bootstrap: unknown llm provider %q", name)
}

// Package llm is the language-model service used by the agents, the patient
// simulator and the evaluators.
package llm

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one role-tagged entry of the model context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int32 `json:"input_tokens"`
	OutputTokens int32 `json:"output_tokens"`
	TotalTokens  int32 `json:"total_tokens"`
}

// Request is a provider-neutral completion request. Purpose names the caller
// (assistant, patient, judge, ...) for metrics, tracing and error reports.
type Request struct {
	Purpose     string    `json:"-"`
	Model       string    `json:"model"`
	System      []string  `json:"system"`
	Messages    []Message `json:"messages"`
	MaxTokens   int32     `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
	TopP        float32   `json:"top_p"`
}

type Response struct {
	Text       string `json:"text"`
	Usage      Usage  `json:"usage"`
	StopReason string `json:"stop_reason"`
	Cached     bool   `json:"-"`
}

// Client completes a request. Implementations must be safe for concurrent use.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

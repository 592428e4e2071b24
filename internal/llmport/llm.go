// Package llmport defines the coordinator's LLM contract: the narrow
// request/response shape the daemon needs from whichever model backs the
// debate-and-dispatch loop, mirroring the provider-agnostic client contract
// used across this codebase's other LLM call sites.
package llmport

import (
	"context"
	"fmt"
)

// Message is one turn in the conversation handed to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries everything the coordinator's single evaluation
// call needs from a model turn.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// TokenUsage tracks token consumption for a single completion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the model's reply. Content is the full text output;
// the coordinator does not ask for a structured plan — the model issues
// shell commands directly to the daemon's CLI via a tool-use channel the LLM
// provider implements, so Content here is whatever the provider returns
// after that channel has already run its side effects.
type CompletionResponse struct {
	Content    string     `json:"content"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      TokenUsage `json:"usage"`
}

// Client is the minimal contract the coordinator needs from an LLM
// provider. Concrete providers (Anthropic, OpenAI, a local model) live
// outside this core; the daemon depends only on this interface.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Model() string
}

// UnconfiguredClient is a stand-in Client that fails every call, used when
// the daemon starts without a provider wired. It lets the rest of the
// process come up (health checks, RPC transport, CLI commands that don't
// touch the coordinator) rather than refusing to boot outright.
type UnconfiguredClient struct {
	ModelName string
}

// Complete implements Client.
func (c UnconfiguredClient) Complete(context.Context, CompletionRequest) (*CompletionResponse, error) {
	return nil, fmt.Errorf("llmport: no provider configured for model %q", c.ModelName)
}

// Model implements Client.
func (c UnconfiguredClient) Model() string { return c.ModelName }

// Package model holds the provider-neutral request and response types and
// the Anthropic and OpenAI-compatible backends that speak them.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/tool"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation. Assistant messages may carry
// tool calls; tool messages answer exactly one call.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []tool.Call `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}

// Request is one model round.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []tool.Definition
	MaxTokens   int
	Temperature *float64
	// Extra is a JSON object merged into the provider request body.
	Extra json.RawMessage
}

// Response is what a round produced.
type Response struct {
	Text       string
	ToolCalls  []tool.Call
	StopReason string
	Usage      bus.Usage
}

// Backend performs one round. onText receives streamed text as it arrives
// and may be nil.
type Backend interface {
	Complete(ctx context.Context, req Request, onText func(string)) (*Response, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, req Request, onText func(string)) (*Response, error)

func (f BackendFunc) Complete(ctx context.Context, req Request, onText func(string)) (*Response, error) {
	return f(ctx, req, onText)
}

// TransportError marks a failure talking to the provider.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err came from a provider call.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Config selects and configures a backend.
type Config struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	MaxRetries  int
	Temperature *float64
}

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// New builds the backend named by cfg.Provider. An empty provider means
// Anthropic unless a base URL is set, which implies an OpenAI-compatible
// endpoint.
func New(cfg Config) (Backend, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderAnthropic
		if cfg.BaseURL != "" {
			provider = ProviderOpenAI
		}
	}
	switch provider {
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderOpenAI, "openrouter":
		return NewOpenAI(cfg)
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func decodeObject(raw json.RawMessage) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(tool.NormalizeArgs(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// extraFields decodes the top-level keys of req.Extra.
func extraFields(extra json.RawMessage) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(extra, &fields); err != nil {
		return nil
	}
	return fields
}

package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/tool"
)

const (
	defaultAnthropicModel     = anthropicsdk.ModelClaudeSonnet4_5
	defaultAnthropicMaxTokens = 8192
)

// Anthropic talks to the Messages API with streaming.
type Anthropic struct {
	client      anthropicsdk.Client
	model       string
	maxTokens   int
	maxRetries  int
	temperature *float64
}

// NewAnthropic builds the backend. The API key is required.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	a := &Anthropic{
		client:      anthropicsdk.NewClient(opts...),
		model:       strings.TrimSpace(cfg.Model),
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		temperature: cfg.Temperature,
	}
	if a.model == "" {
		a.model = string(defaultAnthropicModel)
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultAnthropicMaxTokens
	}
	if a.maxRetries <= 0 {
		a.maxRetries = defaultMaxRetries
	}
	return a, nil
}

func (a *Anthropic) Complete(ctx context.Context, req Request, onText func(string)) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	var opts []option.RequestOption
	for key, value := range extraFields(req.Extra) {
		opts = append(opts, option.WithJSONSet(key, value))
	}

	resp, err := withRetry(ctx, a.maxRetries, anthropicRetryable, func(ctx context.Context, streamed *bool) (*Response, error) {
		stream := a.client.Messages.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		var final anthropicsdk.Message
		for stream.Next() {
			event := stream.Current()
			if err := final.Accumulate(event); err != nil {
				return nil, fmt.Errorf("accumulate stream: %w", err)
			}
			if ev, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent); ok {
				if text := ev.Delta.AsTextDelta().Text; text != "" && onText != nil {
					*streamed = true
					onText(text)
				}
			}
		}
		if err := stream.Err(); err != nil {
			return nil, err
		}
		return convertAnthropicMessage(final), nil
	})
	if err != nil {
		return nil, &TransportError{Provider: ProviderAnthropic, Err: err}
	}
	return resp, nil
}

func anthropicRetryable(err error) bool {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	return retryableTransport(err)
}

func (a *Anthropic) buildParams(req Request) (anthropicsdk.MessageNewParams, error) {
	modelName := a.model
	if req.Model != "" {
		modelName = req.Model
	}
	maxTokens := a.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelName),
		MaxTokens: int64(maxTokens),
		Messages:  anthropicMessages(req.Messages),
	}
	if s := strings.TrimSpace(req.System); s != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: s}}
	}
	if len(req.Tools) > 0 {
		tools, err := anthropicTools(req.Tools)
		if err != nil {
			return params, err
		}
		params.Tools = tools
	}
	temp := a.temperature
	if req.Temperature != nil {
		temp = req.Temperature
	}
	if temp != nil {
		params.Temperature = param.NewOpt(*temp)
	}
	return params, nil
}

// anthropicMessages folds consecutive tool results into one user message,
// which is how the Messages API expects a parallel batch to be answered.
func anthropicMessages(msgs []Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			var blocks []anthropicsdk.ContentBlockParamUnion
			if strings.TrimSpace(msg.Content) != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, decodeObject(call.Arguments), call.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicsdk.NewTextBlock("."))
			}
			out = append(out, anthropicsdk.NewAssistantMessage(blocks...))
		case RoleTool:
			block := anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, strings.HasPrefix(msg.Content, "Error:"))
			if n := len(out); n > 0 && out[n-1].Role == anthropicsdk.MessageParamRoleUser && isToolResults(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicsdk.NewUserMessage(block))
		default:
			text := msg.Content
			if strings.TrimSpace(text) == "" {
				text = "."
			}
			out = append(out, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(text)))
		}
	}
	return out
}

func isToolResults(m anthropicsdk.MessageParam) bool {
	for _, b := range m.Content {
		if b.OfToolResult == nil {
			return false
		}
	}
	return len(m.Content) > 0
}

func anthropicTools(defs []tool.Definition) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := anthropicSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		t := anthropicsdk.ToolParam{Name: def.Name, InputSchema: schema}
		if def.Description != "" {
			t.Description = anthropicsdk.String(def.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &t})
	}
	return out, nil
}

func anthropicSchema(raw map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	var schema anthropicsdk.ToolInputSchemaParam
	if len(raw) > 0 {
		data, err := json.Marshal(raw)
		if err != nil {
			return schema, err
		}
		if err := json.Unmarshal(data, &schema); err != nil {
			return schema, err
		}
	}
	return schema, nil
}

func convertAnthropicMessage(msg anthropicsdk.Message) *Response {
	resp := &Response{
		StopReason: string(msg.StopReason),
		Usage: bus.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, tool.Call{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: tool.NormalizeArgs(block.Input),
			})
		}
	}
	resp.Text = text.String()
	return resp
}

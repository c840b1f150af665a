package model

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/emesal/chibi-sub000/internal/bus"
	"github.com/emesal/chibi-sub000/internal/tool"
)

const (
	defaultOpenAIModel     = "gpt-4o"
	defaultOpenAIMaxTokens = 8192
)

// OpenAI talks to any chat-completions endpoint, OpenRouter included.
type OpenAI struct {
	client      openai.Client
	model       string
	maxTokens   int
	maxRetries  int
	temperature *float64
}

func NewOpenAI(cfg Config) (*OpenAI, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	o := &OpenAI{
		client:      openai.NewClient(opts...),
		model:       strings.TrimSpace(cfg.Model),
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		temperature: cfg.Temperature,
	}
	if o.model == "" {
		o.model = defaultOpenAIModel
	}
	if o.maxTokens <= 0 {
		o.maxTokens = defaultOpenAIMaxTokens
	}
	if o.maxRetries <= 0 {
		o.maxRetries = defaultMaxRetries
	}
	return o, nil
}

func (o *OpenAI) Complete(ctx context.Context, req Request, onText func(string)) (*Response, error) {
	params := o.buildParams(req)
	var opts []option.RequestOption
	for key, value := range extraFields(req.Extra) {
		opts = append(opts, option.WithJSONSet(key, value))
	}

	resp, err := withRetry(ctx, o.maxRetries, openaiRetryable, func(ctx context.Context, streamed *bool) (*Response, error) {
		stream := o.client.Chat.Completions.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		var (
			text   strings.Builder
			calls  = make(map[int64]*callAccumulator)
			result = &Response{}
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				result.Usage = bus.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					result.StopReason = choice.FinishReason
				}
				if d := choice.Delta.Content; d != "" {
					text.WriteString(d)
					if onText != nil {
						*streamed = true
						onText(d)
					}
				}
				for _, tc := range choice.Delta.ToolCalls {
					acc, ok := calls[tc.Index]
					if !ok {
						acc = &callAccumulator{}
						calls[tc.Index] = acc
					}
					if tc.ID != "" {
						acc.id = tc.ID
					}
					if tc.Function.Name != "" {
						acc.name = tc.Function.Name
					}
					acc.args.WriteString(tc.Function.Arguments)
				}
			}
		}
		if err := stream.Err(); err != nil {
			return nil, err
		}
		result.Text = text.String()
		result.ToolCalls = collectCalls(calls)
		return result, nil
	})
	if err != nil {
		return nil, &TransportError{Provider: ProviderOpenAI, Err: err}
	}
	return resp, nil
}

type callAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func collectCalls(calls map[int64]*callAccumulator) []tool.Call {
	indices := make([]int64, 0, len(calls))
	for i := range calls {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })

	var out []tool.Call
	for _, i := range indices {
		acc := calls[i]
		if acc.name == "" {
			continue
		}
		out = append(out, tool.Call{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: tool.NormalizeArgs([]byte(acc.args.String())),
		})
	}
	return out
}

func openaiRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	return retryableTransport(err)
}

func (o *OpenAI) buildParams(req Request) openai.ChatCompletionNewParams {
	modelName := o.model
	if req.Model != "" {
		modelName = req.Model
	}
	maxTokens := o.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(modelName),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Messages:            openaiMessages(req.System, req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(req.Tools) > 0 {
		params.Tools = openaiTools(req.Tools)
	}
	temp := o.temperature
	if req.Temperature != nil {
		temp = req.Temperature
	}
	if temp != nil {
		params.Temperature = openai.Float(*temp)
	}
	return params
}

func openaiMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if s := strings.TrimSpace(system); s != "" {
		out = append(out, openai.SystemMessage(s))
	}
	for _, msg := range msgs {
		switch msg.Role {
		case RoleAssistant:
			asst := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" || len(msg.ToolCalls) == 0 {
				asst.Content.OfString = openai.String(msg.Content)
			}
			for _, call := range msg.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Args()),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func openaiTools(defs []tool.Definition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		params := shared.FunctionParameters{"type": "object"}
		for k, v := range def.Parameters {
			params[k] = v
		}
		t := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       def.Name,
				Parameters: params,
			},
		}
		if def.Description != "" {
			t.Function.Description = openai.String(def.Description)
		}
		out = append(out, t)
	}
	return out
}

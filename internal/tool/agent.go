package tool

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/emesal/chibi-sub000/internal/hooks"
)

// SpawnRequest is a one-shot sub-agent call. Zero values mean "inherit
// from the parent".
type SpawnRequest struct {
	SystemPrompt string
	Input        string
	Model        string
	Temperature  *float64
	MaxTokens    int
}

// Spawner runs a sub-agent to completion and returns its final text.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
}

// SpawnFunc adapts a function to Spawner.
type SpawnFunc func(ctx context.Context, req SpawnRequest) (string, error)

func (f SpawnFunc) Spawn(ctx context.Context, req SpawnRequest) (string, error) { return f(ctx, req) }

// SpawnAgent exposes Spawner to the model. pre_spawn_agent may answer in
// place of the sub-agent or block it; post_spawn_agent observes the result.
type SpawnAgent struct {
	Spawner      Spawner
	Hooks        *hooks.Dispatcher
	DefaultModel string
}

func (t *SpawnAgent) Name() string { return SpawnAgentName }

func (t *SpawnAgent) Description() string {
	return "Spawn a sub-agent with a custom system prompt to process input. Returns the sub-agent's response. Use for analysis, summarization, translation, or any task benefiting from a focused system prompt."
}

func (t *SpawnAgent) Schema() map[string]any {
	return Object(map[string]any{
		"system_prompt": Prop("string", "System prompt for the sub-agent"),
		"input":         Prop("string", "Content for the sub-agent to process"),
		"model":         Prop("string", "Model override (defaults to parent's model)"),
		"temperature":   Prop("number", "Temperature override for the sub-agent"),
		"max_tokens":    Prop("integer", "Max tokens override for the sub-agent"),
	}, "system_prompt", "input")
}

func (t *SpawnAgent) Execute(ctx context.Context, _ Env, raw json.RawMessage) (string, error) {
	a := ParseArgs(raw)
	systemPrompt, err := a.RequireString("system_prompt")
	if err != nil {
		return "", err
	}
	input, err := a.RequireString("input")
	if err != nil {
		return "", err
	}
	req := SpawnRequest{
		SystemPrompt: systemPrompt,
		Input:        input,
		Model:        a.StringOr("model", t.DefaultModel),
		MaxTokens:    a.Int("max_tokens", 0),
	}
	if v := gjson.Get(a.Raw(), "temperature"); v.Type == gjson.Number {
		temp := v.Float()
		req.Temperature = &temp
	}
	return t.Run(ctx, req)
}

// Run is the hook-wrapped spawn, shared by the tool and internal callers.
func (t *SpawnAgent) Run(ctx context.Context, req SpawnRequest) (string, error) {
	pre := map[string]any{
		"system_prompt": req.SystemPrompt,
		"input":         req.Input,
		"model":         req.Model,
	}
	if req.Temperature != nil {
		pre["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		pre["max_tokens"] = req.MaxTokens
	}
	for _, r := range t.Hooks.Fire(ctx, hooks.PreSpawnAgent, pre) {
		if resp, ok := r.String("response"); ok {
			return resp, nil
		}
		if r.Bool("block") {
			return r.StringOr("message", "Sub-agent call blocked by hook"), nil
		}
	}

	if t.Spawner == nil {
		return "", errors.New("sub-agents are not available")
	}
	resp, err := t.Spawner.Spawn(ctx, req)
	if err != nil {
		return "", err
	}
	t.Hooks.Notify(ctx, hooks.PostSpawnAgent, map[string]any{
		"system_prompt": req.SystemPrompt,
		"input":         req.Input,
		"model":         req.Model,
		"response":      resp,
	})
	return resp, nil
}

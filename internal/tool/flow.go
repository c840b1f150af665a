package tool

import (
	"context"
	"encoding/json"
)

// CallAgent hands control back to the model for another pass.
type CallAgent struct{}

func (CallAgent) Name() string { return CallAgentName }

func (CallAgent) Description() string {
	return "recurse to do more work before handing control back to the user. Use this to continue processing when you have more steps to complete."
}

func (CallAgent) Schema() map[string]any {
	return Object(map[string]any{
		"prompt": Prop("string", "Focus for the next turn"),
	})
}

func (CallAgent) Execute(_ context.Context, _ Env, args json.RawMessage) (string, error) {
	if p := ParseArgs(args).StringOr("prompt", ""); p != "" {
		return "Continuing with: " + p, nil
	}
	return "Continuing processing", nil
}

// CallUser ends the turn.
type CallUser struct{}

func (CallUser) Name() string { return CallUserName }

func (CallUser) Description() string { return "Return control to user." }

func (CallUser) Schema() map[string]any {
	return Object(map[string]any{
		"message": Prop("string", "Optional message to display"),
	})
}

func (CallUser) Execute(_ context.Context, _ Env, args json.RawMessage) (string, error) {
	if m := ParseArgs(args).StringOr("message", ""); m != "" {
		return m, nil
	}
	return "Returning to user", nil
}

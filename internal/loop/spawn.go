package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/emesal/chibi-sub000/internal/model"
	"github.com/emesal/chibi-sub000/internal/tool"
)

var _ tool.Spawner = (*Driver)(nil)

// Spawn runs a one-shot sub-agent on the driver's backend. The sub-agent has
// no tools and no history, so it cannot fan out further.
func (d *Driver) Spawn(ctx context.Context, req tool.SpawnRequest) (string, error) {
	mreq := model.Request{
		Model:       d.opts.Model,
		System:      req.SystemPrompt,
		Messages:    []model.Message{{Role: model.RoleUser, Content: req.Input}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Model != "" {
		mreq.Model = req.Model
	}
	ctx, span := d.opts.Tracer.Start(ctx, "loop.spawn")
	defer span.End()

	resp, err := d.opts.Backend.Complete(ctx, mreq, nil)
	if err != nil {
		return "", fmt.Errorf("sub-agent: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return strings.TrimSpace(resp.Text), nil
}

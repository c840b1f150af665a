package loop

import "github.com/emesal/chibi-sub000/internal/tool"

// Target says who gets control once the model stops calling tools.
type Target struct {
	// Agent is true for a continuation; Text is then the next prompt.
	// Otherwise Text is the message shown to the user.
	Agent bool
	Text  string
}

// ToolName is the flow tool that produces t.
func (t Target) ToolName() string {
	if t.Agent {
		return tool.CallAgentName
	}
	return tool.CallUserName
}

// UserTarget hands control back to the user.
func UserTarget(message string) Target { return Target{Text: message} }

// AgentTarget continues the turn with prompt.
func AgentTarget(prompt string) Target { return Target{Agent: true, Text: prompt} }

// fallbackTarget maps a fallback tool name onto its default target.
func fallbackTarget(name string) Target {
	if name == tool.CallAgentName {
		return AgentTarget("")
	}
	return UserTarget("")
}

// Handoff records what should happen at the end of a text response. Flow
// tools set the next target; the last one in a round wins. Without any,
// the fallback applies.
type Handoff struct {
	next     *Target
	fallback Target
}

func NewHandoff(fallback Target) *Handoff {
	return &Handoff{fallback: fallback}
}

func (h *Handoff) SetAgent(prompt string) {
	t := AgentTarget(prompt)
	h.next = &t
}

func (h *Handoff) SetUser(message string) {
	t := UserTarget(message)
	h.next = &t
}

func (h *Handoff) SetFallback(t Target) { h.fallback = t }

func (h *Handoff) Fallback() Target { return h.fallback }

// Take returns the pending target, or the fallback, and clears it.
func (h *Handoff) Take() Target {
	if h.next == nil {
		return h.fallback
	}
	t := *h.next
	h.next = nil
	return t
}

package bus

import "time"

// Kind identifies an event on the response stream.
type Kind string

const (
	KindText       Kind = "text"
	KindToolStart  Kind = "tool_start"
	KindToolResult Kind = "tool_result"
	KindDiagnostic Kind = "diagnostic"
	KindFinished   Kind = "finished"
)

// Event is one item emitted by a running turn. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      Kind
	Context   string
	TurnID    string
	Timestamp time.Time

	// KindText
	Text string

	// KindToolStart / KindToolResult
	ToolName string
	Summary  string
	Result   string
	Cached   bool

	// KindDiagnostic
	Message     string
	VerboseOnly bool

	// KindFinished
	Usage Usage
}

// Usage aggregates token counts for the turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

func TextChunk(text string) Event {
	return Event{Kind: KindText, Text: text}
}

func ToolStart(name, summary string) Event {
	return Event{Kind: KindToolStart, ToolName: name, Summary: summary}
}

func ToolResult(name, result string, cached bool) Event {
	return Event{Kind: KindToolResult, ToolName: name, Result: result, Cached: cached}
}

// Diagnostic is always shown.
func Diagnostic(msg string) Event {
	return Event{Kind: KindDiagnostic, Message: msg}
}

// Verbose is a diagnostic shown only in verbose mode.
func Verbose(msg string) Event {
	return Event{Kind: KindDiagnostic, Message: msg, VerboseOnly: true}
}

func Finished(u Usage) Event {
	return Event{Kind: KindFinished, Usage: u}
}

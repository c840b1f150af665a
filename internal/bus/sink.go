package bus

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Sink receives events from a turn. Implementations must be safe for
// concurrent use; tool results may arrive from several goroutines.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops everything.
var Discard Sink = SinkFunc(func(Event) {})

// Stamp fills Context, TurnID and Timestamp before forwarding to next.
func Stamp(next Sink, context, turnID string) Sink {
	return SinkFunc(func(e Event) {
		e.Context = context
		e.TurnID = turnID
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		next.Emit(e)
	})
}

// Tee forwards to every sink in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Emit(e)
			}
		}
	})
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Of returns the recorded events of one kind.
func (r *Recorder) Of(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Text joins every streamed text chunk.
func (r *Recorder) Text() string {
	var b strings.Builder
	for _, e := range r.Of(KindText) {
		b.WriteString(e.Text)
	}
	return b.String()
}

// Diagnostics returns diagnostic messages in order.
func (r *Recorder) Diagnostics() []string {
	var out []string
	for _, e := range r.Of(KindDiagnostic) {
		out = append(out, e.Message)
	}
	return out
}

// MessageBus is a buffered channel sink for consumers in another goroutine.
type MessageBus struct {
	Events chan Event

	once sync.Once
	mu   sync.RWMutex
	done bool
}

func NewMessageBus(buffer int) *MessageBus {
	return &MessageBus{Events: make(chan Event, buffer)}
}

// Emit blocks while the buffer is full. Events after Close are dropped.
func (b *MessageBus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.done {
		return
	}
	b.Events <- e
}

func (b *MessageBus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.done = true
		close(b.Events)
		b.mu.Unlock()
	})
}

// Terminal renders events for a console: text to Out, everything else to
// Err. Verbose-only diagnostics and tool traffic need Verbose.
type Terminal struct {
	Out     io.Writer
	Err     io.Writer
	Verbose bool

	mu sync.Mutex
}

func (t *Terminal) Emit(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.Kind {
	case KindText:
		fmt.Fprint(t.Out, e.Text)
	case KindToolStart:
		if t.Verbose {
			fmt.Fprintf(t.Err, "[tool: %s] %s\n", e.ToolName, e.Summary)
		}
	case KindToolResult:
		if t.Verbose {
			suffix := ""
			if e.Cached {
				suffix = " (cached)"
			}
			fmt.Fprintf(t.Err, "[tool result: %s%s] %d chars\n", e.ToolName, suffix, len(e.Result))
		}
	case KindDiagnostic:
		if !e.VerboseOnly || t.Verbose {
			fmt.Fprintln(t.Err, e.Message)
		}
	case KindFinished:
		fmt.Fprintln(t.Out)
	}
}

// Package fuel tracks the per-turn budget that bounds tool rounds,
// continuations and empty-response retries.
package fuel

import "fmt"

const (
	DefaultTotal             = 30
	DefaultToolRoundCost     = 1
	DefaultEmptyResponseCost = 15
	DefaultContinuationCost  = 1
)

// Costs is the price of each kind of round.
type Costs struct {
	ToolRound     uint
	EmptyResponse uint
	Continuation  uint
}

// DefaultCosts returns the stock cost schedule.
func DefaultCosts() Costs {
	return Costs{
		ToolRound:     DefaultToolRoundCost,
		EmptyResponse: DefaultEmptyResponseCost,
		Continuation:  DefaultContinuationCost,
	}
}

// State is owned by the loop driver for the duration of one turn.
// A zero Total means the turn is unlimited; Remaining is then meaningless.
type State struct {
	Total     uint
	Remaining uint
	Unlimited bool
}

// New starts a turn with the given budget. Unlimited is fixed here and never
// changes afterwards.
func New(total uint) *State {
	return &State{
		Total:     total,
		Remaining: total,
		Unlimited: total == 0,
	}
}

// Consume subtracts cost, saturating at zero.
func (s *State) Consume(cost uint) {
	if s.Unlimited {
		return
	}
	if cost >= s.Remaining {
		s.Remaining = 0
		return
	}
	s.Remaining -= cost
}

// Exhausted reports whether the loop must hand control back.
func (s *State) Exhausted() bool {
	return !s.Unlimited && s.Remaining == 0
}

// Set overrides the remaining fuel, clamped to Total.
func (s *State) Set(n uint) {
	if s.Unlimited {
		return
	}
	if n > s.Total {
		n = s.Total
	}
	s.Remaining = n
}

// Adjust applies a signed delta, clamped into [0, Total].
func (s *State) Adjust(delta int64) {
	if s.Unlimited || delta == 0 {
		return
	}
	if delta < 0 {
		s.Consume(uint(-delta))
		return
	}
	next := uint64(s.Remaining) + uint64(delta)
	if next > uint64(s.Total) {
		next = uint64(s.Total)
	}
	s.Remaining = uint(next)
}

// Fields returns the fuel keys for hook payloads, or nil when unlimited so
// callers omit them entirely.
func (s *State) Fields() map[string]any {
	if s.Unlimited {
		return nil
	}
	return map[string]any{
		"fuel_remaining": s.Remaining,
		"fuel_total":     s.Total,
	}
}

// Status renders "remaining/total".
func (s *State) Status() string {
	return fmt.Sprintf("%d/%d", s.Remaining, s.Total)
}

// ExhaustedMessage is the always-shown diagnostic emitted when the budget
// runs out.
func (s *State) ExhaustedMessage() string {
	return fmt.Sprintf("[fuel exhausted (0/%d), returning control to user]", s.Total)
}

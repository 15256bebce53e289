package macro

import (
	"fmt"
	"slices"
	"time"
)

// Sequence is an ordered list of actions with repeat settings.
// A Sequence never changes after construction; the With* methods return
// modified copies that share the action list.
type Sequence struct {
	name        string
	createdAt   time.Time
	loop        bool
	repeatCount int
	actions     []Action
}

// NewSequence builds a sequence from a copy of actions.
func NewSequence(name string, actions []Action) *Sequence {
	return newSequence(name, time.Now(), slices.Clone(actions))
}

// newSequence takes ownership of actions.
func newSequence(name string, createdAt time.Time, actions []Action) *Sequence {
	return &Sequence{
		name:        name,
		createdAt:   createdAt,
		repeatCount: 1,
		actions:     actions,
	}
}

// Name returns the sequence name.
func (s *Sequence) Name() string { return s.name }

// CreatedAt returns when recording started or the sequence was built.
func (s *Sequence) CreatedAt() time.Time { return s.createdAt }

// Loop reports whether playback repeats until stopped.
func (s *Sequence) Loop() bool { return s.loop }

// RepeatCount returns the configured number of passes.
func (s *Sequence) RepeatCount() int { return s.repeatCount }

// Passes returns the number of passes a non-looping playback runs.
func (s *Sequence) Passes() int {
	return max(s.repeatCount, 1)
}

// Len returns the number of actions.
func (s *Sequence) Len() int { return len(s.actions) }

// At returns the action at index i.
func (s *Sequence) At(i int) Action { return s.actions[i] }

// Actions returns a copy of the action list.
func (s *Sequence) Actions() []Action {
	return slices.Clone(s.actions)
}

// TotalDelay is the sum of recorded delays, i.e. the minimum duration of
// one pass ignoring settle time and visual waits.
func (s *Sequence) TotalDelay() time.Duration {
	var total time.Duration
	for _, a := range s.actions {
		total += a.Delay
	}
	return total
}

// WithName returns a copy renamed to name.
func (s *Sequence) WithName(name string) *Sequence {
	c := *s
	c.name = name
	return &c
}

// WithRepeat returns a copy that runs count passes.
func (s *Sequence) WithRepeat(count int) *Sequence {
	c := *s
	c.repeatCount = count
	return &c
}

// WithLoop returns a copy that loops until stopped when loop is true.
func (s *Sequence) WithLoop(loop bool) *Sequence {
	c := *s
	c.loop = loop
	return &c
}

// NeedsGate reports whether any action waits on the visual gate.
func (s *Sequence) NeedsGate() bool {
	return slices.ContainsFunc(s.actions, func(a Action) bool { return a.Type.IsGate() })
}

// Validate checks every action.
func (s *Sequence) Validate() error {
	if len(s.actions) == 0 {
		return ErrEmptySequence
	}
	if s.repeatCount < 0 {
		return fmt.Errorf("negative repeat count %d", s.repeatCount)
	}
	for i, a := range s.actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func (s *Sequence) String() string {
	mode := fmt.Sprintf("x%d", s.Passes())
	if s.loop {
		mode = "loop"
	}
	return fmt.Sprintf("%s (%d actions, %s, %s)", s.name, len(s.actions), s.TotalDelay(), mode)
}

package bridge

import "time"

// State is a position in the self-correct state machine.
type State string

const (
	StateAttempting        State = "attempting"
	StateRepairing         State = "repairing"
	StateSucceeded         State = "succeeded"
	StateExhaustedAttempts State = "exhausted_attempts"
	StateNoFixAvailable    State = "no_fix_available"
)

// Terminal reports whether the machine stops in s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateExhaustedAttempts, StateNoFixAvailable:
		return true
	}
	return false
}

// Transition records one state change of a single invocation.
type Transition struct {
	From     State     `json:"from"`
	To       State     `json:"to"`
	Attempt  int       `json:"attempt"`
	ExitCode int       `json:"exit_code"`
	Rule     string    `json:"rule,omitempty"`
	At       time.Time `json:"at"`
}

// Trace is the transition history of one invocation. It exists only for
// the duration of the call that returns it.
type Trace struct {
	Transitions []Transition `json:"transitions"`
	Final       State        `json:"final"`
}

func (t *Trace) record(from, to State, attempt, exitCode int, rule string) {
	t.Transitions = append(t.Transitions, Transition{
		From:     from,
		To:       to,
		Attempt:  attempt,
		ExitCode: exitCode,
		Rule:     rule,
		At:       time.Now(),
	})
	t.Final = to
}

// Rules lists the repair rules applied, in order.
func (t *Trace) Rules() []string {
	var out []string
	for _, tr := range t.Transitions {
		if tr.Rule != "" {
			out = append(out, tr.Rule)
		}
	}
	return out
}

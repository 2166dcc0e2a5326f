package model

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Phase is a step of an audit while it is Processing.
type Phase string

const (
	PhaseQueries     Phase = "queries"
	PhaseCollecting  Phase = "collecting"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseAggregating Phase = "aggregating"
	PhaseFinalizing  Phase = "finalizing"
)

// Phases lists every phase in execution order.
var Phases = []Phase{PhaseQueries, PhaseCollecting, PhaseAnalyzing, PhaseAggregating, PhaseFinalizing}

// phasePercent is the progress reported while an audit sits in a phase.
var phasePercent = map[Phase]int{
	PhaseQueries:     10,
	PhaseCollecting:  30,
	PhaseAnalyzing:   50,
	PhaseAggregating: 70,
	PhaseFinalizing:  90,
}

// Index returns the position of p in execution order, or -1 for an unknown phase.
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool { return p.Index() >= 0 }

// ParsePhase converts a string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", eris.Errorf("model: unknown phase %q", s)
	}
	return p, nil
}

// StateKind tags the variant held by a State.
type StateKind uint8

const (
	StatePending StateKind = iota + 1
	StateProcessing
	StateCompleted
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// State is the composite audit state: Pending, Processing(phase), Completed or
// Failed(reason). Only Processing carries a phase and only Failed carries a
// reason, so a completed audit with a pending phase cannot be expressed. The
// zero value is invalid and is rejected by every transition.
type State struct {
	kind   StateKind
	phase  Phase
	reason string
}

// Pending is the state of a freshly created audit.
func Pending() State { return State{kind: StatePending} }

// Processing returns the Processing(phase) state. An unknown phase yields the
// invalid zero State.
func Processing(p Phase) State {
	if !p.Valid() {
		return State{}
	}
	return State{kind: StateProcessing, phase: p}
}

// Completed is the terminal success state.
func Completed() State { return State{kind: StateCompleted} }

// Failed is the terminal failure state. An empty reason is replaced so a
// failed audit always carries a message.
func Failed(reason string) State {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "failed without reason"
	}
	return State{kind: StateFailed, reason: reason}
}

// Kind returns the variant tag.
func (s State) Kind() StateKind { return s.kind }

// Phase returns the phase when the state is Processing.
func (s State) Phase() (Phase, bool) {
	if s.kind != StateProcessing {
		return "", false
	}
	return s.phase, true
}

// Reason returns the failure reason, empty unless Failed.
func (s State) Reason() string { return s.reason }

// IsZero reports whether s is the invalid zero value.
func (s State) IsZero() bool { return s.kind == 0 }

// IsTerminal reports whether s is Completed or Failed.
func (s State) IsTerminal() bool {
	return s.kind == StateCompleted || s.kind == StateFailed
}

// Is reports whether s has the given kind.
func (s State) Is(k StateKind) bool { return s.kind == k }

// Percent is the progress figure published with each transition.
func (s State) Percent() int {
	switch s.kind {
	case StateProcessing:
		return phasePercent[s.phase]
	case StateCompleted, StateFailed:
		return 100
	default:
		return 0
	}
}

// String encodes the state for the single `state` column. The failure reason
// is persisted alongside in error_message by the same write.
func (s State) String() string {
	if s.kind == StateProcessing {
		return "processing:" + string(s.phase)
	}
	return s.kind.String()
}

// ParseState decodes a persisted state column plus its error_message.
func ParseState(encoded, reason string) (State, error) {
	encoded = strings.ToLower(strings.TrimSpace(encoded))
	switch {
	case encoded == "pending":
		return Pending(), nil
	case encoded == "completed":
		return Completed(), nil
	case encoded == "failed":
		return Failed(reason), nil
	case strings.HasPrefix(encoded, "processing:"):
		p, err := ParsePhase(strings.TrimPrefix(encoded, "processing:"))
		if err != nil {
			return State{}, eris.Wrapf(err, "model: parse state %q", encoded)
		}
		return Processing(p), nil
	default:
		return State{}, eris.Errorf("model: unknown state %q", encoded)
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
//
//	Pending           -> Processing(queries) | Failed
//	Processing(any)   -> Processing(any) | Completed | Failed
//	Completed, Failed -> nothing
func (s State) CanTransitionTo(next State) bool {
	if s.IsZero() || next.IsZero() || s.IsTerminal() {
		return false
	}
	switch s.kind {
	case StatePending:
		if next.kind == StateProcessing {
			return next.phase == PhaseQueries
		}
		return next.kind == StateFailed
	case StateProcessing:
		return next.kind != StatePending
	}
	return false
}

type stateJSON struct {
	Status string `json:"status"`
	Phase  Phase  `json:"phase,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// MarshalJSON renders the state as {"status", "phase", "reason"}.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{Status: s.kind.String(), Phase: s.phase, Reason: s.reason})
}

// UnmarshalJSON parses the form written by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return eris.Wrap(err, "model: unmarshal state")
	}
	encoded := raw.Status
	switch {
	case raw.Status == "processing":
		encoded = "processing:" + string(raw.Phase)
	case raw.Phase != "":
		return eris.Errorf("model: %s state cannot carry phase %q", raw.Status, raw.Phase)
	}
	parsed, err := ParseState(encoded, raw.Reason)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

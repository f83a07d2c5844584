package agent

// State is a step of the per-request pipeline.
type State int

const (
	StateStart State = iota
	StateRetrieving
	StatePrompting
	StateToolDispatch
	StateEvaluating
	StatePersisting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateRetrieving:
		return "retrieving"
	case StatePrompting:
		return "prompting"
	case StateToolDispatch:
		return "tool_dispatch"
	case StateEvaluating:
		return "evaluating"
	case StatePersisting:
		return "persisting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

package dash

// State is the lifecycle state of a parser instance. Transitions:
// Idle -> ParsingInitial -> IdleLive or Scheduled; Scheduled -> Updating
// -> Scheduled; any -> Stopped. Stopped is terminal.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota
	// StateParsingInitial means the first fetch+parse is in flight.
	StateParsingInitial
	// StateIdleLive means the manifest is parsed and no further updates
	// will be scheduled (static content, or dynamic without a
	// minimumUpdatePeriod).
	StateIdleLive
	// StateScheduled means an update timer is armed.
	StateScheduled
	// StateUpdating means an update round-trip is in flight.
	StateUpdating
	// StateStopped means Stop was called. Terminal.
	StateStopped
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateParsingInitial:
		return "parsing_initial"
	case StateIdleLive:
		return "idle_live"
	case StateScheduled:
		return "scheduled"
	case StateUpdating:
		return "updating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

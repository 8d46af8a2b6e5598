package pipeline

// State is the lifecycle position of one session.
type State int

const (
	StateIdle State = iota
	StateOpened
	StateProcessing
	StateCompleted
	StateTimedOut
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:       "idle",
	StateOpened:     "opened",
	StateProcessing: "processing",
	StateCompleted:  "completed",
	StateTimedOut:   "timed_out",
	StateFailed:     "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFailed
}

// HasReport reports whether a session ending in s produces a SessionReport.
func (s State) HasReport() bool {
	return s == StateCompleted || s == StateTimedOut
}

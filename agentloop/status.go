package agentloop

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusAwaitingTool Status = "awaiting_tool"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusTimedOut     Status = "timed_out"
)

// IsTerminal reports whether no further transitions can happen from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:      {StatusAwaitingTool, StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusAwaitingTool: {StatusRunning, StatusFailed, StatusCancelled, StatusTimedOut},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

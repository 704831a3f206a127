package engine

// State is the coordinator's run phase. Transitions only move forward:
// Idle -> Planning -> Running -> (Cancelling) -> Finalizing -> Done|Failed.
type State int

const (
	StateIdle State = iota
	StatePlanning
	StateRunning
	StateCancelling
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlanning:
		return "planning"
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

package executor

import "fmt"

// State is a step of one Run.
//
//	Idle -> Acquiring -> Executing(1) -> Capturing | Recording -> Executing(2) ...
//	Executing | Capturing -> Failed
//	end of loop | Failed -> Releasing -> Done
//	Acquiring -> Failed -> Done
//
// Releasing is entered exactly once, and only by a Run that acquired a
// connection; when Acquire fails the Run goes from Failed straight to Done.
// A request that fails validation reports no states at all.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateExecuting
	StateCapturing
	StateRecording
	StateFailed
	StateReleasing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateExecuting:
		return "executing"
	case StateCapturing:
		return "capturing"
	case StateRecording:
		return "recording"
	case StateFailed:
		return "failed"
	case StateReleasing:
		return "releasing"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateObserver is told about every state change. statement is the 1-based
// index of the current statement, or 0 outside the statement loop.
type StateObserver func(state State, statement int)

package model

// Job status constants.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusFinished  = "FINISHED"
	StatusError     = "ERROR"
	StatusCancelled = "CANCELLED"
)

// Result code constants returned by interpret.
const (
	CodeSuccess            = "SUCCESS"
	CodeIncomplete         = "INCOMPLETE"
	CodeError              = "ERROR"
	CodeKeepPreviousResult = "KEEP_PREVIOUS_RESULT"
)

// Form type constants reported by getFormType.
const (
	FormNative = "NATIVE"
	FormSimple = "SIMPLE"
	FormNone   = "NONE"
)

// Worker process state constants.
const (
	ProcessRequested = "REQUESTED"
	ProcessLaunching = "LAUNCHING"
	ProcessConnected = "CONNECTED"
	ProcessRunning   = "RUNNING"
	ProcessStopping  = "STOPPING"
	ProcessStopped   = "STOPPED"
	ProcessFailed    = "FAILED"
	ProcessLost      = "LOST"
)

// validTransitions maps each job status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusFinished:  true,
		StatusError:     true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether a job may move from one status to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether the job status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusError, StatusCancelled:
		return true
	}
	return false
}

var processTransitions = map[string]map[string]bool{
	ProcessRequested: {ProcessLaunching: true, ProcessConnected: true},
	ProcessLaunching: {ProcessConnected: true, ProcessFailed: true},
	ProcessConnected: {ProcessRunning: true, ProcessStopping: true, ProcessLost: true},
	ProcessRunning:   {ProcessStopping: true, ProcessLost: true},
	ProcessStopping:  {ProcessStopped: true},
}

// ValidProcessTransition reports whether a worker process may move between states.
// REQUESTED may jump straight to CONNECTED when a recovered worker is reattached.
func ValidProcessTransition(from, to string) bool {
	targets, ok := processTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

package model

// Status represents the lifecycle state of a Job or WorkflowJob.
// This vocabulary is the only status representation surfaced to callers.
type Status string

const (
	StatusSubmitted Status = "Submitted"
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusFinished  Status = "Finished"
	StatusError     Status = "Error"
	StatusKilled    Status = "Killed"
	StatusHold      Status = "Hold"
	StatusUnknown   Status = "Unknown"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsEnded returns true if the status is terminal. An ended status is
// never overwritten by a live poll.
func (s Status) IsEnded() bool {
	switch s {
	case StatusFinished, StatusError, StatusKilled:
		return true
	}
	return false
}

// IsQueryable returns true if a backend can still be asked about a job
// in this state.
func (s Status) IsQueryable() bool {
	switch s {
	case StatusSubmitted, StatusPending, StatusRunning, StatusHold:
		return true
	}
	return false
}

// IsKnown returns true for every status except Unknown.
func (s Status) IsKnown() bool {
	return s != StatusUnknown && s != ""
}

// ParseStatus maps a status string onto the Status enum.
// Unrecognized values map to StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusSubmitted, StatusPending, StatusRunning, StatusFinished,
		StatusError, StatusKilled, StatusHold:
		return Status(s)
	}
	return StatusUnknown
}

// Existence is the three-valued outcome of a remote job existence check.
// Over HTTP "not found" and "unreachable" must stay distinct so that a
// reachable-but-slow remote job is never pruned prematurely.
type Existence int

const (
	ExistsUnknown Existence = iota
	ExistsYes
	ExistsNo
)

package model

import "strings"

// JobStatus represents the lifecycle state of a queued training job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusLaunching JobStatus = "LAUNCHING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusError     JobStatus = "ERROR"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusError:
		return true
	}
	return false
}

// IsInFlight returns true while a remote execution is active for the job.
// At most one entry per queue may be in flight.
func (s JobStatus) IsInFlight() bool {
	return s == JobStatusLaunching || s == JobStatusRunning
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusLaunching, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusError:
		return true
	}
	return false
}

// ParseJobStatus converts a case-insensitive status name to a JobStatus.
func ParseJobStatus(s string) (JobStatus, bool) {
	st := JobStatus(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// ValidJobTransitions defines the allowed status transitions for queue entries.
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusLaunching, JobStatusFailed, JobStatusCancelled},
	JobStatusLaunching: {JobStatusPending, JobStatusRunning, JobStatusFailed, JobStatusSucceeded, JobStatusCancelled, JobStatusError},
	JobStatusRunning:   {JobStatusSucceeded, JobStatusFailed, JobStatusCancelled, JobStatusError},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

package model

import "fmt"

// ErrorResponse is the JSON body returned when a tick request fails
// internally.
type ErrorResponse struct {
	Error string `json:"error"`
}

// InvalidTransitionError is returned when a status transition is invalid.
type InvalidTransitionError struct {
	Queue   string
	EntryID int
	From    JobStatus
	To      JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition: %s → %s (queue %s, entry %d)", e.From, e.To, e.Queue, e.EntryID)
}

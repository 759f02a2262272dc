// Package launcher defines the capabilities the tick engine uses to start
// remote training executions and follow their progress.
package launcher

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/me/queuegate/pkg/model"
)

var (
	// ErrHeadless is returned by the headless launcher.
	ErrHeadless = errors.New("launcher not provided")

	// ErrUnknownExecution describes an execution name the launcher cannot
	// account for. Cancel returns it; Status reports such names as an
	// ERROR Status with a nil error so the engine records the outcome.
	ErrUnknownExecution = errors.New("unknown execution")
)

// Request is what the engine hands to a Launcher for one attempt.
type Request struct {
	Queue   string
	EntryID int
	Attempt int
	Params  json.RawMessage // forwarded verbatim from the queue entry
}

// Execution identifies a started remote job.
type Execution struct {
	Name         string // opaque id used for all later status polls
	OutputPrefix string // where the execution writes its artifacts
}

// Status is a Status Checker's view of an execution.
type Status struct {
	State   model.JobStatus
	Message string
}

// Launcher starts a remote execution for a queue entry.
type Launcher interface {
	Launch(ctx context.Context, req Request) (Execution, error)
}

// StatusChecker maps an execution name to its lifecycle state.
type StatusChecker interface {
	Status(ctx context.Context, executionName string) (Status, error)
}

// Canceller is implemented by launchers that can stop an execution they
// started.
type Canceller interface {
	Cancel(executionName string) error
}

type headless struct{}

func (headless) Launch(context.Context, Request) (Execution, error) {
	return Execution{}, ErrHeadless
}

// Headless returns the launcher used when no launch capability is
// configured. The engine reports "launcher not provided" instead of
// calling it.
func Headless() Launcher {
	return headless{}
}

// IsHeadless reports whether l cannot launch anything.
func IsHeadless(l Launcher) bool {
	if l == nil {
		return true
	}
	_, ok := l.(headless)
	return ok
}

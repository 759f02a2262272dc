// Package scheduler decides when a queue should be ticked next and arms
// the trigger that delivers that tick.
package scheduler

import (
	"strings"

	"github.com/me/queuegate/pkg/model"
)

// Action is the follow-up a tick result calls for.
type Action int

const (
	// ActionNone arms nothing; the queue is at rest.
	ActionNone Action = iota
	// ActionImmediate ticks again right away.
	ActionImmediate
	// ActionDelayed ticks again after the poll delay.
	ActionDelayed
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionImmediate:
		return "immediate"
	case ActionDelayed:
		return "delayed"
	default:
		return "unknown"
	}
}

// IdleMessages are tick messages that mean nothing will happen until an
// operator enqueues or resumes.
var IdleMessages = []string{
	"empty queue",
	"queue is paused",
	"no pending",
	"launcher not provided",
}

// terminalWords mark a result that finished a job (or a launch attempt),
// so the next entry can start without waiting.
var terminalWords = []string{
	"succeeded",
	"failed",
	"cancelled",
	"completed",
	"error",
}

// Decide maps a tick result to the next scheduling action.
func Decide(res model.TickResult) Action {
	for _, idle := range IdleMessages {
		if strings.EqualFold(res.Message, idle) {
			return ActionNone
		}
	}
	if res.Changed {
		msg := strings.ToLower(res.Message)
		for _, w := range terminalWords {
			if strings.Contains(msg, w) {
				return ActionImmediate
			}
		}
	}
	return ActionDelayed
}

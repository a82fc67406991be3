package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
)

// TransitionError is returned when an entity refuses a state change. The
// entity is left untouched.
type TransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: invalid state transition: %s -> %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

type JobState string

const (
	JobScheduled  JobState = "scheduled"
	JobDispatched JobState = "dispatched"
	JobRunning    JobState = "running"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
)

var jobTransitions = map[JobState][]JobState{
	JobScheduled:  {JobDispatched, JobFailed},
	JobDispatched: {JobRunning, JobFailed},
	JobRunning:    {JobSucceeded, JobFailed},
	JobSucceeded:  {},
	JobFailed:     {JobFailed},
}

func (s JobState) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

func (s JobState) CanTransitionTo(to JobState) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

type CommandState string

const (
	CommandPending CommandState = "pending"
	CommandSent    CommandState = "sent"
	CommandAcked   CommandState = "acked"
	CommandFailed  CommandState = "failed"
)

var commandTransitions = map[CommandState][]CommandState{
	CommandPending: {CommandSent, CommandFailed},
	CommandSent:    {CommandAcked, CommandFailed},
	CommandAcked:   {},
	CommandFailed:  {},
}

func (s CommandState) Valid() bool {
	_, ok := commandTransitions[s]
	return ok
}

func (s CommandState) Terminal() bool {
	return s == CommandAcked || s == CommandFailed
}

func (s CommandState) CanTransitionTo(to CommandState) bool {
	for _, allowed := range commandTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

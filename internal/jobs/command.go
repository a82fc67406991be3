package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidCommand = errors.New("invalid command")

// Command names understood by the conveyor gateway.
const (
	CommandStart = "START"
	CommandStop  = "STOP"
)

// Command is one instruction sent to a device. RequestID is the idempotency
// token forwarded to the executor and never changes once assigned.
type Command struct {
	ID          uuid.UUID       `json:"id"`
	JobID       *uuid.UUID      `json:"job_id,omitempty"`
	DeviceCode  string          `json:"device_code"`
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	RequestID   string          `json:"request_id"`
	State       CommandState    `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Note        string          `json:"note,omitempty"`
}

func NewCommand(jobID *uuid.UUID, deviceCode, name string, args json.RawMessage) (*Command, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	switch name {
	case CommandStart, CommandStop:
	default:
		return nil, errors.Join(ErrInvalidCommand, errors.New("unknown command name "+name))
	}
	if strings.TrimSpace(deviceCode) == "" {
		return nil, errors.Join(ErrInvalidCommand, errors.New("device code is required"))
	}

	id := uuid.New()
	return &Command{
		ID:         id,
		JobID:      jobID,
		DeviceCode: deviceCode,
		Name:       name,
		Args:       args,
		RequestID:  id.String(),
		State:      CommandPending,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (c *Command) transition(to CommandState) error {
	if !c.State.CanTransitionTo(to) {
		return &TransitionError{Entity: "command " + c.ID.String(), From: string(c.State), To: string(to)}
	}
	c.State = to
	return nil
}

func (c *Command) MarkSent() error {
	return c.transition(CommandSent)
}

// Ack marks a sent command as confirmed by the device.
func (c *Command) Ack() error {
	if err := c.transition(CommandAcked); err != nil {
		return err
	}
	c.complete()
	return nil
}

// Fail records a terminal failure and why it happened. CompletedAt marks
// the end of processing for both outcomes.
func (c *Command) Fail(note string) error {
	if err := c.transition(CommandFailed); err != nil {
		return err
	}
	c.Note = note
	c.complete()
	return nil
}

func (c *Command) complete() {
	now := time.Now().UTC()
	c.CompletedAt = &now
}

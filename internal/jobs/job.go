package jobs

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidJob = errors.New("invalid job")

// Job is a logical unit of work for one pallet at one station.
type Job struct {
	ID          uuid.UUID `json:"id"`
	PalletID    string    `json:"pallet_id"`
	Station     string    `json:"station"`
	CallbackURL string    `json:"callback_url,omitempty"`
	State       JobState  `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func NewJob(palletID, station, callbackURL string) (*Job, error) {
	palletID = strings.TrimSpace(palletID)
	station = strings.TrimSpace(station)
	if palletID == "" {
		return nil, errors.Join(ErrInvalidJob, errors.New("pallet id is required"))
	}
	if station == "" {
		return nil, errors.Join(ErrInvalidJob, errors.New("station is required"))
	}

	now := time.Now().UTC()
	return &Job{
		ID:          uuid.New(),
		PalletID:    palletID,
		Station:     station,
		CallbackURL: callbackURL,
		State:       JobScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (j *Job) transition(to JobState) error {
	if !j.State.CanTransitionTo(to) {
		return &TransitionError{Entity: "job " + j.ID.String(), From: string(j.State), To: string(to)}
	}
	j.State = to
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (j *Job) Dispatch() error { return j.transition(JobDispatched) }
func (j *Job) Start() error    { return j.transition(JobRunning) }
func (j *Job) Succeed() error  { return j.transition(JobSucceeded) }
func (j *Job) Fail() error     { return j.transition(JobFailed) }

// Complete drives a dispatched job through Running to Succeeded. Either both
// steps apply or neither does.
func (j *Job) Complete() error {
	if j.State != JobDispatched {
		return &TransitionError{Entity: "job " + j.ID.String(), From: string(j.State), To: string(JobSucceeded)}
	}
	if err := j.Start(); err != nil {
		return err
	}
	return j.Succeed()
}

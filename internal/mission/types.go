package mission

import (
	"context"
	"errors"
	"time"
)

// Status is a mission lifecycle state. Transitions only advance
// IDLE→WAITING→RUNNING→COMPLETED, except that an abort forces
// COMPLETED and a later Schedule re-arms WAITING from COMPLETED.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusWaiting   Status = "WAITING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
)

// Active reports whether a mission is armed or in play.
func (s Status) Active() bool {
	return s == StatusWaiting || s == StatusRunning
}

// state is the compare-and-set representation of Status.
type state int32

const (
	stateIdle state = iota
	stateWaiting
	stateRunning
	stateCompleted
)

func (s state) Status() Status {
	switch s {
	case stateWaiting:
		return StatusWaiting
	case stateRunning:
		return StatusRunning
	case stateCompleted:
		return StatusCompleted
	}
	return StatusIdle
}

var (
	// ErrConflict means a mission is already WAITING or RUNNING.
	ErrConflict = errors.New("mission already in progress")

	// ErrNotReady means the last health snapshot was not ONLINE.
	ErrNotReady = errors.New("system pre-flight checks failed")

	// ErrNothingToAbort means no mission is WAITING or RUNNING.
	ErrNothingToAbort = errors.New("no active mission to abort")

	// ErrInvalid means the schedule request is malformed.
	ErrInvalid = errors.New("invalid mission request")
)

// Session is a read-only snapshot of the mission.
type Session struct {
	Status           Status    `json:"status"`
	WorldID          int64     `json:"worldId"`
	ScheduledStart   time.Time `json:"startTime"`
	ScheduledEnd     time.Time `json:"endTime"`
	RemainingSeconds int64     `json:"remainingSeconds"`

	// SessionRecordID is nil until a RUNNING mission has opened its
	// session record.
	SessionRecordID *int64 `json:"sessionRecordId"`
}

// HealthGate reports whether the last health snapshot permits arming a
// mission. It must answer from cached state and never probe.
type HealthGate interface {
	Ready() bool
}

// SessionRecorder persists the session record of a mission.
type SessionRecorder interface {
	OpenSession(ctx context.Context, worldID int64) (int64, error)
	CloseSession(ctx context.Context, id int64) error
}

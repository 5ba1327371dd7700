package room

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied   = errors.New("permission denied")
	ErrVoteBudgetExceeded = errors.New("vote budget exceeded")
	ErrInvalidTrack       = errors.New("invalid track reference")
	ErrCurrentTrack       = fmt.Errorf("%w: track is currently playing", ErrInvalidTrack)
	ErrLocationDenied     = errors.New("location gate denied")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrRoomNotFound       = errors.New("room not found")
)

type Action string

const (
	ActionVote     Action = "vote"
	ActionControl  Action = "control"
	ActionAddTrack Action = "add_track"
	ActionJoin     Action = "join"
)

// PermissionError is returned synchronously when an actor may not perform an action.
type PermissionError struct {
	Action Action
	Reason string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action, e.Reason)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

type LocationReason string

const (
	OutsideRadius     LocationReason = "outside_radius"
	OutsideTimeWindow LocationReason = "outside_time_window"
	CheckUnavailable  LocationReason = "check_unavailable"
)

type LocationError struct {
	Action Action
	Reason LocationReason
	Err    error
}

func (e *LocationError) Error() string {
	switch e.Reason {
	case OutsideRadius:
		return "you are outside of the allowed area"
	case OutsideTimeWindow:
		return "the room is outside of its allowed time window"
	default:
		if e.Err != nil {
			return "location check unavailable: " + e.Err.Error()
		}
		return "location check unavailable"
	}
}

func (e *LocationError) Unwrap() error { return e.Err }

func (e *LocationError) Is(target error) bool {
	return target == ErrLocationDenied || target == ErrPermissionDenied
}

// PersistenceError wraps a failed durable write. The room state was rolled back.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

package protocol

import (
	"errors"

	"github.com/n0fish/musicroom-sync/internal/room"
)

// Code is the stable machine-readable reason carried by error frames.
type Code string

const (
	CodePermissionDenied   Code = "permission_denied"
	CodeVoteBudgetExceeded Code = "vote_budget_exceeded"
	CodeInvalidTrack       Code = "invalid_track"
	CodeLocationDenied     Code = "location_denied"
	CodePersistenceFailure Code = "persistence_failure"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeRateLimited        Code = "rate_limited"
	CodeNotFound           Code = "not_found"
	CodeInternal           Code = "internal"
)

var ErrRateLimited = errors.New("too many messages")

// ErrorFrom maps a room error to the frame sent back to the requester.
func ErrorFrom(err error) Error {
	var lErr *room.LocationError
	var pErr *room.PermissionError
	switch {
	case errors.As(err, &lErr):
		return Error{Code: CodeLocationDenied, Message: lErr.Error(), Details: string(lErr.Reason)}
	case errors.As(err, &pErr):
		return Error{Code: CodePermissionDenied, Message: room.ErrPermissionDenied.Error(), Details: pErr.Reason}
	case errors.Is(err, room.ErrVoteBudgetExceeded):
		return Error{Code: CodeVoteBudgetExceeded, Message: err.Error()}
	case errors.Is(err, room.ErrInvalidTrack):
		return Error{Code: CodeInvalidTrack, Message: err.Error()}
	case errors.Is(err, room.ErrPersistence):
		return Error{Code: CodePersistenceFailure, Message: room.ErrPersistence.Error()}
	case errors.Is(err, room.ErrInvalidArgument), errors.Is(err, ErrUnknownKind):
		return Error{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.Is(err, room.ErrRoomNotFound):
		return Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return Error{Code: CodeRateLimited, Message: err.Error()}
	default:
		return Error{Code: CodeInternal, Message: "internal error"}
	}
}

// Err converts a received error frame back into the room error taxonomy.
func (e Error) Err() error {
	switch e.Code {
	case CodePermissionDenied:
		return &room.PermissionError{Action: "", Reason: e.Details}
	case CodeLocationDenied:
		return &room.LocationError{Reason: room.LocationReason(e.Details)}
	case CodeVoteBudgetExceeded:
		return room.ErrVoteBudgetExceeded
	case CodeInvalidTrack:
		return room.ErrInvalidTrack
	case CodePersistenceFailure:
		return &room.PersistenceError{Op: "server", Err: errors.New(e.Message)}
	case CodeInvalidArgument:
		return errors.Join(room.ErrInvalidArgument, errors.New(e.Message))
	case CodeNotFound:
		return room.ErrRoomNotFound
	case CodeRateLimited:
		return ErrRateLimited
	default:
		return errors.New(e.Message)
	}
}

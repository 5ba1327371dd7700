package room

import (
	"context"
	"time"
)

// LocationResult is the answer of an external geofence/time-window check.
type LocationResult struct {
	Allowed bool
	Reason  LocationReason
}

// GeoChecker decides location_based access.
type GeoChecker interface {
	CheckLocationPermission(ctx context.Context, roomID string, coords Coordinates) (LocationResult, error)
}

// Actor is the identity a permission decision is made for.
type Actor struct {
	UserID   string
	Role     Role // membership role, RoleNone when not invited
	Joined   bool // currently present in the room session
	Location *Coordinates
}

type Evaluator struct {
	Geo GeoChecker
}

func (e *Evaluator) CanVote(ctx context.Context, rm *Room, a Actor) (bool, string, error) {
	return e.decide(ctx, ActionVote, rm, a)
}

func (e *Evaluator) CanControlPlayback(ctx context.Context, rm *Room, a Actor) (bool, string, error) {
	return e.decide(ctx, ActionControl, rm, a)
}

func (e *Evaluator) CanAddTrack(ctx context.Context, rm *Room, a Actor) (bool, string, error) {
	return e.decide(ctx, ActionAddTrack, rm, a)
}

// Authorize turns a decision into an error: nil when allowed, *PermissionError
// or *LocationError otherwise.
func (e *Evaluator) Authorize(ctx context.Context, action Action, rm *Room, a Actor) error {
	ok, reason, err := e.decide(ctx, action, rm, a)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionError{Action: action, Reason: reason}
	}
	return nil
}

func (e *Evaluator) decide(ctx context.Context, action Action, rm *Room, a Actor) (bool, string, error) {
	// owner and admins can always act regardless of license
	if a.Role == RoleOwner || a.Role == RoleAdmin || (a.UserID != "" && a.UserID == rm.OwnerID) {
		return true, "", nil
	}

	member := a.Role != RoleNone
	if rm.Visibility == VisibilityPrivate && !member {
		return false, "room is private, invite required", nil
	}

	switch rm.License {
	case "", LicenseOpen:
		if rm.Kind == KindEvent && action == ActionControl {
			return false, "only the owner or an admin can control playback of an event", nil
		}
		if !a.Joined && !member {
			return false, "join the room first", nil
		}
		return true, "", nil

	case LicenseInvited:
		if member {
			return true, "", nil
		}
		if action == ActionControl && rm.Kind == KindPlaylist && rm.Visibility == VisibilityPublic && a.Joined {
			return true, "", nil
		}
		return false, "license requires invitation", nil

	case LicenseLocationBased:
		return e.checkLocation(ctx, action, rm, a)

	default:
		return false, "unsupported license type", nil
	}
}

func (e *Evaluator) checkLocation(ctx context.Context, action Action, rm *Room, a Actor) (bool, string, error) {
	if e.Geo == nil || a.Location == nil {
		return false, "", &LocationError{Action: action, Reason: CheckUnavailable}
	}
	res, err := e.Geo.CheckLocationPermission(ctx, rm.ID, *a.Location)
	if err != nil {
		return false, "", &LocationError{Action: action, Reason: CheckUnavailable, Err: err}
	}
	if !res.Allowed {
		reason := res.Reason
		if reason == "" {
			reason = OutsideRadius
		}
		return false, "", &LocationError{Action: action, Reason: reason}
	}
	return true, "", nil
}

// CheckVoteBudget rejects a new vote when the actor already holds the room's maximum.
// A zero maximum means unlimited.
func CheckVoteBudget(rm *Room, active int) error {
	if rm.MaxVotesPerUser <= 0 {
		return nil
	}
	if active >= rm.MaxVotesPerUser {
		return ErrVoteBudgetExceeded
	}
	return nil
}

// ValidateWindow enforces:
// - start and end (if set) cannot be in the past or more than a year ahead
// - if both set, the window must be at least one hour and end after start
func ValidateWindow(w TimeWindow, now time.Time) error {
	const maxFuture = 365 * 24 * time.Hour
	const minWindow = time.Hour

	if w.Start != nil {
		if w.Start.Before(now) {
			return invalidArg("window start cannot be in the past")
		}
		if w.Start.After(now.Add(maxFuture)) {
			return invalidArg("window start cannot be more than 1 year in the future")
		}
	}
	if w.End != nil {
		if w.End.Before(now) {
			return invalidArg("window end cannot be in the past")
		}
		if w.End.After(now.Add(maxFuture)) {
			return invalidArg("window end cannot be more than 1 year in the future")
		}
	}
	if w.Start != nil && w.End != nil {
		if w.End.Before(*w.Start) {
			return invalidArg("window end must be after start")
		}
		if w.End.Sub(*w.Start) < minWindow {
			return invalidArg("window must be at least 1 hour")
		}
	}
	return nil
}

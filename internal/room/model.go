package room

import (
	"time"
)

type Kind string

const (
	KindPlaylist Kind = "playlist"
	KindEvent    Kind = "event"
)

// License controls who may vote, add tracks and control playback.
type License string

const (
	LicenseOpen          License = "open"
	LicenseInvited       License = "invited"
	LicenseLocationBased License = "location_based"
)

type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

type Role string

const (
	RoleNone        Role = ""
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
)

type VoteType string

const (
	Upvote   VoteType = "upvote"
	Downvote VoteType = "downvote"
)

const (
	TrackQueued  = "queued"
	TrackPlaying = "playing"
	TrackPlayed  = "played"
	// TrackRemoved rows only reserve their insertion index when a room is reloaded.
	TrackRemoved = "removed"
)

type PlaybackStatus string

const (
	StatusStopped PlaybackStatus = "stopped"
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Geofence struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radiusM"`
}

// TimeWindow bounds when a location_based room accepts actions. Either end may be open.
type TimeWindow struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	if w.End != nil && t.After(*w.End) {
		return false
	}
	return true
}

// Room is the synchronization domain for one playlist or live event.
// Members holds the persisted invitation list (participants and collaborators)
// and is distinct from who is currently connected.
type Room struct {
	ID              string          `json:"id"`
	Kind            Kind            `json:"kind"`
	OwnerID         string          `json:"ownerId"`
	License         License         `json:"license"`
	Visibility      Visibility      `json:"visibility"`
	Geofence        *Geofence       `json:"geofence,omitempty"`
	Window          *TimeWindow     `json:"window,omitempty"`
	MaxVotesPerUser int             `json:"maxVotesPerUser"`
	Members         map[string]Role `json:"members,omitempty"`
}

// RoleOf resolves the membership role of userID; RoleNone when not invited.
func (r *Room) RoleOf(userID string) Role {
	if userID == "" {
		return RoleNone
	}
	if userID == r.OwnerID {
		return RoleOwner
	}
	return r.Members[userID]
}

func (r Room) clone() Room {
	out := r
	if r.Members != nil {
		out.Members = make(map[string]Role, len(r.Members))
		for k, v := range r.Members {
			out.Members[k] = v
		}
	}
	if r.Geofence != nil {
		g := *r.Geofence
		out.Geofence = &g
	}
	if r.Window != nil {
		w := *r.Window
		out.Window = &w
	}
	return out
}

type Participant struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`

	location *Coordinates
}

// Track belongs to a room. InsertionIndex is assigned the first time the id is
// seen in the room and never changes afterwards.
type Track struct {
	ID             string    `json:"id"`
	SourceRef      string    `json:"sourceRef"`
	Title          string    `json:"title"`
	Artist         string    `json:"artist"`
	Album          string    `json:"album,omitempty"`
	DurationMs     int       `json:"durationMs"`
	PreviewRef     string    `json:"previewRef,omitempty"`
	AddedBy        string    `json:"addedBy"`
	CreatedAt      time.Time `json:"createdAt"`
	InsertionIndex int       `json:"insertionIndex"`
	Status         string    `json:"status"`
}

type Vote struct {
	RoomID    string    `json:"roomId"`
	TrackID   string    `json:"trackId"`
	UserID    string    `json:"userId"`
	Type      VoteType  `json:"type"`
	Weight    int       `json:"weight"`
	CreatedAt time.Time `json:"createdAt"`
}

type PlaybackState struct {
	RoomID         string         `json:"roomId"`
	CurrentTrackID string         `json:"currentTrackId,omitempty"`
	Status         PlaybackStatus `json:"status"`
	StartedAt      time.Time      `json:"startedAt"`
	Position       float64        `json:"position"` // seconds, as of StartedAt
	Volume         int            `json:"volume"`
	ControlledBy   string         `json:"controlledBy,omitempty"`
	LastCommandAt  time.Time      `json:"lastCommandAt"`
}

// PositionAt returns the playback cursor in seconds at now.
func (p PlaybackState) PositionAt(now time.Time) float64 {
	if p.Status != StatusPlaying || p.StartedAt.IsZero() {
		return p.Position
	}
	elapsed := now.Sub(p.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return p.Position + elapsed
}

// Snapshot is the serializable form of a room's full state.
type Snapshot struct {
	Room         Room          `json:"room"`
	Tracks       []Track       `json:"tracks"`
	Votes        []Vote        `json:"votes"`
	Playback     PlaybackState `json:"playback"`
	Participants []Participant `json:"participants"`
	Failed       []string      `json:"failed,omitempty"`
	Seq          uint64        `json:"seq"`
}

package session

import (
	"context"

	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
)

// Store is the durable side of a room. Implementations return
// room.ErrRoomNotFound from LoadRoom for unknown ids.
type Store interface {
	LoadRoom(ctx context.Context, roomID string) (*room.Room, error)
	ListTracks(ctx context.Context, roomID string) ([]room.Track, error)
	ListVotes(ctx context.Context, roomID string) ([]room.Vote, error)
	LoadPlayback(ctx context.Context, roomID string) (*room.PlaybackState, error)

	CreateVote(ctx context.Context, v room.Vote) error
	DeleteVote(ctx context.Context, roomID, trackID, userID string) error
	DeleteUserVotes(ctx context.Context, roomID, userID string) error

	AddTrack(ctx context.Context, roomID string, t room.Track) error
	RemoveTrack(ctx context.Context, roomID, trackID string) error
	SetTrackStatus(ctx context.Context, roomID, trackID, status string) error
	// MarkPlayed flags a track as played and drops its votes.
	MarkPlayed(ctx context.Context, roomID, trackID string) error

	UpdateRoom(ctx context.Context, roomID string, updates map[string]any) error
	CreateRoom(ctx context.Context, rm *room.Room) (string, error)
	AddMember(ctx context.Context, roomID, userID string, role room.Role) error
}

// Publisher fans a room envelope out to every subscriber of that room.
type Publisher interface {
	Publish(ctx context.Context, env protocol.Envelope) error
}

// PlaybackUpdates is the UpdateRoom payload that persists p.
func PlaybackUpdates(p room.PlaybackState) map[string]any {
	var current any
	if p.CurrentTrackID != "" {
		current = p.CurrentTrackID
	}
	var started any
	if !p.StartedAt.IsZero() {
		started = p.StartedAt
	}
	return map[string]any{
		"current_track_id": current,
		"playback_status":  string(p.Status),
		"position":         p.Position,
		"started_at":       started,
		"volume":           p.Volume,
		"controlled_by":    p.ControlledBy,
		"last_command_at":  p.LastCommandAt,
	}
}

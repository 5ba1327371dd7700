package protocol

import (
	"github.com/n0fish/musicroom-sync/internal/room"
)

type Kind string

const (
	KindJoinRoom            Kind = "join-room"
	KindLeaveRoom           Kind = "leave-room"
	KindCurrentParticipants Kind = "current-participants"
	KindVote                Kind = "vote"
	KindRemoveVote          Kind = "remove-vote"
	KindAddTrack            Kind = "add-track"
	KindTrackAdded          Kind = "track-added"
	KindRemoveTrack         Kind = "remove-track"
	KindTrackRemoved        Kind = "track-removed"
	KindTracksReordered     Kind = "tracks-reordered"
	KindPlay                Kind = "play"
	KindPause               Kind = "pause"
	KindSeek                Kind = "seek"
	KindChangeTrack         Kind = "change-track"
	KindSetVolume           Kind = "set-volume"
	KindTrackEnded          Kind = "track-ended"
	KindTrackFailed         Kind = "track-failed"
	KindRoomState           Kind = "room-state"
	KindAck                 Kind = "ack"
	KindError               Kind = "error"
)

// Message is the closed set of payloads that can travel inside an Envelope.
type Message interface {
	Kind() Kind
	message()
}

type JoinRoom struct {
	DisplayName string            `json:"displayName,omitempty"`
	Location    *room.Coordinates `json:"location,omitempty"`
}

type LeaveRoom struct{}

type CurrentParticipants struct {
	Participants []room.Participant `json:"participants"`
}

// Vote may carry the voter's current position; location_based rooms check
// it. Broadcasts never include it.
type Vote struct {
	TrackID  string            `json:"trackId"`
	Type     room.VoteType     `json:"type"`
	Weight   int               `json:"weight,omitempty"`
	Location *room.Coordinates `json:"location,omitempty"`
}

type RemoveVote struct {
	TrackID string `json:"trackId"`
}

// AddTrack is a client request; the server answers with TrackAdded.
type AddTrack struct {
	Track room.Track `json:"track"`
}

type TrackAdded struct {
	Track room.Track `json:"track"`
}

type RemoveTrack struct {
	TrackID string `json:"trackId"`
}

type TrackRemoved struct {
	TrackID string `json:"trackId"`
}

type TracksReordered struct {
	Order []string `json:"order"`
}

type Play struct {
	TrackID   string   `json:"trackId,omitempty"`
	StartTime *float64 `json:"startTime,omitempty"`
}

type Pause struct {
	CurrentTime *float64 `json:"currentTime,omitempty"`
}

type Seek struct {
	Time float64 `json:"time"`
}

type ChangeTrack struct {
	TrackID string `json:"trackId,omitempty"`
	Index   *int   `json:"index,omitempty"`
}

type SetVolume struct {
	Volume int `json:"volume"`
}

// TrackEnded is reported by clients with TrackID only; the broadcast carries
// the track playback moved to, empty when it stopped.
type TrackEnded struct {
	TrackID     string `json:"trackId"`
	NextTrackID string `json:"nextTrackId,omitempty"`
}

type TrackFailed struct {
	TrackID     string `json:"trackId"`
	NextTrackID string `json:"nextTrackId,omitempty"`
}

type RoomState struct {
	Snapshot room.Snapshot `json:"snapshot"`
}

type Ack struct{}

type Error struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Code    Code   `json:"code,omitempty"`
}

func (JoinRoom) Kind() Kind            { return KindJoinRoom }
func (LeaveRoom) Kind() Kind           { return KindLeaveRoom }
func (CurrentParticipants) Kind() Kind { return KindCurrentParticipants }
func (Vote) Kind() Kind                { return KindVote }
func (RemoveVote) Kind() Kind          { return KindRemoveVote }
func (AddTrack) Kind() Kind            { return KindAddTrack }
func (TrackAdded) Kind() Kind          { return KindTrackAdded }
func (RemoveTrack) Kind() Kind         { return KindRemoveTrack }
func (TrackRemoved) Kind() Kind        { return KindTrackRemoved }
func (TracksReordered) Kind() Kind     { return KindTracksReordered }
func (Play) Kind() Kind                { return KindPlay }
func (Pause) Kind() Kind               { return KindPause }
func (Seek) Kind() Kind                { return KindSeek }
func (ChangeTrack) Kind() Kind         { return KindChangeTrack }
func (SetVolume) Kind() Kind           { return KindSetVolume }
func (TrackEnded) Kind() Kind          { return KindTrackEnded }
func (TrackFailed) Kind() Kind         { return KindTrackFailed }
func (RoomState) Kind() Kind           { return KindRoomState }
func (Ack) Kind() Kind                 { return KindAck }
func (Error) Kind() Kind               { return KindError }

func (JoinRoom) message()            {}
func (LeaveRoom) message()           {}
func (CurrentParticipants) message() {}
func (Vote) message()                {}
func (RemoveVote) message()          {}
func (AddTrack) message()            {}
func (TrackAdded) message()          {}
func (RemoveTrack) message()         {}
func (TrackRemoved) message()        {}
func (TracksReordered) message()     {}
func (Play) message()                {}
func (Pause) message()               {}
func (Seek) message()                {}
func (ChangeTrack) message()         {}
func (SetVolume) message()           {}
func (TrackEnded) message()          {}
func (TrackFailed) message()         {}
func (RoomState) message()           {}
func (Ack) message()                 {}
func (Error) message()               {}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownKind = errors.New("unknown message type")

// Envelope is the room-scoped wire frame shared by the websocket, the Redis
// bus and the client channel.
type Envelope struct {
	Type      Kind            `json:"type"`
	RoomID    string          `json:"roomId"`
	ActorID   string          `json:"actorId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps msg for roomID on behalf of actorID.
func NewEnvelope(roomID, actorID string, msg Message, ts time.Time) (Envelope, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return Envelope{
		Type:      msg.Kind(),
		RoomID:    roomID,
		ActorID:   actorID,
		Timestamp: ts.UTC(),
		Payload:   raw,
	}, nil
}

// Decode returns the typed payload of e.
func (e Envelope) Decode() (Message, error) {
	switch e.Type {
	case KindJoinRoom:
		return decodeAs[JoinRoom](e)
	case KindLeaveRoom:
		return decodeAs[LeaveRoom](e)
	case KindCurrentParticipants:
		return decodeAs[CurrentParticipants](e)
	case KindVote:
		return decodeAs[Vote](e)
	case KindRemoveVote:
		return decodeAs[RemoveVote](e)
	case KindAddTrack:
		return decodeAs[AddTrack](e)
	case KindTrackAdded:
		return decodeAs[TrackAdded](e)
	case KindRemoveTrack:
		return decodeAs[RemoveTrack](e)
	case KindTrackRemoved:
		return decodeAs[TrackRemoved](e)
	case KindTracksReordered:
		return decodeAs[TracksReordered](e)
	case KindPlay:
		return decodeAs[Play](e)
	case KindPause:
		return decodeAs[Pause](e)
	case KindSeek:
		return decodeAs[Seek](e)
	case KindChangeTrack:
		return decodeAs[ChangeTrack](e)
	case KindSetVolume:
		return decodeAs[SetVolume](e)
	case KindTrackEnded:
		return decodeAs[TrackEnded](e)
	case KindTrackFailed:
		return decodeAs[TrackFailed](e)
	case KindRoomState:
		return decodeAs[RoomState](e)
	case KindAck:
		return decodeAs[Ack](e)
	case KindError:
		return decodeAs[Error](e)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Type)
	}
}

func decodeAs[T Message](e Envelope) (Message, error) {
	var m T
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return m, nil
}

// Marshal encodes the envelope as a single JSON frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a JSON frame.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

// IsRequest reports whether k is something a client may send.
func IsRequest(k Kind) bool {
	switch k {
	case KindJoinRoom, KindLeaveRoom, KindVote, KindRemoveVote, KindAddTrack, KindRemoveTrack,
		KindPlay, KindPause, KindSeek, KindChangeTrack, KindSetVolume, KindTrackEnded, KindTrackFailed:
		return true
	}
	return false
}

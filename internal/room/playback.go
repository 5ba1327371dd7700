package room

import (
	"time"
)

// Advance describes the outcome of a track-ended or track-failed transition.
type Advance struct {
	EndedID  string
	NextID   string // empty when playback stopped
	Released []Vote // votes dropped from the ended track
	Stale    bool   // the reported track was not current; nothing changed
}

// Play starts or resumes playback. An empty trackID resumes the current track,
// or starts the first eligible track of the queue when nothing is current.
func (s *State) Play(by, trackID string, startTime *float64, now time.Time) (PlaybackState, error) {
	if startTime != nil && *startTime < 0 {
		return PlaybackState{}, invalidArg("start time must not be negative")
	}
	if trackID == "" {
		trackID = s.playback.CurrentTrackID
	}
	if trackID == "" {
		next, ok := s.NextEligible("")
		if !ok {
			return PlaybackState{}, invalidArg("queue has no playable track")
		}
		trackID = next.ID
	}
	if err := s.playable(trackID); err != nil {
		return PlaybackState{}, err
	}

	resume := trackID == s.playback.CurrentTrackID
	pos := 0.0
	if resume {
		pos = s.playback.PositionAt(now)
	}
	if startTime != nil {
		pos = *startTime
	}
	s.setCurrent(trackID)
	s.playback.Status = StatusPlaying
	s.playback.Position = pos
	s.playback.StartedAt = now
	s.touch(by, now)
	return s.playback, nil
}

// Pause freezes the cursor at currentTime, or at the derived position when nil.
func (s *State) Pause(by string, currentTime *float64, now time.Time) (PlaybackState, error) {
	if s.playback.CurrentTrackID == "" {
		return PlaybackState{}, invalidArg("nothing is playing")
	}
	if currentTime != nil && *currentTime < 0 {
		return PlaybackState{}, invalidArg("current time must not be negative")
	}
	pos := s.playback.PositionAt(now)
	if currentTime != nil {
		pos = *currentTime
	}
	s.playback.Status = StatusPaused
	s.playback.Position = pos
	s.playback.StartedAt = now
	s.touch(by, now)
	return s.playback, nil
}

// ApplySeek moves the cursor. Throttling happens before this is called.
func (s *State) ApplySeek(by string, t float64, now time.Time) (PlaybackState, error) {
	if s.playback.CurrentTrackID == "" {
		return PlaybackState{}, invalidArg("nothing is playing")
	}
	if t < 0 {
		return PlaybackState{}, invalidArg("seek time must not be negative")
	}
	s.playback.Position = t
	s.playback.StartedAt = now
	s.touch(by, now)
	return s.playback, nil
}

// ChangeTrack jumps to trackID, or to the track at index in the current order
// when trackID is empty.
func (s *State) ChangeTrack(by, trackID string, index *int, now time.Time) (PlaybackState, error) {
	if trackID == "" {
		if index == nil {
			return PlaybackState{}, invalidArg("track id or index is required")
		}
		order := s.Order()
		if *index < 0 || *index >= len(order) {
			return PlaybackState{}, ErrInvalidTrack
		}
		trackID = order[*index].ID
	}
	if err := s.playable(trackID); err != nil {
		return PlaybackState{}, err
	}
	s.setCurrent(trackID)
	s.playback.Status = StatusPlaying
	s.playback.Position = 0
	s.playback.StartedAt = now
	s.touch(by, now)
	return s.playback, nil
}

func (s *State) SetVolume(by string, volume int, now time.Time) (PlaybackState, error) {
	if volume < 0 || volume > 100 {
		return PlaybackState{}, invalidArg("volume must be between 0 and 100, got %d", volume)
	}
	s.playback.Volume = volume
	s.touch(by, now)
	return s.playback, nil
}

// TrackEnded marks trackID played and advances to the next eligible track.
// A report for a track that is no longer current is stale and ignored.
func (s *State) TrackEnded(by, trackID string, now time.Time) Advance {
	if trackID == "" || trackID != s.playback.CurrentTrackID {
		return Advance{EndedID: trackID, Stale: true}
	}
	next, _ := s.NextEligible(trackID)
	return s.AdvanceTo(by, trackID, next.ID, now)
}

// TrackFailed records that trackID could not be loaded. When it is the current
// track playback moves on as if it had ended.
func (s *State) TrackFailed(by, trackID string, now time.Time) Advance {
	s.MarkFailed(trackID)
	if trackID != s.playback.CurrentTrackID {
		return Advance{EndedID: trackID, Stale: true}
	}
	next, _ := s.NextEligible(trackID)
	return s.AdvanceTo(by, trackID, next.ID, now)
}

// AdvanceTo applies a known transition: endedID becomes played and nextID, if
// any, starts from zero.
func (s *State) AdvanceTo(by, endedID, nextID string, now time.Time) Advance {
	adv := Advance{EndedID: endedID, NextID: nextID}
	if t, ok := s.tracks[endedID]; ok {
		t.Status = TrackPlayed
		s.tracks[endedID] = t
		adv.Released = s.ledger.RemoveTrack(endedID)
	}
	if s.playback.CurrentTrackID == endedID {
		s.playback.CurrentTrackID = ""
	}

	if _, ok := s.tracks[nextID]; nextID == "" || !ok {
		adv.NextID = ""
		s.playback.CurrentTrackID = ""
		s.playback.Status = StatusStopped
		s.playback.Position = 0
		s.playback.StartedAt = time.Time{}
		s.touch(by, now)
		return adv
	}

	s.setCurrent(nextID)
	s.playback.Status = StatusPlaying
	s.playback.Position = 0
	s.playback.StartedAt = now
	s.touch(by, now)
	return adv
}

// NextEligible returns the first track of the order that is not excludeID,
// has a preview reference and has not failed.
func (s *State) NextEligible(excludeID string) (Track, bool) {
	for _, t := range s.Order() {
		if t.ID == excludeID || t.Status == TrackPlayed || t.PreviewRef == "" {
			continue
		}
		if _, failed := s.failed[t.ID]; failed {
			continue
		}
		return t, true
	}
	return Track{}, false
}

func (s *State) MarkFailed(trackID string) {
	if trackID != "" {
		s.failed[trackID] = struct{}{}
	}
}

func (s *State) Failed(trackID string) bool {
	_, ok := s.failed[trackID]
	return ok
}

// Overdue reports whether the current track has played past its duration plus grace.
func (s *State) Overdue(now time.Time, grace time.Duration) bool {
	p := s.playback
	if p.Status != StatusPlaying || p.CurrentTrackID == "" {
		return false
	}
	t, ok := s.tracks[p.CurrentTrackID]
	if !ok || t.DurationMs <= 0 {
		return false
	}
	played := time.Duration(p.PositionAt(now) * float64(time.Second))
	return played > time.Duration(t.DurationMs)*time.Millisecond+grace
}

func (s *State) playable(trackID string) error {
	t, ok := s.tracks[trackID]
	if !ok || t.Status == TrackPlayed {
		return ErrInvalidTrack
	}
	return nil
}

// setCurrent swaps the pinned track; the previous one goes back to the queue.
func (s *State) setCurrent(trackID string) {
	prev := s.playback.CurrentTrackID
	if prev != "" && prev != trackID {
		if t, ok := s.tracks[prev]; ok && t.Status == TrackPlaying {
			t.Status = TrackQueued
			s.tracks[prev] = t
		}
	}
	if t, ok := s.tracks[trackID]; ok {
		t.Status = TrackPlaying
		s.tracks[trackID] = t
	}
	s.playback.CurrentTrackID = trackID
}

func (s *State) touch(by string, now time.Time) {
	s.playback.ControlledBy = by
	s.playback.LastCommandAt = now
}

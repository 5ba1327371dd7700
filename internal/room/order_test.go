package room

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func track(id string, minute int) Track {
	return Track{ID: id, Title: id, PreviewRef: "preview/" + id, DurationMs: 180000, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

func ids(tracks []Track) []string {
	out := make([]string, len(tracks))
	for i, t := range tracks {
		out[i] = t.ID
	}
	return out
}

func TestOrder(t *testing.T) {
	t.Run("equal score falls back to createdAt", func(t *testing.T) {
		tracks := []Track{track("t3", 3), track("t1", 1), track("t2", 2)}
		got := Order(tracks, func(string) int { return 0 }, "")
		assert.Equal(t, []string{"t1", "t2", "t3"}, ids(got))
	})

	t.Run("score desc wins", func(t *testing.T) {
		scores := map[string]int{"t1": 0, "t2": 2}
		got := Order([]Track{track("t1", 1), track("t2", 2)}, func(id string) int { return scores[id] }, "")
		assert.Equal(t, []string{"t2", "t1"}, ids(got))
	})

	t.Run("insertion index breaks createdAt ties", func(t *testing.T) {
		a, b := track("b", 1), track("a", 1)
		a.InsertionIndex, b.InsertionIndex = 0, 1
		got := Order([]Track{b, a}, func(string) int { return 0 }, "")
		assert.Equal(t, []string{"b", "a"}, ids(got))
	})

	t.Run("current track is pinned first", func(t *testing.T) {
		scores := map[string]int{"t1": 5, "t2": -3}
		got := Order([]Track{track("t1", 1), track("t2", 2)}, func(id string) int { return scores[id] }, "t2")
		assert.Equal(t, []string{"t2", "t1"}, ids(got))
	})

	t.Run("played tracks are excluded", func(t *testing.T) {
		p := track("t1", 1)
		p.Status = TrackPlayed
		got := Order([]Track{p, track("t2", 2)}, func(string) int { return 0 }, "")
		assert.Equal(t, []string{"t2"}, ids(got))
	})

	t.Run("does not mutate input", func(t *testing.T) {
		in := []Track{track("t2", 2), track("t1", 1)}
		Order(in, func(string) int { return 0 }, "")
		assert.Equal(t, []string{"t2", "t1"}, ids(in))
	})
}

func TestOrderDeterministic(t *testing.T) {
	s := NewState(Room{ID: "r1", License: LicenseOpen, Visibility: VisibilityPublic})
	for i, id := range []string{"t5", "t1", "t4", "t2", "t3"} {
		tr := track(id, i%2)
		_, err := s.AddTrack(tr)
		require.NoError(t, err)
	}
	s.ApplyVote(Vote{TrackID: "t4", UserID: "a", Type: Upvote, Weight: 1})
	s.ApplyVote(Vote{TrackID: "t2", UserID: "a", Type: Upvote, Weight: 1})

	first, err := json.Marshal(s.Order())
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := json.Marshal(s.Clone().Order())
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

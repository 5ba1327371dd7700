package room

import "sort"

// Order derives the playback order: the current track pinned first, then every
// queued track by net score desc, createdAt asc, insertion index asc and id.
// It never mutates tracks and is a total order, so equal inputs give equal output.
func Order(tracks []Track, score func(trackID string) int, currentID string) []Track {
	var pinned *Track
	rest := make([]Track, 0, len(tracks))
	for i := range tracks {
		t := tracks[i]
		if currentID != "" && t.ID == currentID {
			pinned = &t
			continue
		}
		if t.Status == TrackPlayed {
			continue
		}
		rest = append(rest, t)
	}

	sort.SliceStable(rest, func(i, j int) bool {
		si, sj := score(rest[i].ID), score(rest[j].ID)
		if si != sj {
			return si > sj
		}
		if !rest[i].CreatedAt.Equal(rest[j].CreatedAt) {
			return rest[i].CreatedAt.Before(rest[j].CreatedAt)
		}
		if rest[i].InsertionIndex != rest[j].InsertionIndex {
			return rest[i].InsertionIndex < rest[j].InsertionIndex
		}
		return rest[i].ID < rest[j].ID
	})

	if pinned == nil {
		return rest
	}
	return append([]Track{*pinned}, rest...)
}

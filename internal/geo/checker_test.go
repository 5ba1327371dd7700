package geo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0fish/musicroom-sync/internal/room"
)

type staticRooms map[string]*room.Room

func (s staticRooms) LoadRoom(_ context.Context, id string) (*room.Room, error) {
	rm, ok := s[id]
	if !ok {
		return nil, room.ErrRoomNotFound
	}
	return rm, nil
}

func TestWithin(t *testing.T) {
	cLat, cLng := 48.8566, 2.3522
	fence := room.Geofence{Lat: cLat, Lng: cLng, RadiusM: 100}

	assert.True(t, Within(fence, room.Coordinates{Lat: cLat, Lng: cLng}))
	// ~11m away
	assert.True(t, Within(fence, room.Coordinates{Lat: cLat + 0.0001, Lng: cLng}))
	assert.False(t, Within(fence, room.Coordinates{Lat: cLat + 1.0, Lng: cLng}))
}

func TestDistance(t *testing.T) {
	// one degree of latitude is roughly 111km
	d := Distance(room.Coordinates{Lat: 0, Lng: 0}, room.Coordinates{Lat: 1, Lng: 0})
	assert.InDelta(t, 111195, d, 100)
	assert.Zero(t, Distance(room.Coordinates{Lat: 10, Lng: 10}, room.Coordinates{Lat: 10, Lng: 10}))
}

func TestCheckLocationPermission(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
	clk := clock.NewMock()
	clk.Set(now)

	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	later := now.Add(2 * time.Hour)
	rooms := staticRooms{
		"open":    {ID: "open", Geofence: &room.Geofence{Lat: 48.8566, Lng: 2.3522, RadiusM: 200}, Window: &room.TimeWindow{Start: &start, End: &end}},
		"future":  {ID: "future", Geofence: &room.Geofence{Lat: 48.8566, Lng: 2.3522, RadiusM: 200}, Window: &room.TimeWindow{Start: &later}},
		"nofence": {ID: "nofence"},
	}
	c := NewChecker(rooms, clk)

	t.Run("inside", func(t *testing.T) {
		res, err := c.CheckLocationPermission(ctx, "open", room.Coordinates{Lat: 48.8567, Lng: 2.3522})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("outside radius", func(t *testing.T) {
		res, err := c.CheckLocationPermission(ctx, "open", room.Coordinates{Lat: 45.76, Lng: 4.83})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, room.OutsideRadius, res.Reason)
	})

	t.Run("outside window", func(t *testing.T) {
		res, err := c.CheckLocationPermission(ctx, "future", room.Coordinates{Lat: 48.8566, Lng: 2.3522})
		require.NoError(t, err)
		assert.Equal(t, room.OutsideTimeWindow, res.Reason)
	})

	t.Run("no geofence", func(t *testing.T) {
		_, err := c.CheckLocationPermission(ctx, "nofence", room.Coordinates{})
		assert.True(t, errors.Is(err, ErrNoGeofence))
	})

	t.Run("unknown room", func(t *testing.T) {
		_, err := c.CheckLocationPermission(ctx, "missing", room.Coordinates{})
		assert.ErrorIs(t, err, room.ErrRoomNotFound)
	})
}

func TestCheckerFeedsEvaluator(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC))
	rm := &room.Room{ID: "r1", OwnerID: "o", Kind: room.KindEvent, License: room.LicenseLocationBased,
		Geofence: &room.Geofence{Lat: 48.8566, Lng: 2.3522, RadiusM: 200}}
	eval := &room.Evaluator{Geo: NewChecker(staticRooms{"r1": rm}, clk)}

	far := &room.Coordinates{Lat: 40.0, Lng: -3.7}
	err := eval.Authorize(context.Background(), room.ActionVote, rm, room.Actor{UserID: "u", Joined: true, Location: far})
	var lErr *room.LocationError
	require.ErrorAs(t, err, &lErr)
	assert.Equal(t, room.OutsideRadius, lErr.Reason)
	assert.ErrorIs(t, err, room.ErrPermissionDenied)
}

// Package geo is the default location gate for location_based rooms: a
// haversine radius test plus the room's time window.
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/benbjohnson/clock"

	"github.com/n0fish/musicroom-sync/internal/room"
)

const earthRadiusM = 6371000.0

var ErrNoGeofence = errors.New("geo: room has no geofence")

// RoomLoader is the part of the room store the checker reads.
type RoomLoader interface {
	LoadRoom(ctx context.Context, roomID string) (*room.Room, error)
}

type Checker struct {
	rooms RoomLoader
	clock clock.Clock
}

func NewChecker(rooms RoomLoader, clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.New()
	}
	return &Checker{rooms: rooms, clock: clk}
}

// CheckLocationPermission reports whether coords may act in roomID right now.
// The time window is checked before the radius.
func (c *Checker) CheckLocationPermission(ctx context.Context, roomID string, coords room.Coordinates) (room.LocationResult, error) {
	rm, err := c.rooms.LoadRoom(ctx, roomID)
	if err != nil {
		return room.LocationResult{}, fmt.Errorf("geo: load room %s: %w", roomID, err)
	}
	if rm.Window != nil && !rm.Window.Contains(c.clock.Now()) {
		return room.LocationResult{Reason: room.OutsideTimeWindow}, nil
	}
	if rm.Geofence == nil {
		return room.LocationResult{}, ErrNoGeofence
	}
	if !Within(*rm.Geofence, coords) {
		return room.LocationResult{Reason: room.OutsideRadius}, nil
	}
	return room.LocationResult{Allowed: true}, nil
}

// Within reports whether p lies inside the fence, border included.
func Within(fence room.Geofence, p room.Coordinates) bool {
	return Distance(room.Coordinates{Lat: fence.Lat, Lng: fence.Lng}, p) <= fence.RadiusM
}

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b room.Coordinates) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := rad(b.Lat - a.Lat)
	dLng := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/n0fish/musicroom-sync/internal/room"
)

// DB defines the interface for database operations.
// It is implemented by *pgxpool.Pool and can be mocked for testing.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ErrConflict is returned when an insert hits a unique constraint.
var ErrConflict = errors.New("storage: conflict")

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// roomColumns are the columns UpdateRoom accepts.
var roomColumns = map[string]bool{
	"current_track_id": true,
	"playback_status":  true,
	"position":         true,
	"started_at":       true,
	"volume":           true,
	"controlled_by":    true,
	"last_command_at":  true,
	"visibility":       true,
	"license":          true,
	"max_votes":        true,
}

func (s *PostgresStore) LoadRoom(ctx context.Context, roomID string) (*room.Room, error) {
	var rm room.Room
	var kind, license, visibility string
	var geoLat, geoLng, geoRadius *float64
	var windowStart, windowEnd *time.Time
	err := s.db.QueryRow(ctx, `
        SELECT id, kind, owner_id, license, visibility,
               geo_lat, geo_lng, geo_radius_m, window_start, window_end, max_votes
        FROM rooms WHERE id=$1
    `, roomID).Scan(
		&rm.ID, &kind, &rm.OwnerID, &license, &visibility,
		&geoLat, &geoLng, &geoRadius, &windowStart, &windowEnd, &rm.MaxVotesPerUser,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, room.ErrRoomNotFound
		}
		return nil, err
	}
	rm.Kind = room.Kind(kind)
	rm.License = room.License(license)
	rm.Visibility = room.Visibility(visibility)
	if geoLat != nil && geoLng != nil && geoRadius != nil {
		rm.Geofence = &room.Geofence{Lat: *geoLat, Lng: *geoLng, RadiusM: *geoRadius}
	}
	if windowStart != nil || windowEnd != nil {
		rm.Window = &room.TimeWindow{Start: windowStart, End: windowEnd}
	}

	rows, err := s.db.Query(ctx, `SELECT user_id, role FROM room_members WHERE room_id=$1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, err
		}
		if rm.Members == nil {
			rm.Members = make(map[string]room.Role)
		}
		rm.Members[userID] = room.Role(role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &rm, nil
}

// ListTracks returns every track row of the room, removed ones included.
func (s *PostgresStore) ListTracks(ctx context.Context, roomID string) ([]room.Track, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, source_ref, title, artist, album, duration_ms, preview_ref,
               added_by, created_at, insertion_index, status
        FROM tracks
        WHERE room_id=$1
        ORDER BY insertion_index ASC
    `, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracks := make([]room.Track, 0)
	for rows.Next() {
		var t room.Track
		if err := rows.Scan(
			&t.ID, &t.SourceRef, &t.Title, &t.Artist, &t.Album, &t.DurationMs, &t.PreviewRef,
			&t.AddedBy, &t.CreatedAt, &t.InsertionIndex, &t.Status,
		); err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tracks, nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, roomID string) ([]room.Vote, error) {
	rows, err := s.db.Query(ctx, `
        SELECT track_id, user_id, vote_type, weight, created_at
        FROM votes WHERE room_id=$1
        ORDER BY created_at ASC
    `, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	votes := make([]room.Vote, 0)
	for rows.Next() {
		v := room.Vote{RoomID: roomID}
		var vt string
		if err := rows.Scan(&v.TrackID, &v.UserID, &vt, &v.Weight, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Type = room.VoteType(vt)
		votes = append(votes, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return votes, nil
}

// LoadPlayback returns nil when the room never had a playback command.
func (s *PostgresStore) LoadPlayback(ctx context.Context, roomID string) (*room.PlaybackState, error) {
	var current *string
	var status string
	var startedAt, lastCommandAt *time.Time
	p := room.PlaybackState{RoomID: roomID}
	err := s.db.QueryRow(ctx, `
        SELECT current_track_id, playback_status, position, started_at,
               volume, controlled_by, last_command_at
        FROM rooms WHERE id=$1
    `, roomID).Scan(&current, &status, &p.Position, &startedAt, &p.Volume, &p.ControlledBy, &lastCommandAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, room.ErrRoomNotFound
		}
		return nil, err
	}
	if lastCommandAt == nil && current == nil {
		return nil, nil
	}
	if current != nil {
		p.CurrentTrackID = *current
	}
	p.Status = room.PlaybackStatus(status)
	if startedAt != nil {
		p.StartedAt = *startedAt
	}
	if lastCommandAt != nil {
		p.LastCommandAt = *lastCommandAt
	}
	return &p, nil
}

// CreateVote inserts v or replaces the user's previous vote on the same track.
func (s *PostgresStore) CreateVote(ctx context.Context, v room.Vote) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO votes(room_id, track_id, user_id, vote_type, weight, created_at)
        VALUES($1,$2,$3,$4,$5,$6)
        ON CONFLICT(room_id, track_id, user_id)
        DO UPDATE SET vote_type = EXCLUDED.vote_type, weight = EXCLUDED.weight, created_at = EXCLUDED.created_at
    `, v.RoomID, v.TrackID, v.UserID, string(v.Type), v.Weight, v.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteVote(ctx context.Context, roomID, trackID, userID string) error {
	res, err := s.db.Exec(ctx, `
        DELETE FROM votes
        WHERE room_id=$1 AND track_id=$2 AND user_id=$3
    `, roomID, trackID, userID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteUserVotes(ctx context.Context, roomID, userID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM votes WHERE room_id=$1 AND user_id=$2`, roomID, userID)
	return err
}

// AddTrack inserts t. A track that was removed earlier is revived in place and
// keeps its stored insertion index.
func (s *PostgresStore) AddTrack(ctx context.Context, roomID string, t room.Track) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO tracks(room_id, id, source_ref, title, artist, album, duration_ms,
                           preview_ref, added_by, created_at, insertion_index, status)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT(room_id, id) DO UPDATE SET
            source_ref = EXCLUDED.source_ref,
            title = EXCLUDED.title,
            artist = EXCLUDED.artist,
            album = EXCLUDED.album,
            duration_ms = EXCLUDED.duration_ms,
            preview_ref = EXCLUDED.preview_ref,
            added_by = EXCLUDED.added_by,
            created_at = EXCLUDED.created_at,
            status = EXCLUDED.status
        WHERE tracks.status = 'removed'
    `, roomID, t.ID, t.SourceRef, t.Title, t.Artist, t.Album, t.DurationMs,
		t.PreviewRef, t.AddedBy, t.CreatedAt, t.InsertionIndex, t.Status)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return err
	}
	return nil
}

// RemoveTrack soft-deletes the track and drops its votes in one transaction.
func (s *PostgresStore) RemoveTrack(ctx context.Context, roomID, trackID string) error {
	return s.retireTrack(ctx, roomID, trackID, room.TrackRemoved)
}

// MarkPlayed flags a track as played and drops its votes.
func (s *PostgresStore) MarkPlayed(ctx context.Context, roomID, trackID string) error {
	return s.retireTrack(ctx, roomID, trackID, room.TrackPlayed)
}

func (s *PostgresStore) retireTrack(ctx context.Context, roomID, trackID, status string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := tx.Exec(ctx, `UPDATE tracks SET status=$1 WHERE room_id=$2 AND id=$3`, status, roomID, trackID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	if _, err := tx.Exec(ctx, `DELETE FROM votes WHERE room_id=$1 AND track_id=$2`, roomID, trackID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetTrackStatus(ctx context.Context, roomID, trackID, status string) error {
	res, err := s.db.Exec(ctx, `UPDATE tracks SET status=$1 WHERE room_id=$2 AND id=$3`, status, roomID, trackID)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// UpdateRoom writes the given columns. Keys outside the known column set are rejected.
func (s *PostgresStore) UpdateRoom(ctx context.Context, roomID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	keys := make([]string, 0, len(updates))
	for k := range updates {
		if !roomColumns[k] {
			return fmt.Errorf("storage: unknown room column %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	setParts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		setParts = append(setParts, k+" = $"+strconv.Itoa(i+1))
		args = append(args, updates[k])
	}
	args = append(args, roomID)
	query := "UPDATE rooms SET " + strings.Join(setParts, ", ") + ", updated_at = now() WHERE id = $" + strconv.Itoa(len(keys)+1)
	res, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return room.ErrRoomNotFound
	}
	return nil
}

// CreateRoom inserts rm and its members, generating an id when rm.ID is empty.
func (s *PostgresStore) CreateRoom(ctx context.Context, rm *room.Room) (string, error) {
	id := rm.ID
	if id == "" {
		id = uuid.NewString()
	}
	var geoLat, geoLng, geoRadius *float64
	if rm.Geofence != nil {
		geoLat, geoLng, geoRadius = &rm.Geofence.Lat, &rm.Geofence.Lng, &rm.Geofence.RadiusM
	}
	var windowStart, windowEnd *time.Time
	if rm.Window != nil {
		windowStart, windowEnd = rm.Window.Start, rm.Window.End
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
        INSERT INTO rooms (id, kind, owner_id, license, visibility,
                           geo_lat, geo_lng, geo_radius_m, window_start, window_end, max_votes)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING id
    `, id, string(rm.Kind), rm.OwnerID, string(rm.License), string(rm.Visibility),
		geoLat, geoLng, geoRadius, windowStart, windowEnd, rm.MaxVotesPerUser).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrConflict
		}
		return "", err
	}

	members := make([]string, 0, len(rm.Members))
	for userID := range rm.Members {
		members = append(members, userID)
	}
	sort.Strings(members)
	for _, userID := range members {
		if _, err := tx.Exec(ctx, `
            INSERT INTO room_members(room_id, user_id, role) VALUES($1,$2,$3)
        `, id, userID, string(rm.Members[userID])); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, roomID, userID string, role room.Role) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO room_members(room_id, user_id, role)
        VALUES($1,$2,$3) ON CONFLICT(room_id, user_id) DO UPDATE SET role = EXCLUDED.role
    `, roomID, userID, string(role))
	return err
}

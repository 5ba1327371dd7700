package storage

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms(
        id TEXT PRIMARY KEY,
        kind TEXT NOT NULL DEFAULT 'playlist',
        owner_id TEXT NOT NULL,
        license TEXT NOT NULL DEFAULT 'open',
        visibility TEXT NOT NULL DEFAULT 'public',
        geo_lat DOUBLE PRECISION,
        geo_lng DOUBLE PRECISION,
        geo_radius_m DOUBLE PRECISION,
        window_start TIMESTAMPTZ,
        window_end TIMESTAMPTZ,
        max_votes INT NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE TABLE IF NOT EXISTS room_members(
        room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
        user_id TEXT NOT NULL,
        role TEXT NOT NULL DEFAULT 'participant',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        PRIMARY KEY(room_id, user_id)
    )`,
	`CREATE TABLE IF NOT EXISTS tracks(
        room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
        id TEXT NOT NULL,
        source_ref TEXT NOT NULL DEFAULT '',
        title TEXT NOT NULL DEFAULT '',
        artist TEXT NOT NULL DEFAULT '',
        album TEXT NOT NULL DEFAULT '',
        duration_ms INT NOT NULL DEFAULT 0,
        preview_ref TEXT NOT NULL DEFAULT '',
        added_by TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        insertion_index INT NOT NULL,
        status TEXT NOT NULL DEFAULT 'queued',
        PRIMARY KEY(room_id, id)
    )`,
	`CREATE TABLE IF NOT EXISTS votes(
        room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
        track_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        vote_type TEXT NOT NULL DEFAULT 'upvote',
        weight INT NOT NULL DEFAULT 1,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE(room_id, track_id, user_id)
    )`,
	`CREATE INDEX IF NOT EXISTS idx_votes_room_user ON votes(room_id, user_id)`,
}

// Playback columns were added after the first release of the rooms table.
var playbackColumns = []string{
	`current_track_id TEXT`,
	`playback_status TEXT NOT NULL DEFAULT 'stopped'`,
	`position DOUBLE PRECISION NOT NULL DEFAULT 0`,
	`started_at TIMESTAMPTZ`,
	`volume INT NOT NULL DEFAULT 100`,
	`controlled_by TEXT NOT NULL DEFAULT ''`,
	`last_command_at TIMESTAMPTZ`,
}

// AutoMigrate creates the tables the store needs. It is safe to run on every start.
func AutoMigrate(ctx context.Context, db DB, logger *log.Logger) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	for _, col := range playbackColumns {
		if _, err := db.Exec(ctx, `ALTER TABLE rooms ADD COLUMN IF NOT EXISTS `+col); err != nil {
			logger.Warn("migrate alter rooms", "column", col, "err", err)
		}
	}
	return nil
}

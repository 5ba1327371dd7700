package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/n0fish/musicroom-sync/internal/auth"
	"github.com/n0fish/musicroom-sync/internal/client"
	"github.com/n0fish/musicroom-sync/internal/config"
	"github.com/n0fish/musicroom-sync/internal/room"
)

func listen(ctx context.Context, cmd *cli.Command) error {
	logger := config.NewLogger(nil, cmd.String("log-level"))
	token := cmd.String("token")
	if token == "" {
		return fmt.Errorf("%w: --token or MUSICROOM_TOKEN is required", client.ErrNoCredential)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	name := cmd.String("name")
	if name == "" {
		name = cmd.String("user")
	}
	s := client.NewRoomSession(client.SessionOptions{
		URL:         cmd.String("url"),
		RoomID:      cmd.String("room"),
		UserID:      cmd.String("user"),
		DisplayName: name,
		Creds:       auth.NewStaticToken(token, nil),
		Logger:      logger,
		OnConnState: func(st client.ConnState, err error) {
			if err != nil {
				logger.Warn("connection", "state", st, "err", err)
				if st == client.StateFailed {
					stop()
				}
				return
			}
			logger.Info("connection", "state", st)
		},
	})

	rec := s.Reconciler()
	rec.OnChange(func(snap room.Snapshot) {
		st := room.FromSnapshot(snap)
		ids := make([]string, 0, len(snap.Tracks))
		for _, t := range st.Order() {
			ids = append(ids, fmt.Sprintf("%s(%+d)", t.ID, st.NetScore(t.ID)))
		}
		logger.Info("queue",
			"tracks", strings.Join(ids, " "),
			"playing", snap.Playback.CurrentTrackID,
			"participants", len(snap.Participants),
		)
	})
	rec.OnError(func(err error) { logger.Warn("request rejected", "err", err) })

	if err := s.Open(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Leave()
	return nil
}

package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/n0fish/musicroom-sync/internal/config"
)

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Sources: cli.EnvVars("MUSICROOM_CONFIG"),
	}
}

func main() {
	logger := config.NewLogger(nil, "info")

	app := &cli.Command{
		Name:  "musicroom",
		Usage: "Shared listening rooms: voting queue and synchronized playback",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the realtime room server",
				Flags:  []cli.Flag{configFlag()},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Create or upgrade the database schema",
				Flags:  []cli.Flag{configFlag()},
				Action: migrate,
			},
			{
				Name:  "listen",
				Usage: "Join a room and print the reconciled queue as it changes",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "url", Usage: "Websocket endpoint", Value: "ws://localhost:8080/ws"},
					&cli.StringFlag{Name: "room", Usage: "Room id", Required: true},
					&cli.StringFlag{Name: "user", Usage: "User id the token was issued to", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Display name"},
					&cli.StringFlag{Name: "token", Usage: "Bearer token", Sources: cli.EnvVars("MUSICROOM_TOKEN")},
					&cli.StringFlag{Name: "log-level", Value: "info"},
				},
				Action: listen,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}

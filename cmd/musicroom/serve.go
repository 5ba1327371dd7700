package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"golang.org/x/time/rate"

	"github.com/n0fish/musicroom-sync/internal/auth"
	"github.com/n0fish/musicroom-sync/internal/config"
	"github.com/n0fish/musicroom-sync/internal/geo"
	"github.com/n0fish/musicroom-sync/internal/realtime"
	"github.com/n0fish/musicroom-sync/internal/session"
	"github.com/n0fish/musicroom-sync/internal/storage"
)

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.Database.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := config.NewLogger(nil, cfg.Log.Level)

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := storage.AutoMigrate(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("schema up to date")
	return nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	logger := config.NewLogger(nil, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := storage.AutoMigrate(ctx, pool, logger); err != nil {
		return err
	}
	store := storage.NewPostgresStore(pool)
	clk := clock.New()

	var srv *realtime.Server
	hub := realtime.NewHub(logger, func(roomID, userID string) { srv.OnLeave(roomID, userID) })
	go hub.Run(ctx)

	var pub session.Publisher = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		pub = realtime.NewRedisBus(rdb)
		go func() {
			if err := realtime.RunRedisSubscriber(ctx, rdb, hub, logger, nil); err != nil {
				logger.Error("redis subscriber stopped", "err", err)
				stop()
			}
		}()
		logger.Info("redis fan-out enabled", "addr", cfg.Redis.Addr)
	}

	reg := session.NewRegistry(store, pub, geo.NewChecker(store, clk), clk, logger, cfg.Sync.Options())
	defer reg.Close()
	reg.StartTicker(ctx)

	verifier := auth.NewVerifier([]byte(cfg.Auth.JWTSecret), clk)
	srv = realtime.NewServer(hub, reg, verifier, clk, logger, realtime.ServerOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      rate.Limit(cfg.Sync.RateLimitRPS),
		RateBurst:      cfg.Sync.RateLimitBurst,
	})

	router := srv.Router(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.Timeout(60*time.Second),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("musicroom listening", "addr", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

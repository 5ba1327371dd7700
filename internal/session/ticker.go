package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/n0fish/musicroom-sync/internal/room"
)

// StartTicker starts a background worker that advances tracks which played
// past their duration and unloads rooms that stayed empty for IdleTTL.
func (r *Registry) StartTicker(ctx context.Context) {
	ticker := r.clock.Ticker(r.opts.TickInterval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				r.tick(ctx)
			}
		}
	}()
}

func (r *Registry) tick(ctx context.Context) {
	r.mu.Lock()
	actors := make(map[string]*Actor, len(r.actors))
	for id, a := range r.actors {
		actors[id] = a
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for id, a := range actors {
		wg.Add(1)
		go func(id string, a *Actor) {
			defer wg.Done()
			r.tickRoom(ctx, id, a)
		}(id, a)
	}
	wg.Wait()
}

func (r *Registry) tickRoom(ctx context.Context, id string, a *Actor) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.WriteTimeout)
	defer cancel()

	err := a.advanceOverdue(ctx, r.opts.Grace)
	if err != nil && !errors.Is(err, errActorStopped) && ctx.Err() == nil {
		r.log.Warn("ticker advance error", "room", id, "err", err)
	}
	now := r.clock.Now()
	r.retire(ctx, id, a, func(s *room.State, lastActive time.Time) bool {
		return !s.HasParticipants() && now.Sub(lastActive) >= r.opts.IdleTTL
	})
}

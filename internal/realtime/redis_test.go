package realtime

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0fish/musicroom-sync/internal/protocol"
)

func TestRedisBusRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	hub := startHub(t, nil)
	listener := fakeClient(t, hub, "r1", "alice", 4)
	stranger := fakeClient(t, hub, "r2", "bob", 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- RunRedisSubscriber(ctx, rdb, hub, log.New(io.Discard), ready) }()
	select {
	case <-ready:
	case err := <-errCh:
		t.Fatalf("subscriber exited: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not ready")
	}

	bus := NewRedisBus(rdb)
	env, err := protocol.NewEnvelope("r1", "carol", protocol.Seek{Time: 42}, time.Now())
	require.NoError(t, err)
	env.Seq = 7
	require.NoError(t, bus.Publish(context.Background(), env))

	got, err := protocol.Unmarshal(receive(t, listener))
	require.NoError(t, err)
	assert.Equal(t, protocol.KindSeek, got.Type)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, "carol", got.ActorID)

	select {
	case <-stranger.send:
		t.Fatal("frame delivered to the wrong room")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestRoomChannel(t *testing.T) {
	assert.Equal(t, "musicroom:room:abc", roomChannel("abc"))
}

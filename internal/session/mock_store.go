package session

import (
	"context"
	"sync"

	"github.com/n0fish/musicroom-sync/internal/protocol"
	"github.com/n0fish/musicroom-sync/internal/room"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) LoadRoom(ctx context.Context, roomID string) (*room.Room, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*room.Room), args.Error(1)
}

func (m *MockStore) ListTracks(ctx context.Context, roomID string) ([]room.Track, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]room.Track), args.Error(1)
}

func (m *MockStore) ListVotes(ctx context.Context, roomID string) ([]room.Vote, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]room.Vote), args.Error(1)
}

func (m *MockStore) LoadPlayback(ctx context.Context, roomID string) (*room.PlaybackState, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*room.PlaybackState), args.Error(1)
}

func (m *MockStore) CreateVote(ctx context.Context, v room.Vote) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}

func (m *MockStore) DeleteVote(ctx context.Context, roomID, trackID, userID string) error {
	args := m.Called(ctx, roomID, trackID, userID)
	return args.Error(0)
}

func (m *MockStore) DeleteUserVotes(ctx context.Context, roomID, userID string) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *MockStore) AddTrack(ctx context.Context, roomID string, t room.Track) error {
	args := m.Called(ctx, roomID, t)
	return args.Error(0)
}

func (m *MockStore) RemoveTrack(ctx context.Context, roomID, trackID string) error {
	args := m.Called(ctx, roomID, trackID)
	return args.Error(0)
}

func (m *MockStore) SetTrackStatus(ctx context.Context, roomID, trackID, status string) error {
	args := m.Called(ctx, roomID, trackID, status)
	return args.Error(0)
}

func (m *MockStore) MarkPlayed(ctx context.Context, roomID, trackID string) error {
	args := m.Called(ctx, roomID, trackID)
	return args.Error(0)
}

func (m *MockStore) UpdateRoom(ctx context.Context, roomID string, updates map[string]any) error {
	args := m.Called(ctx, roomID, updates)
	return args.Error(0)
}

func (m *MockStore) CreateRoom(ctx context.Context, rm *room.Room) (string, error) {
	args := m.Called(ctx, rm)
	return args.String(0), args.Error(1)
}

func (m *MockStore) AddMember(ctx context.Context, roomID, userID string, role room.Role) error {
	args := m.Called(ctx, roomID, userID, role)
	return args.Error(0)
}

// MemoryPublisher records published envelopes. Err, when set, is returned
// from every Publish call.
type MemoryPublisher struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	Err  error
}

func (p *MemoryPublisher) Publish(_ context.Context, env protocol.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return p.Err
}

func (p *MemoryPublisher) Envelopes() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope(nil), p.envs...)
}

// Kinds lists the types of the published envelopes in order.
func (p *MemoryPublisher) Kinds() []protocol.Kind {
	envs := p.Envelopes()
	out := make([]protocol.Kind, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func (p *MemoryPublisher) Reset() {
	p.mu.Lock()
	p.envs = nil
	p.mu.Unlock()
}

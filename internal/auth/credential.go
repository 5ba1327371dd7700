package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

var ErrExpired = errors.New("auth: credential expired")

// StaticToken is a client credential source backed by one pre-issued token.
// It refuses to hand out the token once its exp claim has passed.
type StaticToken struct {
	mu       sync.Mutex
	token    string
	rejected int
	clock    clock.Clock

	OnRejected func()
}

func NewStaticToken(token string, clk clock.Clock) *StaticToken {
	if clk == nil {
		clk = clock.New()
	}
	return &StaticToken{token: token, clock: clk}
}

func (s *StaticToken) Credential(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", nil
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.token, claims); err == nil && claims.ExpiresAt != nil {
		if !s.clock.Now().Before(claims.ExpiresAt.Time) {
			return "", ErrExpired
		}
	}
	return s.token, nil
}

func (s *StaticToken) OnAuthRejected() {
	s.mu.Lock()
	s.rejected++
	cb := s.OnRejected
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Rejections counts OnAuthRejected calls since the last SetToken.
func (s *StaticToken) Rejections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

func (s *StaticToken) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.rejected = 0
	s.mu.Unlock()
}

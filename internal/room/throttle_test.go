package room

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

type seekRecorder struct {
	mu      sync.Mutex
	applied []float64
}

func (r *seekRecorder) apply(t float64) {
	r.mu.Lock()
	r.applied = append(r.applied, t)
	r.mu.Unlock()
}

func (r *seekRecorder) values() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.applied...)
}

func TestSeekThrottleCoalesces(t *testing.T) {
	mock := clock.NewMock()
	rec := &seekRecorder{}
	th := NewSeekThrottle(mock, DefaultSeekWindow, rec.apply)

	th.Request(10)
	mock.Add(100 * time.Millisecond)
	th.Request(42)

	pending, ok := th.Pending()
	assert.True(t, ok)
	assert.Equal(t, 42.0, pending)
	assert.Empty(t, rec.values())

	mock.Add(400 * time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []float64{42}, rec.values())

	_, ok = th.Pending()
	assert.False(t, ok)
}

func TestSeekThrottleNewWindowAfterApply(t *testing.T) {
	mock := clock.NewMock()
	rec := &seekRecorder{}
	th := NewSeekThrottle(mock, DefaultSeekWindow, rec.apply)

	th.Request(1)
	mock.Add(DefaultSeekWindow)
	assert.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)

	th.Request(2)
	mock.Add(DefaultSeekWindow)
	assert.Eventually(t, func() bool { return len(rec.values()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{1, 2}, rec.values())
}

func TestSeekThrottleStop(t *testing.T) {
	mock := clock.NewMock()
	rec := &seekRecorder{}
	th := NewSeekThrottle(mock, DefaultSeekWindow, rec.apply)

	assert.False(t, th.Stop())
	th.Request(7)
	assert.True(t, th.Stop())

	mock.Add(time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.values())
}

func TestSeekThrottleIgnoresStaleCallback(t *testing.T) {
	mock := clock.NewMock()
	rec := &seekRecorder{}
	th := NewSeekThrottle(mock, DefaultSeekWindow, rec.apply)

	th.Request(1)
	th.mu.Lock()
	stale := th.gen
	th.mu.Unlock()
	th.Stop()
	th.Request(2)

	// a callback of the stopped window that lost the race for the lock
	th.fire(stale)
	assert.Empty(t, rec.values())
	pending, ok := th.Pending()
	assert.True(t, ok)
	assert.Equal(t, 2.0, pending)

	mock.Add(DefaultSeekWindow)
	assert.Eventually(t, func() bool { return len(rec.values()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{2}, rec.values())
}

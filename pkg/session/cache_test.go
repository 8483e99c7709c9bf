package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sharefs/pkg/connection"
)

type fakeSession struct {
	id       int
	closes   atomic.Int32
	closeErr error
	panicky  bool
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	if s.panicky {
		panic("boom")
	}
	return s.closeErr
}

type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	sessions []*fakeSession
	delay    time.Duration
	err      error
	closeErr error
	panicky  bool
	tunings  []Tuning
}

func (d *fakeDialer) Dial(ctx context.Context, conn connection.Connection, tuning Tuning) (Session, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.tunings = append(d.tunings, tuning)
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSession{id: d.dials, closeErr: d.closeErr, panicky: d.panicky}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func conn(host string) connection.Connection {
	return connection.Connection{Protocol: connection.ProtocolSMB, Host: host, User: "u", Password: "p", Folder: "share"}
}

func TestAcquireReturnsSameSessionForSameIdentity(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{Capacity: 4})
	ctx := context.Background()

	a, err := c.Acquire(ctx, conn("h1").WithPath("/a.txt"), false)
	require.NoError(t, err)
	b, err := c.Acquire(ctx, conn("h1").WithPath("/dir/"), false)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, d.dialCount())
	assert.Equal(t, 1, c.Len())
}

func TestCacheNeverExceedsCapacity(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{Capacity: 3})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := c.Acquire(ctx, conn(fmt.Sprintf("h%d", i)), false)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Len(), 3)
	}

	// Exactly the 7 oldest sessions were torn down, once each.
	for i, s := range d.sessions {
		want := int32(0)
		if i < 7 {
			want = 1
		}
		assert.Equal(t, want, s.closes.Load(), "session %d", i)
	}
}

func TestEvictionPicksLeastRecentlyUsed(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{Capacity: 2})
	ctx := context.Background()

	first, _ := c.Acquire(ctx, conn("a"), false)
	second, _ := c.Acquire(ctx, conn("b"), false)

	// Touch "a" so "b" becomes the LRU entry.
	_, _ = c.Acquire(ctx, conn("a"), false)
	_, _ = c.Acquire(ctx, conn("c"), false)

	assert.True(t, c.Contains(conn("a")))
	assert.False(t, c.Contains(conn("b")))
	assert.Equal(t, int32(0), first.(*fakeSession).closes.Load())
	assert.Equal(t, int32(1), second.(*fakeSession).closes.Load())
}

func TestForceNewReplacesOnlyItsOwnEntry(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{Capacity: 4})
	ctx := context.Background()

	oldA, _ := c.Acquire(ctx, conn("a"), false)
	b, _ := c.Acquire(ctx, conn("b"), false)

	newA, err := c.Acquire(ctx, conn("a"), true)
	require.NoError(t, err)

	assert.NotSame(t, oldA, newA)
	assert.Equal(t, int32(1), oldA.(*fakeSession).closes.Load())
	assert.Equal(t, int32(0), b.(*fakeSession).closes.Load())
	assert.Equal(t, 2, c.Len())

	again, _ := c.Acquire(ctx, conn("a"), false)
	assert.Same(t, newA, again)
}

func TestDialFailureInstallsNothing(t *testing.T) {
	dialErr := errors.New("logon failure")
	d := &fakeDialer{err: dialErr}
	c := New(d, Config{Capacity: 2})

	s, err := c.Acquire(context.Background(), conn("a"), false)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, dialErr)
	assert.Equal(t, 0, c.Len())
}

func TestInvalidateIsIdempotent(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{Capacity: 2})

	s, _ := c.Acquire(context.Background(), conn("a"), false)

	c.Invalidate(conn("a"))
	c.Invalidate(conn("a"))
	c.Invalidate(conn("never-cached"))

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int32(1), s.(*fakeSession).closes.Load())
}

func TestEvictAllTearsDownEverything(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{Capacity: 5})
	ctx := context.Background()

	for _, h := range []string{"a", "b", "c"} {
		_, err := c.Acquire(ctx, conn(h), false)
		require.NoError(t, err)
	}

	c.EvictAll()

	assert.Equal(t, 0, c.Len())
	for _, s := range d.sessions {
		assert.Equal(t, int32(1), s.closes.Load())
	}
}

func TestEvictAllTearsDownDialsInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := &fakeSession{id: 1}
	var once sync.Once
	c := New(DialerFunc(func(ctx context.Context, conn connection.Connection, tuning Tuning) (Session, error) {
		once.Do(func() {
			close(started)
			<-release
		})
		return s, nil
	}), Config{Capacity: 2})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Acquire(context.Background(), conn("a"), false)
		errc <- err
	}()

	<-started
	c.EvictAll()
	close(release)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return")
	}
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int32(1), s.closes.Load())

	// Dials started after the eviction are cached normally.
	got, err := c.Acquire(context.Background(), conn("b"), true)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, c.Len())
}

func TestTeardownErrorsAreSwallowed(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		d := &fakeDialer{closeErr: errors.New("already disconnected")}
		c := New(d, Config{Capacity: 1})
		ctx := context.Background()

		_, _ = c.Acquire(ctx, conn("a"), false)
		_, err := c.Acquire(ctx, conn("b"), false)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("panic", func(t *testing.T) {
		d := &fakeDialer{panicky: true}
		c := New(d, Config{Capacity: 1})
		ctx := context.Background()

		_, _ = c.Acquire(ctx, conn("a"), false)
		assert.NotPanics(t, func() {
			_, _ = c.Acquire(ctx, conn("b"), false)
			c.EvictAll()
		})
	})
}

func TestConcurrentMissesShareOneDial(t *testing.T) {
	d := &fakeDialer{delay: 50 * time.Millisecond}
	c := New(d, Config{Capacity: 4})

	const callers = 16
	results := make([]Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Acquire(context.Background(), conn("a"), false)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, d.dialCount())
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestAcquireHonorsCancellation(t *testing.T) {
	d := &fakeDialer{delay: 200 * time.Millisecond}
	c := New(d, Config{Capacity: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Acquire(ctx, conn("a"), false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared dial still completes and lands in the cache.
	require.Eventually(t, func() bool { return c.Contains(conn("a")) }, time.Second, 10*time.Millisecond)
}

func TestProbeIsNotCached(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{Capacity: 2})

	s, err := c.Probe(context.Background(), conn("a"))
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 0, c.Len())
}

func TestDialReceivesResolvedTuning(t *testing.T) {
	d := &fakeDialer{}
	c := New(d, Config{
		Capacity: 2,
		Settings: Settings{
			MinVersion:      "2.0.2",
			MaxVersion:      "3.1.1",
			ConnectTimeout:  5 * time.Second,
			ResponseTimeout: 30 * time.Second,
			GuestUser:       "sharefs-guest",
		},
	})

	dfs := conn("a")
	dfs.Options.EnableDFS = true
	_, err := c.Acquire(context.Background(), dfs, false)
	require.NoError(t, err)

	require.Len(t, d.tunings, 1)
	tuning := d.tunings[0]
	assert.Equal(t, "2.0.2", tuning.MinVersion)
	assert.Equal(t, "3.1.1", tuning.MaxVersion)
	assert.Equal(t, 5*time.Second, tuning.ConnectTimeout)
	assert.True(t, tuning.EnableDFS)
	assert.True(t, tuning.SigningRequired)
	assert.Equal(t, "sharefs-guest", tuning.GuestUser)
}

package imapx

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildraft/maildraft/pkg/models"
)

type poolAccounts struct{}

func (poolAccounts) GetAccountByID(_ context.Context, id int64) (*models.Account, error) {
	return &models.Account{ID: id, UserID: 1, Email: "owner@example.com", IMAPServer: "x:993"}, nil
}

// fakeConn counts commands; inflight trips the test when two commands overlap
// on one session.
type fakeConn struct {
	id       int64
	noops    atomic.Int32
	inflight atomic.Int32
	overlap  atomic.Bool
	closed   atomic.Bool
	noopErr  error
}

func (c *fakeConn) enter() {
	if c.inflight.Add(1) > 1 {
		c.overlap.Store(true)
	}
}

func (c *fakeConn) exit() { c.inflight.Add(-1) }

func (c *fakeConn) Select(_ context.Context, _ string) (*imap.MailboxStatus, error) {
	c.enter()
	defer c.exit()
	return &imap.MailboxStatus{}, nil
}

func (c *fakeConn) SearchNewUIDs(_ context.Context, _ uint32) ([]uint32, error) {
	c.enter()
	defer c.exit()
	time.Sleep(10 * time.Millisecond) // Window for a concurrent command to overlap
	return nil, nil
}

func (c *fakeConn) FetchMessage(_ context.Context, uid uint32) (*models.EmailMessage, error) {
	c.enter()
	defer c.exit()
	return &models.EmailMessage{UID: uid}, nil
}

func (c *fakeConn) Append(_ context.Context, _ string, _ []string, _ []byte) error { return nil }
func (c *fakeConn) Move(_ context.Context, _ uint32, _ string) error               { return nil }
func (c *fakeConn) AddFlag(_ context.Context, _ uint32, _ string) error            { return nil }

func (c *fakeConn) Noop(_ context.Context) error {
	c.noops.Add(1)
	return c.noopErr
}

func (c *fakeConn) Close() { c.closed.Store(true) }

// fakeDialer stands in for the TLS dial path.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) open(_ context.Context, accountID int64) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{id: accountID}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *fakeDialer) {
	t.Helper()
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 4
	}
	pool := NewPool(poolAccounts{}, nil, nil, cfg, slog.Default())
	t.Cleanup(pool.Close)

	dialer := &fakeDialer{}
	pool.open = dialer.open
	return pool, dialer
}

func TestAcquireReusesOneSessionPerAccount(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	ps, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(ps)

	again, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(again)

	assert.Equal(t, 1, dialer.dials())
	assert.Same(t, ps.Session(), again.Session())
}

func TestConcurrentAcquireSerializesOnOneSession(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ps, err := pool.Acquire(ctx, 1)
			if !assert.NoError(t, err) {
				return
			}
			_, _ = ps.Session().SearchNewUIDs(ctx, 0)
			pool.Release(ps)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, dialer.dials())
	conn := dialer.conns[0]
	assert.False(t, conn.overlap.Load(), "two commands ran concurrently on one session")
}

func TestGlobalCapBlocksNewAccounts(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{MaxSessions: 1})
	ctx := context.Background()

	first, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(first)

	// Account 1's open session holds the only capacity slot; a second
	// account waits rather than exceeding the cap.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(short, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, dialer.dials())

	// Evicting account 1 frees capacity for account 2.
	require.NoError(t, pool.Evict(ctx, 1))
	second, err := pool.Acquire(ctx, 2)
	require.NoError(t, err)
	pool.Release(second)
	assert.Equal(t, 2, dialer.dials())
}

func TestBrokenSessionIsReplaced(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	ps, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.ReleaseBroken(ps)

	replacement, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(replacement)

	assert.Equal(t, 2, dialer.dials())
	assert.True(t, dialer.conns[0].closed.Load())
	assert.NotSame(t, ps.Session(), replacement.Session())
}

func TestStaleSessionEvictedOnAcquire(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	ps, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(ps)

	// The connection died while idle; the liveness probe catches it and the
	// next checkout dials a replacement transparently.
	dialer.conns[0].noopErr = errors.New("connection reset")
	fresh, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(fresh)

	assert.Equal(t, 2, dialer.dials())
	assert.True(t, dialer.conns[0].closed.Load())
}

func TestAcquireAfterCloseFails(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	ps, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(ps)

	pool.Close()
	_, err = pool.Acquire(ctx, 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, dialer.conns[0].closed.Load())
}

func TestAcquireRacingCloseDoesNotOpenSession(t *testing.T) {
	pool, dialer := newTestPool(t, PoolConfig{})
	ctx := context.Background()

	// Seed the slot, then hold its gate so a racing Acquire parks on it.
	ps, err := pool.Acquire(ctx, 1)
	require.NoError(t, err)
	pool.Release(ps)

	pool.mu.Lock()
	sl := pool.slots[1]
	pool.mu.Unlock()
	sl.gate <- struct{}{}

	result := make(chan error, 1)
	go func() {
		handle, err := pool.Acquire(ctx, 1)
		if err == nil {
			pool.Release(handle)
		}
		result <- err
	}()

	// The pool shuts down while the acquirer waits on the gate; winning it
	// afterwards must not revive the slot.
	closeDone := make(chan struct{})
	go func() {
		pool.Close()
		close(closeDone)
	}()
	time.Sleep(20 * time.Millisecond)
	<-sl.gate

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("acquire never returned")
	}
	<-closeDone
	assert.Equal(t, 1, dialer.dials())
	assert.True(t, dialer.conns[0].closed.Load())
}

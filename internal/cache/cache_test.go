package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"execguard/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPutGet(t *testing.T) {
	c := New(10)
	_, ok := c.Get("k")
	assert.False(t, ok)

	require.NoError(t, c.Put("k", domain.Allow(domain.EventStateAllowBinary)))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, domain.EventStateAllowBinary, v.EventState())

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
}

func TestPut_RejectsMalformed(t *testing.T) {
	c := New(10)
	bad := domain.Verdict{
		Decision:  domain.Decision{Kind: domain.DecisionAllow, Reason: domain.EventStateAllowBinary | domain.EventStateBlockBinary},
		Cacheable: true,
	}
	assert.ErrorIs(t, c.Put("k", bad), domain.ErrCacheInconsistency)
	assert.Equal(t, 0, c.Len())
}

func TestPut_IgnoresNonCacheable(t *testing.T) {
	c := New(10)
	v := domain.Allow(domain.EventStateAllowSigningID)
	v.Cacheable = false
	require.NoError(t, c.Put("k", v))
	assert.Equal(t, 0, c.Len())
}

func TestEvictionOldestFirst(t *testing.T) {
	c := New(2)
	require.NoError(t, c.Put("a", domain.Allow(domain.EventStateAllowBinary)))
	require.NoError(t, c.Put("b", domain.Allow(domain.EventStateAllowBinary)))
	require.NoError(t, c.Put("c", domain.Block(domain.EventStateBlockBinary)))

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestBeginPending_Coalesces(t *testing.T) {
	c := New(10)
	p, err := c.BeginPending("k")
	require.NoError(t, err)

	other, err := c.BeginPending("k")
	assert.ErrorIs(t, err, ErrAlreadyPending)
	assert.Same(t, p, other)
	assert.Equal(t, 1, c.PendingLen())

	require.NoError(t, p.Resolve(domain.Block(domain.EventStateBlockTeamID)))
	assert.Equal(t, 0, c.PendingLen())

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, domain.EventStateBlockTeamID, v.EventState())
}

func TestGetOrBegin(t *testing.T) {
	c := New(10)
	_, hit, p, err := c.GetOrBegin("k")
	require.NoError(t, err)
	assert.False(t, hit)
	require.NotNil(t, p)

	_, hit, other, err := c.GetOrBegin("k")
	assert.ErrorIs(t, err, ErrAlreadyPending)
	assert.False(t, hit)
	assert.Same(t, p, other)

	require.NoError(t, p.Resolve(domain.Allow(domain.EventStateAllowCDHash)))
	v, hit, p2, err := c.GetOrBegin("k")
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Nil(t, p2)
	assert.Equal(t, domain.EventStateAllowCDHash, v.EventState())
}

func TestWait_WakesAllWaiters(t *testing.T) {
	c := New(10)
	p, err := c.BeginPending("k")
	require.NoError(t, err)

	var woke atomic.Int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			v, err := c.Wait(ctx, "k", 5*time.Second)
			if err != nil {
				return err
			}
			if v.EventState() != domain.EventStateAllowTeamID {
				t.Errorf("unexpected verdict %s", v.EventState())
			}
			woke.Add(1)
			return nil
		})
	}

	// Give waiters a chance to block before resolving; late arrivals see the
	// cached verdict instead.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Resolve(domain.Allow(domain.EventStateAllowTeamID)))
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(16), woke.Load())
}

func TestWait_Timeout(t *testing.T) {
	c := New(10)
	_, err := c.BeginPending("k")
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Wait(context.Background(), "k", 30*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWait_ContextCancelled(t *testing.T) {
	c := New(10)
	_, err := c.BeginPending("k")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Wait(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWait_NothingPending(t *testing.T) {
	c := New(10)
	_, err := c.Wait(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, c.Put("k", domain.Block(domain.EventStateBlockBinary)))
	v, err := c.Wait(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.False(t, v.Allowed())
}

func TestAbandon(t *testing.T) {
	c := New(10)
	p, err := c.BeginPending("k")
	require.NoError(t, err)

	p.Abandon()
	_, err = p.Wait(context.Background(), time.Second)
	assert.ErrorIs(t, err, domain.ErrCacheInconsistency)
	assert.Equal(t, 0, c.Len())

	// Resolve after Abandon has no effect.
	require.NoError(t, p.Resolve(domain.Allow(domain.EventStateAllowBinary)))
	assert.Equal(t, 0, c.Len())

	// The key can be claimed again.
	_, err = c.BeginPending("k")
	assert.NoError(t, err)
}

func TestResolve_NonCacheableWakesButDoesNotCache(t *testing.T) {
	c := New(10)
	p, err := c.BeginPending("k")
	require.NoError(t, err)

	v := domain.Allow(domain.EventStateAllowSigningID)
	v.Cacheable = false
	require.NoError(t, p.Resolve(v))

	got, err := p.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, got.Cacheable)
	assert.Equal(t, 0, c.Len())
}

func TestTransitiveFinalizeAndInvalidate(t *testing.T) {
	c := New(10)
	require.NoError(t, c.Put("a", domain.Allow(domain.EventStateAllowPendingTransitive)))
	require.NoError(t, c.Put("b", domain.Allow(domain.EventStateAllowPendingTransitive)))
	require.NoError(t, c.Put("plain", domain.Allow(domain.EventStateAllowBinary)))

	assert.True(t, c.FinalizeTransitive("a"))
	v, _ := c.Get("a")
	assert.Equal(t, domain.EventStateAllowTransitive, v.EventState())
	assert.False(t, c.FinalizeTransitive("a"), "already final")
	assert.False(t, c.FinalizeTransitive("plain"))

	assert.True(t, c.Invalidate("b"))
	_, ok := c.Get("b")
	assert.False(t, ok)
	assert.False(t, c.Invalidate("missing"))
}

func TestFlush(t *testing.T) {
	c := New(10)
	require.NoError(t, c.Put("a", domain.Allow(domain.EventStateAllowBinary)))
	p, err := c.BeginPending("b")
	require.NoError(t, err)

	assert.Equal(t, 1, c.Flush())
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, c.PendingLen())
	p.Abandon()
}

func TestResolve_AfterFlushOrInvalidateIsNotCached(t *testing.T) {
	for name, drop := range map[string]func(c *Cache){
		"flush":      func(c *Cache) { c.Flush() },
		"invalidate": func(c *Cache) { c.Invalidate("k") },
	} {
		t.Run(name, func(t *testing.T) {
			c := New(10)
			p, err := c.BeginPending("k")
			require.NoError(t, err)
			drop(c)

			require.NoError(t, p.Resolve(domain.Allow(domain.EventStateAllowTeamID)))
			got, err := p.Wait(context.Background(), time.Second)
			require.NoError(t, err)
			assert.Equal(t, domain.EventStateAllowTeamID, got.EventState())
			_, ok := c.Get("k")
			assert.False(t, ok)

			// A fresh evaluation caches again.
			p, err = c.BeginPending("k")
			require.NoError(t, err)
			require.NoError(t, p.Resolve(domain.Allow(domain.EventStateAllowBinary)))
			_, ok = c.Get("k")
			assert.True(t, ok)
		})
	}
}

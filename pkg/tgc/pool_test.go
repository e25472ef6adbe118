package tgc_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/houseofcat/turbogeode/pkg/tgc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStaticPool creates a pool over servers with no background prefill unless configure asks for it.
func newStaticPool(t *testing.T, manager *tgc.PoolManager, name string, configure func(*tgc.PoolFactory), servers ...tgc.ServerLocation) *tgc.Pool {
	t.Helper()

	pf := manager.CreateFactory()
	for _, server := range servers {
		require.NoError(t, pf.AddServer(server.Host, server.Port))
	}
	require.NoError(t, pf.SetMinConnections(0))
	require.NoError(t, pf.SetReadTimeout(2*time.Second))
	require.NoError(t, pf.SetConnectTimeout(time.Second))

	if configure != nil {
		configure(pf)
	}

	pool, err := pf.Create(name)
	require.NoError(t, err)

	return pool
}

func newLocatorPool(t *testing.T, manager *tgc.PoolManager, name string, configure func(*tgc.PoolFactory), locators ...tgc.ServerLocation) *tgc.Pool {
	t.Helper()

	pf := manager.CreateFactory()
	for _, locator := range locators {
		require.NoError(t, pf.AddLocator(locator.Host, locator.Port))
	}
	require.NoError(t, pf.SetMinConnections(0))
	require.NoError(t, pf.SetReadTimeout(2*time.Second))
	require.NoError(t, pf.SetConnectTimeout(time.Second))
	require.NoError(t, pf.SetUpdateLocatorListInterval(0))

	if configure != nil {
		configure(pf)
	}

	pool, err := pf.Create(name)
	require.NoError(t, err)

	return pool
}

func TestPoolExecute(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "execute", nil, server.location)

	for i := 0; i < 5; i++ {
		reply, err := pool.Execute(context.Background(), []byte("get"))
		require.NoError(t, err)
		assert.Equal(t, server.location.String()+"|get", string(reply))
	}

	// One connection is reused for sequential requests.
	assert.Equal(t, 1, pool.Size())
	assert.Equal(t, 1, pool.IdleCount())
	assert.Equal(t, int32(1), server.accepted.Load())

	stats := pool.Stats().Snapshot()
	assert.Equal(t, int64(5), stats.ClientOps)
	assert.Equal(t, int64(0), stats.ClientOpFailures)
	assert.Equal(t, int64(1), stats.PoolConnects)
	assert.Equal(t, int64(1), stats.Connections)
}

func TestPoolBlocksAtMaxUntilRelease(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "max", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMaxConnections(2))
		require.NoError(t, pf.SetFreeConnectionTimeout(5*time.Second))
	}, server.location)

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Size())

	got := make(chan *tgc.ConnectionHost, 1)
	go func() {
		host, err := pool.Acquire(context.Background())
		assert.NoError(t, err)
		got <- host
	}()

	select {
	case <-got:
		t.Fatal("third caller should block while the pool is at max")
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(first, true)

	select {
	case host := <-got:
		require.NotNil(t, host)
		assert.Equal(t, first.ConnectionID, host.ConnectionID)
		assert.Equal(t, tgc.StateInUse, host.State())
		pool.Release(host, true)
	case <-time.After(2 * time.Second):
		t.Fatal("third caller was not handed the released connection")
	}

	pool.Release(second, true)
	assert.Equal(t, 2, pool.Size())
	assert.Equal(t, int64(1), pool.Stats().ConnectionWaits.Load())
}

func TestPoolWaiterServedAfterUnhealthyRelease(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "unhealthy", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMaxConnections(1))
		require.NoError(t, pf.SetFreeConnectionTimeout(5*time.Second))
	}, server.location)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	got := make(chan *tgc.ConnectionHost, 1)
	go func() {
		host, err := pool.Acquire(context.Background())
		assert.NoError(t, err)
		got <- host
	}()

	time.Sleep(50 * time.Millisecond)
	pool.Release(held, false)
	assert.Equal(t, tgc.StateClosed, held.State())

	select {
	case host := <-got:
		require.NotNil(t, host)
		assert.NotEqual(t, held.ConnectionID, host.ConnectionID)
		pool.Release(host, true)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not served after the slot was freed")
	}

	assert.Equal(t, 1, pool.Size())
}

func TestPoolFreeConnectionTimeout(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	timeout := 100 * time.Millisecond
	pool := newStaticPool(t, manager, "timeout", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMaxConnections(1))
		require.NoError(t, pf.SetFreeConnectionTimeout(timeout))
	}, server.location)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(held, true)

	start := time.Now()
	_, err = pool.Execute(context.Background(), []byte("get"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, tgc.ErrAllConnectionsInUse)
	assert.Equal(t, tgc.KindCapacity, tgc.KindOf(err))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Equal(t, int64(1), pool.Stats().ConnectionWaitTimeouts.Load())
}

func TestPoolAcquireHonoursContext(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "context", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMaxConnections(1))
	}, server.location)

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer pool.Release(held, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = pool.Acquire(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPoolFailsOverMidRequest(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	broken := newFakeServer(t, fakeServerOptions{dropRequests: true})
	defer broken.Close()
	healthy := newFakeServer(t, fakeServerOptions{})
	defer healthy.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "failover", nil, broken.location, healthy.location)

	for i := 0; i < 4; i++ {
		reply, err := pool.Execute(context.Background(), []byte("put"))
		require.NoError(t, err)
		assert.Equal(t, healthy.location.String(), replyFrom(reply))
	}

	assert.GreaterOrEqual(t, broken.requests.Load(), int32(1))
	assert.GreaterOrEqual(t, pool.Stats().Retries.Load(), int64(1))
	assert.Equal(t, int64(0), pool.Stats().ClientOpFailures.Load())
}

func TestPoolExhaustsEveryServer(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	first := newFakeServer(t, fakeServerOptions{dropRequests: true})
	defer first.Close()
	second := newFakeServer(t, fakeServerOptions{dropRequests: true})
	defer second.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "exhausted", nil, first.location, second.location)

	_, err := pool.Execute(context.Background(), []byte("put"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tgc.ErrNotConnected)
	assert.Equal(t, tgc.KindTransport, tgc.KindOf(err))

	assert.Equal(t, int32(1), first.requests.Load())
	assert.Equal(t, int32(1), second.requests.Load())
	assert.Equal(t, int64(1), pool.Stats().ClientOpFailures.Load())
}

func TestPoolAllServersUnreachable(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "unreachable", nil, newDeadLocation(t), newDeadLocation(t))

	_, err := pool.Execute(context.Background(), []byte("put"))
	require.Error(t, err)
	assert.ErrorIs(t, err, tgc.ErrNotConnected)
	assert.NotErrorIs(t, err, tgc.ErrNoServersFound)
	assert.Equal(t, tgc.KindTransport, tgc.KindOf(err))

	assert.Equal(t, int64(2), pool.Stats().ConnectFailures.Load())
	assert.Equal(t, int64(1), pool.Stats().ClientOpFailures.Load())
}

func TestPoolRetryAttemptsBound(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	first := newFakeServer(t, fakeServerOptions{dropRequests: true})
	defer first.Close()
	second := newFakeServer(t, fakeServerOptions{})
	defer second.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "no-retry", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetRetryAttempts(0))
	}, first.location, second.location)

	// Round robin hands out the first server first.
	_, err := pool.Execute(context.Background(), []byte("put"))
	assert.ErrorIs(t, err, tgc.ErrNotConnected)
	assert.Equal(t, int32(0), second.requests.Load())
}

func TestPoolFailsOverToLocatorAlternate(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	broken := newFakeServer(t, fakeServerOptions{dropRequests: true})
	defer broken.Close()
	healthy := newFakeServer(t, fakeServerOptions{})
	defer healthy.Close()

	locator := newFakeLocator(t, func(req tgc.LocatorObject) tgc.LocatorObject {
		r, ok := req.(*tgc.ClientConnectionRequest)
		if !ok {
			return nil
		}
		for _, excluded := range r.ExcludedServers {
			if excluded == broken.location {
				return &tgc.ClientConnectionResponse{ServerFound: true, Server: healthy.location}
			}
		}
		return &tgc.ClientConnectionResponse{ServerFound: true, Server: broken.location}
	})
	defer locator.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newLocatorPool(t, manager, "locator-failover", nil, locator.location)

	reply, err := pool.Execute(context.Background(), []byte("put"))
	require.NoError(t, err)
	assert.Equal(t, healthy.location.String(), replyFrom(reply))

	assert.Equal(t, int32(1), broken.requests.Load())
	assert.Equal(t, 2, locator.count(tgc.TypeClientConnectionRequest))

	stats := pool.Stats().Snapshot()
	assert.Equal(t, int64(2), stats.LocatorRequests)
	assert.Equal(t, int64(2), stats.LocatorResponses)
}

func TestPoolNoServersFromLocator(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	locator := newFakeLocator(t, func(req tgc.LocatorObject) tgc.LocatorObject {
		return &tgc.ClientConnectionResponse{ServerFound: false}
	})
	defer locator.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newLocatorPool(t, manager, "empty-system", nil, locator.location)

	_, err := pool.Execute(context.Background(), []byte("put"))
	assert.ErrorIs(t, err, tgc.ErrNoServersFound)
	assert.Equal(t, tgc.KindNoServers, tgc.KindOf(err))
	assert.Equal(t, 0, pool.Size())
}

func TestPoolAuthentication(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{expectedToken: "s3cret"})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	good := newStaticPool(t, manager, "good-creds", func(pf *tgc.PoolFactory) {
		pf.SetAuthInitialize(tgc.StaticCredentials{"security-token": "s3cret"}, nil)
	}, server.location)

	reply, err := good.Execute(context.Background(), []byte("get"))
	require.NoError(t, err)
	assert.Equal(t, server.location.String(), replyFrom(reply))
	assert.Equal(t, int32(1), server.credentials.Load())

	bad := newStaticPool(t, manager, "bad-creds", func(pf *tgc.PoolFactory) {
		pf.SetAuthInitialize(tgc.StaticCredentials{"security-token": "wrong"}, nil)
	}, server.location)

	_, err = bad.Execute(context.Background(), []byte("get"))
	assert.ErrorIs(t, err, tgc.ErrAuthenticationFailed)
	assert.Equal(t, tgc.KindAuthentication, tgc.KindOf(err))
	assert.Equal(t, 0, bad.Size())
	assert.Equal(t, int64(1), bad.Stats().ConnectFailures.Load())
}

func TestPoolServerException(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{exception: "RegionDestroyedException"})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "exception", nil, server.location)

	_, err := pool.Execute(context.Background(), []byte("get"))
	assert.ErrorIs(t, err, tgc.ErrServerException)
	assert.Equal(t, tgc.KindServer, tgc.KindOf(err))
	assert.Contains(t, err.Error(), "RegionDestroyedException")

	// The server answered, so the connection stays pooled and nothing is retried.
	assert.Equal(t, 1, pool.IdleCount())
	assert.Equal(t, int32(1), server.requests.Load())
}

func TestPoolPrefillsMinConnections(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "prefill", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMinConnections(3))
	}, server.location)

	require.Eventually(t, func() bool { return pool.IdleCount() == 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, pool.Size())
	assert.Equal(t, int64(3), pool.Stats().MinPoolSizeConnects.Load())
}

func TestPoolIdleEvictionKeepsMin(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "idle", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMinConnections(1))
		pf.SetIdleTimeout(100 * time.Millisecond)
	}, server.location)

	hosts := make([]*tgc.ConnectionHost, 0, 3)
	for len(hosts) < 3 {
		host, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		hosts = append(hosts, host)
	}
	for _, host := range hosts {
		pool.Release(host, true)
	}
	require.GreaterOrEqual(t, pool.Size(), 3)

	require.Eventually(t, func() bool { return pool.Size() == 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, pool.IdleCount())
	assert.GreaterOrEqual(t, pool.Stats().IdleDisconnects.Load(), int64(2))

	// Min connections survive further passes.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, pool.Size())
}

func TestPoolPingDropsDeadServer(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	lock := &sync.Mutex{}
	var handled []error
	pool := newStaticPool(t, manager, "ping", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMinConnections(2))
		require.NoError(t, pf.SetPingInterval(100*time.Millisecond))
		pf.SetErrorHandler(func(err error) {
			lock.Lock()
			handled = append(handled, err)
			lock.Unlock()
		})
	}, server.location)

	require.Eventually(t, func() bool { return pool.IdleCount() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return server.pings.Load() > 0 }, 3*time.Second, 10*time.Millisecond)

	server.Close()

	require.Eventually(t, func() bool { return pool.Stats().PingFailures.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pool.IdleCount() == 0 }, 3*time.Second, 10*time.Millisecond)

	lock.Lock()
	assert.NotEmpty(t, handled)
	lock.Unlock()
}

func TestPoolCloseDuringSlowPings(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	var servers []*fakeServer
	var locations []tgc.ServerLocation
	for i := 0; i < 3; i++ {
		server := newFakeServer(t, fakeServerOptions{silentPings: true})
		defer server.Close()
		servers = append(servers, server)
		locations = append(locations, server.location)
	}

	manager := tgc.NewPoolManager(nil)

	readTimeout := time.Second
	pool := newStaticPool(t, manager, "slow-ping", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMinConnections(3))
		require.NoError(t, pf.SetReadTimeout(readTimeout))
		require.NoError(t, pf.SetPingInterval(300*time.Millisecond))
	}, locations...)

	require.Eventually(t, func() bool { return pool.Size() == 3 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		pinged := int32(0)
		for _, server := range servers {
			pinged += server.pings.Load()
		}
		return pinged > 0
	}, 3*time.Second, 5*time.Millisecond)

	// Only the ping in flight may hold up the close.
	start := time.Now()
	manager.Close(false)
	assert.Less(t, int64(time.Since(start)), int64(readTimeout+readTimeout/2))
}

func TestPoolRefreshesLocatorList(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	other := mustLocation(t, "10.0.0.9:10334")
	locator := newFakeLocatorWithSelf(t, func(self tgc.ServerLocation, req tgc.LocatorObject) tgc.LocatorObject {
		if _, ok := req.(*tgc.LocatorListRequest); ok {
			return &tgc.LocatorListResponse{Locators: []tgc.ServerLocation{self, other}, IsBalanced: true}
		}
		return nil
	})
	defer locator.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newLocatorPool(t, manager, "refresh", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetUpdateLocatorListInterval(50*time.Millisecond))
	}, locator.location)

	assert.Equal(t, []tgc.ServerLocation{locator.location}, pool.Attributes().Locators)
	require.Eventually(t, func() bool { return len(pool.Locators()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []tgc.ServerLocation{locator.location, other}, pool.Locators())
}

func TestPoolServers(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	serverA := mustLocation(t, "10.0.0.1:40404")
	serverB := mustLocation(t, "10.0.0.2:40404")

	locator := newFakeLocator(t, func(req tgc.LocatorObject) tgc.LocatorObject {
		if r, ok := req.(*tgc.GetAllServersRequest); ok && r.ServerGroup == "east" {
			return &tgc.GetAllServersResponse{Servers: []tgc.ServerLocation{serverA, serverB}}
		}
		return nil
	})
	defer locator.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	located := newLocatorPool(t, manager, "located", func(pf *tgc.PoolFactory) {
		pf.SetServerGroup("east")
	}, locator.location)

	servers, err := located.Servers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []tgc.ServerLocation{serverA, serverB}, servers)
	assert.Equal(t, []tgc.ServerLocation{locator.location}, located.Locators())

	static := newStaticPool(t, manager, "static", nil, serverA, serverB)
	servers, err = static.Servers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []tgc.ServerLocation{serverA, serverB}, servers)
	assert.Empty(t, static.Locators())
}

func TestPoolSubscriptionServers(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	serverA := mustLocation(t, "10.0.0.1:40404")
	serverB := mustLocation(t, "10.0.0.2:40404")
	serverC := mustLocation(t, "10.0.0.3:40404")

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	disabled := newStaticPool(t, manager, "no-subscriptions", nil, serverA)
	_, err := disabled.SubscriptionServers(context.Background(), nil)
	assert.ErrorIs(t, err, tgc.ErrIllegalState)

	pool := newStaticPool(t, manager, "subscriptions", func(pf *tgc.PoolFactory) {
		pf.SetSubscriptionEnabled(true)
		require.NoError(t, pf.SetSubscriptionRedundancy(1))
	}, serverA, serverB, serverC)

	servers, err := pool.SubscriptionServers(context.Background(), tgc.NewServerLocationSet(serverA))
	require.NoError(t, err)
	assert.Equal(t, []tgc.ServerLocation{serverB, serverC}, servers)

	_, err = pool.SubscriptionServers(context.Background(), tgc.NewServerLocationSet(serverA, serverB, serverC))
	assert.ErrorIs(t, err, tgc.ErrNoServersFound)
}

func TestPoolDestroyRefusedWithAttachedRegions(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	server := newFakeServer(t, fakeServerOptions{})
	defer server.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newStaticPool(t, manager, "regions", nil, server.location)
	_, err := pool.Execute(context.Background(), []byte("get"))
	require.NoError(t, err)

	require.NoError(t, pool.AttachRegion())
	err = pool.Destroy(false)
	assert.ErrorIs(t, err, tgc.ErrIllegalState)
	assert.False(t, pool.IsDestroyed())

	pool.DetachRegion()
	require.NoError(t, pool.Destroy(false))
	assert.True(t, pool.IsDestroyed())
	assert.Equal(t, 0, pool.Size())

	_, found := manager.Find("regions")
	assert.False(t, found)

	_, err = pool.Execute(context.Background(), []byte("get"))
	assert.ErrorIs(t, err, tgc.ErrPoolDestroyed)
	assert.ErrorIs(t, pool.AttachRegion(), tgc.ErrPoolDestroyed)

	// Destroy is idempotent and the name can be reused.
	require.NoError(t, pool.Destroy(false))
	newStaticPool(t, manager, "regions", nil, server.location)
}

func TestPoolLoadConditioningReplacesConnection(t *testing.T) {
	defer leaktest.Check(t)() // Fail on leaked goroutines.

	loaded := newFakeServer(t, fakeServerOptions{})
	defer loaded.Close()
	spare := newFakeServer(t, fakeServerOptions{})
	defer spare.Close()

	// Once a replacement was offered, the loaded server is never handed out again.
	rebalanced := &atomic.Bool{}
	locator := newFakeLocator(t, func(req tgc.LocatorObject) tgc.LocatorObject {
		switch req.(type) {
		case *tgc.ClientConnectionRequest:
			if rebalanced.Load() {
				return &tgc.ClientConnectionResponse{ServerFound: true, Server: spare.location}
			}
			return &tgc.ClientConnectionResponse{ServerFound: true, Server: loaded.location}
		case *tgc.ClientReplacementRequest:
			rebalanced.Store(true)
			return &tgc.ClientConnectionResponse{ServerFound: true, Server: spare.location}
		}
		return nil
	})
	defer locator.Close()

	manager := tgc.NewPoolManager(nil)
	defer manager.Close(false)

	pool := newLocatorPool(t, manager, "conditioned", func(pf *tgc.PoolFactory) {
		require.NoError(t, pf.SetMinConnections(1))
		require.NoError(t, pf.SetLoadConditioningInterval(100*time.Millisecond))
	}, locator.location)

	require.Eventually(t, func() bool { return pool.Stats().LoadConditionReplaced.Load() > 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, pool.Size())
	assert.GreaterOrEqual(t, locator.count(tgc.TypeClientReplacementRequest), 1)

	reply, err := pool.Execute(context.Background(), []byte("get"))
	require.NoError(t, err)
	assert.Equal(t, spare.location.String(), replyFrom(reply))
}

package tgc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pool is a named, configured set of connections to one distributed system.
type Pool struct {
	name         string
	attrs        PoolAttributes
	manager      *PoolManager
	connections  *ConnectionManager
	locators     *LocatorClient
	stats        *PoolStats
	logger       *zap.Logger
	handlerLock  sync.RWMutex
	errorHandler func(error)
	regionLock   sync.Mutex
	regionCount  int
	destroyed    atomic.Bool
}

func (p *Pool) start() {
	p.connections.start()
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Attributes returns a copy of the pool configuration.
func (p *Pool) Attributes() PoolAttributes { return p.attrs.clone() }

// Stats returns the live counters of the pool.
func (p *Pool) Stats() *PoolStats { return p.stats }

// MembershipID returns the client identity shared by every pool of the manager.
func (p *Pool) MembershipID() string { return p.manager.MembershipID() }

// Logger returns the pool's logger.
func (p *Pool) Logger() *zap.Logger { return p.logger }

func (p *Pool) FreeConnectionTimeout() time.Duration    { return p.attrs.FreeConnectionTimeout }
func (p *Pool) LoadConditioningInterval() time.Duration { return p.attrs.LoadConditioningInterval }
func (p *Pool) SocketBufferSize() int                   { return p.attrs.SocketBufferSize }
func (p *Pool) ReadTimeout() time.Duration              { return p.attrs.ReadTimeout }
func (p *Pool) ConnectTimeout() time.Duration           { return p.attrs.ConnectTimeout }
func (p *Pool) MinConnections() int                     { return p.attrs.MinConnections }
func (p *Pool) MaxConnections() int                     { return p.attrs.MaxConnections }
func (p *Pool) IdleTimeout() time.Duration              { return p.attrs.IdleTimeout }
func (p *Pool) RetryAttempts() int                      { return p.attrs.RetryAttempts }
func (p *Pool) PingInterval() time.Duration             { return p.attrs.PingInterval }
func (p *Pool) UpdateLocatorListInterval() time.Duration {
	return p.attrs.UpdateLocatorListInterval
}
func (p *Pool) StatisticInterval() time.Duration { return p.attrs.StatisticInterval }
func (p *Pool) ServerGroup() string              { return p.attrs.ServerGroup }
func (p *Pool) SubscriptionEnabled() bool        { return p.attrs.SubscriptionEnabled }
func (p *Pool) SubscriptionRedundancy() int      { return p.attrs.SubscriptionRedundancy }
func (p *Pool) SubscriptionMessageTrackingTimeout() time.Duration {
	return p.attrs.SubscriptionMessageTrackingTimeout
}
func (p *Pool) SubscriptionAckInterval() time.Duration { return p.attrs.SubscriptionAckInterval }
func (p *Pool) ThreadLocalConnections() bool           { return p.attrs.ThreadLocalConnections }
func (p *Pool) MultiuserAuthentication() bool          { return p.attrs.MultiuserAuthentication }
func (p *Pool) PRSingleHopEnabled() bool               { return p.attrs.PRSingleHopEnabled }

// Locators returns the locators the pool currently knows, which may differ from the configured ones
// after a locator list refresh.
func (p *Pool) Locators() []ServerLocation {
	if p.locators != nil {
		return p.locators.Locators()
	}
	return nil
}

// Servers returns the configured servers, or asks the locators for every server of the pool's group.
func (p *Pool) Servers(ctx context.Context) ([]ServerLocation, error) {

	if len(p.attrs.Servers) > 0 {
		return append([]ServerLocation(nil), p.attrs.Servers...), nil
	}

	if p.locators == nil {
		return nil, nil
	}

	p.stats.LocatorRequests.Add(1)
	servers, err := p.locators.GetAllServers(ctx, p.attrs.ServerGroup)
	if err != nil {
		return nil, err
	}
	p.stats.LocatorResponses.Add(1)

	return servers, nil
}

// SubscriptionServers returns the servers a subscription queue should be hosted on:
// a primary plus SubscriptionRedundancy backups, or every server when redundancy is -1.
func (p *Pool) SubscriptionServers(ctx context.Context, exclude ServerLocationSet) ([]ServerLocation, error) {

	if !p.attrs.SubscriptionEnabled {
		return nil, illegalState("SubscriptionServers", "subscriptions are not enabled on pool %s", p.name)
	}

	if p.locators != nil {
		p.stats.LocatorRequests.Add(1)
		servers, err := p.locators.GetEndpointForNewCallBackConn(ctx, p.MembershipID(), p.attrs.SubscriptionRedundancy, exclude, p.attrs.ServerGroup)
		if err != nil {
			return nil, err
		}
		p.stats.LocatorResponses.Add(1)
		return servers, nil
	}

	var servers []ServerLocation
	for _, server := range p.attrs.Servers {
		if exclude.Contains(server) {
			continue
		}
		if p.attrs.SubscriptionRedundancy != -1 && len(servers) > p.attrs.SubscriptionRedundancy {
			break
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 {
		return nil, newError(KindNoServers, "SubscriptionServers", ErrNoServersFound, nil, "pool %s", p.name)
	}

	return servers, nil
}

// Execute sends a pre-serialized request to a server of the pool and returns the reply payload.
func (p *Pool) Execute(ctx context.Context, request []byte) ([]byte, error) {

	if p.destroyed.Load() {
		return nil, newError(KindConfiguration, "Execute", ErrPoolDestroyed, nil, "pool %s", p.name)
	}

	return p.connections.Execute(ctx, request)
}

// Acquire checks out a connection for callers that drive the exchange themselves.
// The connection must be handed back with Release.
func (p *Pool) Acquire(ctx context.Context) (*ConnectionHost, error) {
	return p.connections.Acquire(ctx, nil)
}

// Release returns a connection taken with Acquire. Pass healthy=false after any transport error.
func (p *Pool) Release(host *ConnectionHost, healthy bool) {
	p.connections.Release(host, healthy)
}

// Size returns the number of open connections.
func (p *Pool) Size() int {
	return p.connections.Size()
}

// IdleCount returns the number of idle connections.
func (p *Pool) IdleCount() int {
	return p.connections.IdleCount()
}

// AttachRegion records a region using this pool. A pool with attached regions cannot be destroyed.
func (p *Pool) AttachRegion() error {

	if p.destroyed.Load() {
		return newError(KindConfiguration, "AttachRegion", ErrPoolDestroyed, nil, "pool %s", p.name)
	}

	p.regionLock.Lock()
	p.regionCount++
	p.regionLock.Unlock()

	return nil
}

// DetachRegion releases a region attached with AttachRegion.
func (p *Pool) DetachRegion() {
	p.regionLock.Lock()
	if p.regionCount > 0 {
		p.regionCount--
	}
	p.regionLock.Unlock()
}

// SetErrorHandler replaces the handler receiving errors absorbed by background tasks.
func (p *Pool) SetErrorHandler(errorHandler func(error)) {
	p.handlerLock.Lock()
	p.errorHandler = errorHandler
	p.handlerLock.Unlock()
}

func (p *Pool) handleError(err error) {
	p.handlerLock.RLock()
	handler := p.errorHandler
	p.handlerLock.RUnlock()

	if handler != nil {
		handler(err)
	}
}

// Destroy closes every connection and removes the pool from its manager.
// It fails while regions are still attached.
func (p *Pool) Destroy(keepAlive bool) error {

	p.regionLock.Lock()
	attached := p.regionCount
	p.regionLock.Unlock()

	if attached > 0 {
		return illegalState("Destroy", "pool %s is still used by %d regions", p.name, attached)
	}

	p.destroy(keepAlive)
	return nil
}

// IsDestroyed reports whether the pool was destroyed.
func (p *Pool) IsDestroyed() bool {
	return p.destroyed.Load()
}

func (p *Pool) destroy(keepAlive bool) {

	if !p.destroyed.CompareAndSwap(false, true) {
		return
	}

	p.connections.Close(keepAlive)
	p.manager.remove(p.name)
	p.logger.Info("pool destroyed", zap.Bool("keepAlive", keepAlive))
}

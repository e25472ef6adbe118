package tgc

import (
	"context"
	"sync"
)

// endpointSelector picks the server for a new connection. current is set when
// load conditioning asks whether an existing connection's server should be replaced.
type endpointSelector interface {
	selectEndpoint(ctx context.Context, exclude ServerLocationSet, current *ServerLocation) (ServerLocation, error)
}

// locatorSelector asks the locators for the least loaded server.
type locatorSelector struct {
	client *LocatorClient
	group  string
	stats  *PoolStats
}

func (ls *locatorSelector) selectEndpoint(ctx context.Context, exclude ServerLocationSet, current *ServerLocation) (ServerLocation, error) {

	ls.stats.LocatorRequests.Add(1)
	loc, err := ls.client.GetEndpointForNewFwdConn(ctx, exclude, ls.group, current)
	if err != nil {
		return ServerLocation{}, err
	}
	ls.stats.LocatorResponses.Add(1)

	// A locator that ignores the exclude list would make failover spin on a dead server.
	if exclude.Contains(loc) && (current == nil || loc != *current) {
		return ServerLocation{}, newError(KindNoServers, "selectEndpoint", ErrNoServersFound, nil, "locator offered excluded server %s", loc)
	}

	return loc, nil
}

// staticSelector round-robins over a fixed server list.
type staticSelector struct {
	servers []ServerLocation
	next    int
	lock    sync.Mutex
}

func newStaticSelector(servers []ServerLocation) *staticSelector {
	return &staticSelector{servers: append([]ServerLocation(nil), servers...)}
}

func (ss *staticSelector) selectEndpoint(_ context.Context, exclude ServerLocationSet, _ *ServerLocation) (ServerLocation, error) {

	ss.lock.Lock()
	defer ss.lock.Unlock()

	for i := 0; i < len(ss.servers); i++ {
		loc := ss.servers[ss.next]
		ss.next = (ss.next + 1) % len(ss.servers)

		if !exclude.Contains(loc) {
			return loc, nil
		}
	}

	return ServerLocation{}, newError(KindNoServers, "selectEndpoint", ErrNoServersFound, nil, "no server endpoints are available")
}

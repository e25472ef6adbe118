package tgc

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PoolInternal is what the ConnectionManager needs from its pool.
type PoolInternal interface {
	Name() string
	Attributes() PoolAttributes
	Stats() *PoolStats
	MembershipID() string
	Logger() *zap.Logger
	handleError(err error)
}

type dialFunc func(ctx context.Context, loc ServerLocation) (*Transport, error)

// background dials are paced at ten, then one per millisecond
const (
	backgroundDialBurst    = 10
	backgroundDialInterval = time.Millisecond
	maxFirstTaskDelay      = time.Second
)

// ConnectionManager owns the connections of one pool: creation, checkout, recycling,
// failover and the background maintenance tasks.
type ConnectionManager struct {
	pool      PoolInternal
	attrs     PoolAttributes
	queue     *ConnectionQueue[*ConnectionHost]
	selector  endpointSelector
	dial      dialFunc
	locators  *LocatorClient
	auth      AuthInitialize
	authProps map[string]string
	scheduler *Scheduler
	limiter   *rate.Limiter
	stats     *PoolStats
	logger    *zap.Logger

	sizeLock     sync.Mutex
	poolSize     int
	connectionID atomic.Uint64

	tasks         []TaskID
	manageTask    TaskID
	manageSignal  chan struct{}
	pingSignal    chan struct{}
	locatorSignal chan struct{}
	statsSignal   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type connectionManagerConfig struct {
	selector  endpointSelector
	dial      dialFunc
	locators  *LocatorClient
	auth      AuthInitialize
	authProps map[string]string
	scheduler *Scheduler
}

func newConnectionManager(pool PoolInternal, config connectionManagerConfig) *ConnectionManager {

	ctx, cancel := context.WithCancel(context.Background())

	return &ConnectionManager{
		pool:          pool,
		attrs:         pool.Attributes(),
		queue:         NewConnectionQueue[*ConnectionHost](),
		selector:      config.selector,
		dial:          config.dial,
		locators:      config.locators,
		auth:          config.auth,
		authProps:     config.authProps,
		scheduler:     config.scheduler,
		limiter:       rate.NewLimiter(rate.Every(backgroundDialInterval), backgroundDialBurst),
		stats:         pool.Stats(),
		logger:        pool.Logger().Named("connections"),
		manageSignal:  make(chan struct{}, 1),
		pingSignal:    make(chan struct{}, 1),
		locatorSignal: make(chan struct{}, 1),
		statsSignal:   make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// start schedules the maintenance tasks, starts their workers and kicks off the min connection prefill.
func (cm *ConnectionManager) start() {

	if interval := cm.manageInterval(); interval > 0 {
		cm.manageTask = cm.scheduleSignal(cm.manageSignal, interval)
	}

	if half := cm.attrs.PingInterval / 2; half > 0 {
		cm.scheduleSignal(cm.pingSignal, half)
	}

	if cm.locators != nil && cm.attrs.UpdateLocatorListInterval > 0 {
		cm.scheduleSignal(cm.locatorSignal, cm.attrs.UpdateLocatorListInterval)
	}

	if cm.attrs.StatisticInterval > 0 {
		cm.scheduleSignal(cm.statsSignal, cm.attrs.StatisticInterval)
	}

	cm.startWorker(cm.manageSignal, cm.manageConnections)
	cm.startWorker(cm.pingSignal, cm.pingIdleConnections)
	cm.startWorker(cm.locatorSignal, cm.refreshLocators)
	cm.startWorker(cm.statsSignal, cm.logStats)

	if cm.attrs.MinConnections > 0 {
		notify(cm.manageSignal)
	}
}

func (cm *ConnectionManager) scheduleSignal(signal chan struct{}, interval time.Duration) TaskID {

	delay := interval
	if delay > maxFirstTaskDelay {
		delay = maxFirstTaskDelay
	}

	id := cm.scheduler.Schedule(func() { notify(signal) }, delay, interval)
	cm.tasks = append(cm.tasks, id)

	return id
}

func (cm *ConnectionManager) startWorker(signal <-chan struct{}, work func()) {

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()

		for {
			select {
			case <-cm.ctx.Done():
				return
			case <-signal:
				work()
			}
		}
	}()
}

// manageInterval is the shorter of the enabled idle timeout and load conditioning interval.
func (cm *ConnectionManager) manageInterval() time.Duration {

	interval := cm.attrs.IdleTimeout
	if load := cm.attrs.LoadConditioningInterval; load > 0 && (interval <= 0 || load < interval) {
		interval = load
	}

	return interval
}

// Size returns the number of open connections, idle and in use.
func (cm *ConnectionManager) Size() int {
	cm.sizeLock.Lock()
	defer cm.sizeLock.Unlock()
	return cm.poolSize
}

// IdleCount returns the number of idle connections.
func (cm *ConnectionManager) IdleCount() int {
	return cm.queue.Size()
}

// Acquire checks out a connection whose server is not in exclude. Servers that fail
// to connect are added to exclude.
func (cm *ConnectionManager) Acquire(ctx context.Context, exclude ServerLocationSet) (*ConnectionHost, error) {

	if cm.closed.Load() {
		return nil, newError(KindConfiguration, "Acquire", ErrPoolDestroyed, nil, "pool %s", cm.pool.Name())
	}

	if exclude == nil {
		exclude = NewServerLocationSet()
	}

	deadline := time.Now().Add(cm.attrs.FreeConnectionTimeout)
	waited := false

	for {
		if host := cm.popIdle(exclude); host != nil {
			host.setState(StateInUse)
			return host, nil
		}

		if cm.reserve() {
			host, err := cm.createConnection(ctx, exclude)
			if err != nil {
				cm.unreserve()
				return nil, err
			}

			host.setState(StateInUse)
			return host, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			cm.stats.ConnectionWaitTimeouts.Add(1)
			return nil, newError(KindCapacity, "Acquire", ErrAllConnectionsInUse, nil,
				"pool %s: no connection freed within %s", cm.pool.Name(), cm.attrs.FreeConnectionTimeout)
		}

		if !waited {
			cm.stats.ConnectionWaits.Add(1)
			waited = true
		}

		host, ok := cm.queue.GetUntilContext(ctx, remaining)
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if cm.closed.Load() {
				return nil, newError(KindConfiguration, "Acquire", ErrPoolDestroyed, nil, "pool %s", cm.pool.Name())
			}
			continue
		}

		if exclude.Contains(host.Server()) {
			cm.destroy(host)
			continue
		}

		host.setState(StateInUse)
		return host, nil
	}
}

// Release returns a checked out connection. Unhealthy connections are closed.
func (cm *ConnectionManager) Release(host *ConnectionHost, healthy bool) {

	if host == nil {
		return
	}

	if !healthy || cm.closed.Load() {
		cm.destroy(host)
		if !healthy {
			notify(cm.manageSignal)
		}
		return
	}

	host.touch()
	host.setState(StateIdle)
	cm.queue.Put(host, false)
}

// Execute sends request and returns the reply, failing over to other servers on transport errors.
func (cm *ConnectionManager) Execute(ctx context.Context, request []byte) ([]byte, error) {

	cm.stats.ClientOps.Add(1)

	reply, err := cm.execute(ctx, request)
	if err != nil {
		cm.stats.ClientOpFailures.Add(1)
	}

	return reply, err
}

func (cm *ConnectionManager) execute(ctx context.Context, request []byte) ([]byte, error) {

	exclude := NewServerLocationSet()
	exhaustive := cm.attrs.RetryAttempts == -1
	attempts := cm.attrs.RetryAttempts + 1

	var lastErr error
	for attempt := 0; exhaustive || attempt < attempts; attempt++ {
		if attempt > 0 {
			cm.stats.Retries.Add(1)
		}

		host, err := cm.Acquire(ctx, exclude)
		if err != nil {
			if lastErr != nil && KindOf(err) == KindNoServers {
				break
			}
			return nil, err
		}

		reply, err := cm.send(host, request)
		if err == nil {
			cm.Release(host, true)
			return reply, nil
		}

		if KindOf(err) != KindTransport {
			// The server answered. Only a desynchronised stream makes the connection unusable.
			cm.Release(host, !errors.Is(err, ErrProtocol))
			return nil, err
		}

		cm.logger.Debug("request failed, trying another server",
			zap.Stringer("server", host.Server()),
			zap.Int("attempt", attempt),
			zap.Error(err))

		cm.Release(host, false)
		exclude.Add(host.Server())
		lastErr = err
	}

	return nil, newError(KindTransport, "Execute", ErrNotConnected, lastErr, "pool %s", cm.pool.Name())
}

func (cm *ConnectionManager) send(host *ConnectionHost, request []byte) ([]byte, error) {

	msgType, payload, err := host.Exchange(MessageRequest, request, cm.attrs.ReadTimeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			cm.stats.ClientOpTimeouts.Add(1)
		}
		return nil, err
	}

	switch msgType {
	case MessageReply:
		return payload, nil
	case MessageException:
		return nil, newError(KindServer, "Execute", ErrServerException, nil, "%s: %s", host.Server(), payload)
	case MessageAuthFailure:
		return nil, newError(KindAuthentication, "Execute", ErrAuthenticationFailed, nil, "%s: %s", host.Server(), payload)
	default:
		return nil, protocolError("Execute", "unexpected %s reply from %s", msgType, host.Server())
	}
}

func (cm *ConnectionManager) popIdle(exclude ServerLocationSet) *ConnectionHost {

	for {
		host, ok := cm.queue.GetNoWait()
		if !ok {
			return nil
		}

		if !exclude.Contains(host.Server()) {
			return host
		}

		cm.destroy(host)
	}
}

// createConnection connects to the first selected server that accepts. The caller holds a reserved slot.
func (cm *ConnectionManager) createConnection(ctx context.Context, exclude ServerLocationSet) (*ConnectionHost, error) {

	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loc, err := cm.selector.selectEndpoint(ctx, exclude, nil)
		if err != nil {
			if lastErr != nil && KindOf(err) == KindNoServers {
				// Every offered server refused the connection.
				return nil, newError(KindTransport, "Acquire", ErrNotConnected, lastErr, "pool %s", cm.pool.Name())
			}
			return nil, err
		}

		host, err := cm.connect(ctx, loc)
		if err == nil {
			return host, nil
		}

		if KindOf(err) == KindAuthentication || errors.Is(err, ErrProtocol) {
			return nil, err
		}

		cm.logger.Debug("connect failed, excluding server", zap.Stringer("server", loc), zap.Error(err))
		exclude.Add(loc)
		lastErr = err
	}
}

func (cm *ConnectionManager) connect(ctx context.Context, loc ServerLocation) (*ConnectionHost, error) {

	transport, err := cm.dial(ctx, loc)
	if err != nil {
		cm.stats.ConnectFailures.Add(1)
		return nil, err
	}

	host := newConnectionHost(cm.connectionID.Add(1), loc, transport)

	if cm.auth != nil {
		if err := cm.authenticate(host); err != nil {
			cm.stats.ConnectFailures.Add(1)
			_ = host.Close()
			return nil, err
		}
	}

	cm.stats.PoolConnects.Add(1)
	return host, nil
}

func (cm *ConnectionManager) authenticate(host *ConnectionHost) error {

	props := make(map[string]string, len(cm.authProps))
	for k, v := range cm.authProps {
		props[k] = v
	}

	creds, err := cm.auth.GetCredentials(props, host.Server().String())
	if err != nil {
		return newError(KindAuthentication, "authenticate", ErrAuthenticationFailed, err, "getting credentials for %s", host.Server())
	}

	payload, err := marshalCredentials(cm.pool.MembershipID(), creds)
	if err != nil {
		return err
	}

	msgType, body, err := host.Exchange(MessageCredentials, payload, cm.attrs.ReadTimeout)
	if err != nil {
		return err
	}

	switch msgType {
	case MessageReply:
		return nil
	case MessageAuthFailure:
		return newError(KindAuthentication, "authenticate", ErrAuthenticationFailed, nil, "%s rejected credentials: %s", host.Server(), body)
	default:
		return protocolError("authenticate", "unexpected %s answer to credentials from %s", msgType, host.Server())
	}
}

// destroy closes a host that holds a pool slot.
func (cm *ConnectionManager) destroy(host *ConnectionHost) {
	_ = host.Close()
	cm.unreserve()
	cm.stats.PoolDisconnects.Add(1)
}

func (cm *ConnectionManager) reserve() bool {

	cm.sizeLock.Lock()
	defer cm.sizeLock.Unlock()

	if maxConns := cm.attrs.MaxConnections; maxConns > 0 && cm.poolSize >= maxConns {
		return false
	}

	cm.poolSize++
	cm.stats.Connections.Store(int64(cm.poolSize))

	return true
}

func (cm *ConnectionManager) unreserve() {

	cm.sizeLock.Lock()
	defer cm.sizeLock.Unlock()

	if cm.poolSize > 0 {
		cm.poolSize--
	}
	cm.stats.Connections.Store(int64(cm.poolSize))
}

// manageConnections evicts idle connections above min, replaces connections past the
// load conditioning interval, restores min connections and serves blocked waiters.
func (cm *ConnectionManager) manageConnections() {

	now := time.Now()
	idle := cm.attrs.IdleTimeout
	load := cm.attrs.LoadConditioningInterval
	minConns := cm.attrs.MinConnections
	nextRun := cm.manageInterval()

	size := cm.Size()
	count := cm.queue.Size()

	var kept, candidates []*ConnectionHost
	for i := 0; i < count; i++ {
		host, ok := cm.queue.GetNoWait()
		if !ok {
			break
		}

		idleFor := host.idleFor(now)
		if host.hasExpired(load, now) || (idle > 0 && idleFor >= idle && size > minConns) {
			candidates = append(candidates, host)
			continue
		}

		kept = append(kept, host)
		if idle > 0 && idle-idleFor < nextRun {
			nextRun = idle - idleFor
		}
	}
	cm.putBack(kept)

	replace := minConns - (size - len(candidates))
	for _, host := range candidates {
		expired := host.hasExpired(load, now)

		switch {
		case replace > 0 && expired:
			replace--
			cm.replaceConnection(host)
		case replace > 0:
			replace--
			cm.putBack([]*ConnectionHost{host})
		case expired:
			cm.stats.LoadConditionDisconnects.Add(1)
			cm.destroy(host)
		default:
			cm.stats.IdleDisconnects.Add(1)
			cm.destroy(host)
		}
	}

	cm.restoreMinConnections()
	cm.serveWaiters()

	if cm.manageTask != 0 && nextRun > 0 {
		cm.scheduler.Reset(cm.manageTask, nextRun)
	}
}

// replaceConnection asks for a less loaded server than host's. The replacement takes over host's slot.
func (cm *ConnectionManager) replaceConnection(host *ConnectionHost) {

	current := host.Server()
	keep := func() {
		host.refreshCreationTime()
		cm.putBack([]*ConnectionHost{host})
	}

	if err := cm.limiter.Wait(cm.ctx); err != nil {
		keep()
		return
	}

	loc, err := cm.selector.selectEndpoint(cm.ctx, NewServerLocationSet(), &current)
	if err != nil || loc == current {
		if err != nil {
			cm.logger.Debug("load conditioning kept connection", zap.Stringer("server", current), zap.Error(err))
		}
		keep()
		return
	}

	replacement, err := cm.connect(cm.ctx, loc)
	if err != nil {
		cm.logger.Debug("load conditioning connect failed", zap.Stringer("server", loc), zap.Error(err))
		keep()
		return
	}

	_ = host.Close()
	cm.stats.LoadConditionReplaced.Add(1)
	cm.stats.LoadConditionConnects.Add(1)

	replacement.setState(StateIdle)
	cm.queue.Put(replacement, false)
}

func (cm *ConnectionManager) restoreMinConnections() {

	minConns := cm.attrs.MinConnections
	for limit := 2 * minConns; limit > 0 && cm.Size() < minConns; limit-- {
		if !cm.addIdleConnection() {
			return
		}
		cm.stats.MinPoolSizeConnects.Add(1)
	}
}

// serveWaiters opens connections for goroutines blocked in Acquire after a slot was freed.
func (cm *ConnectionManager) serveWaiters() {
	for cm.queue.Waiters() > 0 && cm.queue.Empty() {
		if !cm.addIdleConnection() {
			return
		}
	}
}

func (cm *ConnectionManager) addIdleConnection() bool {

	if err := cm.limiter.Wait(cm.ctx); err != nil {
		return false
	}

	if !cm.reserve() {
		return false
	}

	host, err := cm.createConnection(cm.ctx, NewServerLocationSet())
	if err != nil {
		cm.unreserve()
		if cm.ctx.Err() == nil {
			cm.logger.Warn("background connect failed", zap.Error(err))
			cm.pool.handleError(err)
		}
		return false
	}

	host.setState(StateIdle)
	cm.queue.Put(host, false)

	return true
}

// pingIdleConnections pings one idle connection per server. A failed ping drops every idle connection to that server.
func (cm *ConnectionManager) pingIdleConnections() {

	count := cm.queue.Size()
	healthy := make(map[ServerLocation]bool)
	dropped := false

	var kept []*ConnectionHost
	for i := 0; i < count; i++ {
		if cm.ctx.Err() != nil {
			break
		}

		host, ok := cm.queue.GetNoWait()
		if !ok {
			break
		}

		server := host.Server()
		if alive, seen := healthy[server]; seen {
			if alive {
				kept = append(kept, host)
			} else {
				cm.destroy(host)
			}
			continue
		}

		if err := host.ping(cm.attrs.ReadTimeout); err != nil {
			cm.stats.PingFailures.Add(1)
			cm.logger.Warn("ping failed, dropping idle connections", zap.Stringer("server", server), zap.Error(err))
			cm.pool.handleError(err)

			healthy[server] = false
			dropped = true
			cm.destroy(host)
			for _, other := range cm.queue.RemoveIf(func(h *ConnectionHost) bool { return h.Server() == server }) {
				cm.destroy(other)
			}
			continue
		}

		healthy[server] = true
		kept = append(kept, host)
	}

	cm.putBack(kept)

	if dropped {
		notify(cm.manageSignal)
	}
}

// putBack returns hosts popped during maintenance, preserving their order.
func (cm *ConnectionManager) putBack(hosts []*ConnectionHost) {
	for i := len(hosts) - 1; i >= 0; i-- {
		hosts[i].setState(StateIdle)
		cm.queue.Put(hosts[i], false)
	}
}

func (cm *ConnectionManager) refreshLocators() {

	if cm.locators == nil {
		return
	}

	if err := cm.locators.UpdateLocators(cm.ctx, cm.attrs.ServerGroup); err != nil && cm.ctx.Err() == nil {
		cm.logger.Warn("locator list update failed", zap.Error(err))
		cm.pool.handleError(err)
	}
}

func (cm *ConnectionManager) logStats() {
	cm.logger.Info("pool statistics",
		zap.Int("idle", cm.queue.Size()),
		zap.Object("stats", cm.stats.Snapshot()))
}

// Close stops maintenance and closes every idle connection. Checked out connections are closed on release.
func (cm *ConnectionManager) Close(keepAlive bool) {

	if !cm.closed.CompareAndSwap(false, true) {
		return
	}

	for _, id := range cm.tasks {
		cm.scheduler.Cancel(id)
	}

	cm.cancel()
	cm.wg.Wait()

	for _, host := range cm.queue.RemoveIf(func(*ConnectionHost) bool { return true }) {
		cm.destroy(host)
	}
	cm.queue.Close()

	if cm.auth != nil {
		cm.auth.Close()
	}

	cm.logger.Info("connections closed", zap.Bool("keepAlive", keepAlive))
}

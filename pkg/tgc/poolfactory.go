package tgc

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pool defaults restored by PoolFactory.Reset.
const (
	DefaultFreeConnectionTimeout              = 10 * time.Second
	DefaultLoadConditioningInterval           = 5 * time.Minute
	DefaultSocketBufferSize                   = 32 * 1024
	DefaultReadTimeout                        = 10 * time.Second
	DefaultConnectTimeout                     = 59 * time.Second
	DefaultMinConnections                     = 1
	DefaultMaxConnections                     = -1
	DefaultIdleTimeout                        = 5 * time.Second
	DefaultRetryAttempts                      = -1
	DefaultPingInterval                       = 10 * time.Second
	DefaultUpdateLocatorListInterval          = 5 * time.Second
	DefaultStatisticInterval                  = time.Duration(-1)
	DefaultSubscriptionEnabled                = false
	DefaultSubscriptionRedundancy             = 0
	DefaultSubscriptionMessageTrackingTimeout = 900 * time.Second
	DefaultSubscriptionAckInterval            = 100 * time.Millisecond
	DefaultServerGroup                        = ""
	DefaultThreadLocalConnections             = false
	DefaultMultiuserAuthentication            = false
	DefaultPRSingleHopEnabled                 = true
)

// PoolAttributes is the immutable configuration snapshot of a pool.
type PoolAttributes struct {
	Locators                           []ServerLocation
	Servers                            []ServerLocation
	FreeConnectionTimeout              time.Duration
	LoadConditioningInterval           time.Duration
	SocketBufferSize                   int
	ReadTimeout                        time.Duration
	ConnectTimeout                     time.Duration
	MinConnections                     int
	MaxConnections                     int // -1 is unbounded
	IdleTimeout                        time.Duration
	RetryAttempts                      int // -1 tries every server once
	PingInterval                       time.Duration
	UpdateLocatorListInterval          time.Duration
	StatisticInterval                  time.Duration
	ServerGroup                        string
	SubscriptionEnabled                bool
	SubscriptionRedundancy             int
	SubscriptionMessageTrackingTimeout time.Duration
	SubscriptionAckInterval            time.Duration
	ThreadLocalConnections             bool
	MultiuserAuthentication            bool
	PRSingleHopEnabled                 bool
	SNIProxy                           *ServerLocation
	TLS                                *TLSConfig
}

func defaultPoolAttributes() PoolAttributes {
	return PoolAttributes{
		FreeConnectionTimeout:              DefaultFreeConnectionTimeout,
		LoadConditioningInterval:           DefaultLoadConditioningInterval,
		SocketBufferSize:                   DefaultSocketBufferSize,
		ReadTimeout:                        DefaultReadTimeout,
		ConnectTimeout:                     DefaultConnectTimeout,
		MinConnections:                     DefaultMinConnections,
		MaxConnections:                     DefaultMaxConnections,
		IdleTimeout:                        DefaultIdleTimeout,
		RetryAttempts:                      DefaultRetryAttempts,
		PingInterval:                       DefaultPingInterval,
		UpdateLocatorListInterval:          DefaultUpdateLocatorListInterval,
		StatisticInterval:                  DefaultStatisticInterval,
		ServerGroup:                        DefaultServerGroup,
		SubscriptionEnabled:                DefaultSubscriptionEnabled,
		SubscriptionRedundancy:             DefaultSubscriptionRedundancy,
		SubscriptionMessageTrackingTimeout: DefaultSubscriptionMessageTrackingTimeout,
		SubscriptionAckInterval:            DefaultSubscriptionAckInterval,
		ThreadLocalConnections:             DefaultThreadLocalConnections,
		MultiuserAuthentication:            DefaultMultiuserAuthentication,
		PRSingleHopEnabled:                 DefaultPRSingleHopEnabled,
	}
}

func (pa PoolAttributes) clone() PoolAttributes {

	pa.Locators = append([]ServerLocation(nil), pa.Locators...)
	pa.Servers = append([]ServerLocation(nil), pa.Servers...)

	if pa.SNIProxy != nil {
		proxy := *pa.SNIProxy
		pa.SNIProxy = &proxy
	}

	if pa.TLS != nil {
		tlsCopy := *pa.TLS
		pa.TLS = &tlsCopy
	}

	return pa
}

// PoolFactory accumulates validated pool settings and creates named pools.
type PoolFactory struct {
	manager      *PoolManager
	attrs        PoolAttributes
	auth         AuthInitialize
	authProps    map[string]string
	logger       *zap.Logger
	errorHandler func(error)
}

func newPoolFactory(manager *PoolManager) *PoolFactory {

	pf := &PoolFactory{manager: manager}
	pf.Reset()

	return pf
}

// Reset restores every setting to its default and drops endpoints, TLS and auth.
func (pf *PoolFactory) Reset() {
	pf.attrs = defaultPoolAttributes()
	pf.auth = nil
	pf.authProps = nil
	pf.logger = pf.manager.logger
	pf.errorHandler = nil
}

// SetFreeConnectionTimeout bounds how long Acquire waits when the pool is at max.
func (pf *PoolFactory) SetFreeConnectionTimeout(d time.Duration) error {
	if d <= 0 {
		return illegalArgument("SetFreeConnectionTimeout", "free connection timeout must be positive, got %s", d)
	}
	pf.attrs.FreeConnectionTimeout = d
	return nil
}

// SetLoadConditioningInterval sets the age after which connections are rebalanced.
func (pf *PoolFactory) SetLoadConditioningInterval(d time.Duration) error {
	if d <= 0 {
		return illegalArgument("SetLoadConditioningInterval", "load conditioning interval must be positive, got %s", d)
	}
	pf.attrs.LoadConditioningInterval = d
	return nil
}

// SetSocketBufferSize sets the socket read and write buffer sizes.
func (pf *PoolFactory) SetSocketBufferSize(size int) error {
	if size <= 0 {
		return illegalArgument("SetSocketBufferSize", "socket buffer size must be positive, got %d", size)
	}
	pf.attrs.SocketBufferSize = size
	return nil
}

// SetReadTimeout bounds every read and write on a connection.
func (pf *PoolFactory) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return illegalArgument("SetReadTimeout", "read timeout must be positive, got %s", d)
	}
	pf.attrs.ReadTimeout = d
	return nil
}

// SetConnectTimeout bounds the TCP connect and TLS handshake.
func (pf *PoolFactory) SetConnectTimeout(d time.Duration) error {
	if d <= 0 {
		return illegalArgument("SetConnectTimeout", "connect timeout must be positive, got %s", d)
	}
	pf.attrs.ConnectTimeout = d
	return nil
}

func (pf *PoolFactory) SetMinConnections(n int) error {
	if n < 0 {
		return illegalArgument("SetMinConnections", "min connections must not be negative, got %d", n)
	}
	pf.attrs.MinConnections = n
	return nil
}

// SetMaxConnections bounds the pool size; -1 leaves it unbounded.
func (pf *PoolFactory) SetMaxConnections(n int) error {
	if n != -1 && n < 1 {
		return illegalArgument("SetMaxConnections", "max connections must be -1 or at least 1, got %d", n)
	}
	pf.attrs.MaxConnections = n
	return nil
}

// SetIdleTimeout sets how long a connection above min may sit unused. Zero or negative disables idle eviction.
func (pf *PoolFactory) SetIdleTimeout(d time.Duration) {
	pf.attrs.IdleTimeout = d
}

// SetRetryAttempts sets how many other servers a failed request is retried on; -1 tries every server.
func (pf *PoolFactory) SetRetryAttempts(n int) error {
	if n < -1 {
		return illegalArgument("SetRetryAttempts", "retry attempts must be -1 or more, got %d", n)
	}
	pf.attrs.RetryAttempts = n
	return nil
}

func (pf *PoolFactory) SetPingInterval(d time.Duration) error {
	if d <= 0 {
		return illegalArgument("SetPingInterval", "ping interval must be positive, got %s", d)
	}
	pf.attrs.PingInterval = d
	return nil
}

// SetUpdateLocatorListInterval sets how often the locator list is refreshed; zero disables it.
func (pf *PoolFactory) SetUpdateLocatorListInterval(d time.Duration) error {
	if d < 0 {
		return illegalArgument("SetUpdateLocatorListInterval", "update locator list interval must not be negative, got %s", d)
	}
	pf.attrs.UpdateLocatorListInterval = d
	return nil
}

// SetStatisticInterval sets how often pool statistics are logged. Zero or negative disables sampling.
func (pf *PoolFactory) SetStatisticInterval(d time.Duration) {
	pf.attrs.StatisticInterval = d
}

func (pf *PoolFactory) SetServerGroup(group string) {
	pf.attrs.ServerGroup = group
}

func (pf *PoolFactory) SetSubscriptionEnabled(enabled bool) {
	pf.attrs.SubscriptionEnabled = enabled
}

// SetSubscriptionRedundancy sets how many backup subscription servers are kept; -1 means all.
func (pf *PoolFactory) SetSubscriptionRedundancy(n int) error {
	if n < -1 {
		return illegalArgument("SetSubscriptionRedundancy", "subscription redundancy must be -1 or more, got %d", n)
	}
	pf.attrs.SubscriptionRedundancy = n
	return nil
}

func (pf *PoolFactory) SetSubscriptionMessageTrackingTimeout(d time.Duration) error {
	if d <= 0 {
		return illegalArgument("SetSubscriptionMessageTrackingTimeout", "message tracking timeout must be positive, got %s", d)
	}
	pf.attrs.SubscriptionMessageTrackingTimeout = d
	return nil
}

func (pf *PoolFactory) SetSubscriptionAckInterval(d time.Duration) error {
	if d <= 0 {
		return illegalArgument("SetSubscriptionAckInterval", "ack interval must be positive, got %s", d)
	}
	pf.attrs.SubscriptionAckInterval = d
	return nil
}

func (pf *PoolFactory) SetThreadLocalConnections(enabled bool) {
	pf.attrs.ThreadLocalConnections = enabled
}

func (pf *PoolFactory) SetMultiuserAuthentication(enabled bool) {
	pf.attrs.MultiuserAuthentication = enabled
}

func (pf *PoolFactory) SetPRSingleHopEnabled(enabled bool) {
	pf.attrs.PRSingleHopEnabled = enabled
}

// AddLocator adds a locator endpoint. A factory holds either locators or servers.
func (pf *PoolFactory) AddLocator(host string, port int) error {

	if len(pf.attrs.Servers) > 0 {
		return illegalState("AddLocator", "servers were already added, a pool uses locators or servers")
	}

	loc, err := NewServerLocation(host, port)
	if err != nil {
		return err
	}

	pf.attrs.Locators = append(pf.attrs.Locators, loc)
	return nil
}

// AddServer adds a static server endpoint. A factory holds either locators or servers.
func (pf *PoolFactory) AddServer(host string, port int) error {

	if len(pf.attrs.Locators) > 0 {
		return illegalState("AddServer", "locators were already added, a pool uses locators or servers")
	}

	loc, err := NewServerLocation(host, port)
	if err != nil {
		return err
	}

	pf.attrs.Servers = append(pf.attrs.Servers, loc)
	return nil
}

// SetSNIProxy routes every connection through a TLS SNI proxy.
func (pf *PoolFactory) SetSNIProxy(host string, port int) error {

	loc, err := NewServerLocation(host, port)
	if err != nil {
		return err
	}

	pf.attrs.SNIProxy = &loc
	return nil
}

// SetTLS enables SSL for locator and server connections.
func (pf *PoolFactory) SetTLS(config *TLSConfig) {
	pf.attrs.TLS = config
}

// SetAuthInitialize makes new connections send credentials from auth, which receives props.
func (pf *PoolFactory) SetAuthInitialize(auth AuthInitialize, props map[string]string) {
	pf.auth = auth
	pf.authProps = props
}

func (pf *PoolFactory) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pf.logger = logger
}

// SetErrorHandler receives errors absorbed by the pool's background tasks.
func (pf *PoolFactory) SetErrorHandler(errorHandler func(error)) {
	pf.errorHandler = errorHandler
}

// Create validates the accumulated settings, registers a pool under name and starts it.
func (pf *PoolFactory) Create(name string) (*Pool, error) {

	if name == "" {
		return nil, illegalArgument("Create", "pool name is required")
	}

	if pf.manager.closed.Load() {
		return nil, illegalState("Create", "pool manager is closed")
	}

	if len(pf.attrs.Locators) == 0 && len(pf.attrs.Servers) == 0 {
		return nil, illegalState("Create", "pool %s needs at least one locator or server", name)
	}

	if pf.attrs.MultiuserAuthentication && pf.attrs.ThreadLocalConnections {
		return nil, illegalArgument("Create", "multiuser authentication cannot be used with thread local connections")
	}

	if pf.attrs.MaxConnections != -1 && pf.attrs.MinConnections > pf.attrs.MaxConnections {
		return nil, illegalArgument("Create", "min connections %d exceeds max connections %d", pf.attrs.MinConnections, pf.attrs.MaxConnections)
	}

	if _, exists := pf.manager.Find(name); exists {
		return nil, illegalState("Create", "pool %s already exists", name)
	}

	pool, err := pf.build(name)
	if err != nil {
		return nil, err
	}

	if !pf.manager.register(pool) {
		return nil, illegalState("Create", "pool %s already exists", name)
	}

	pool.start()
	pool.logger.Info("pool created",
		zap.Int("locators", len(pool.attrs.Locators)),
		zap.Int("servers", len(pool.attrs.Servers)),
		zap.Int("min", pool.attrs.MinConnections),
		zap.Int("max", pool.attrs.MaxConnections))

	return pool, nil
}

func (pf *PoolFactory) build(name string) (*Pool, error) {

	attrs := pf.attrs.clone()

	tlsConfig, err := CreateTLSConfig(attrs.TLS)
	if err != nil {
		return nil, err
	}

	transportConfig := TransportConfig{
		ConnectTimeout:   attrs.ConnectTimeout,
		SocketBufferSize: attrs.SocketBufferSize,
		TLS:              tlsConfig,
		SNIProxy:         attrs.SNIProxy,
	}

	if transportConfig.SNIProxy != nil && tlsConfig == nil {
		return nil, illegalArgument("Create", "sni proxy requires tls")
	}

	dial := func(ctx context.Context, loc ServerLocation) (*Transport, error) {
		return DialTransport(ctx, loc, transportConfig)
	}

	pool := &Pool{
		name:         name,
		attrs:        attrs,
		manager:      pf.manager,
		stats:        &PoolStats{},
		logger:       pf.logger.Named("pool").With(zap.String("pool", name)),
		errorHandler: pf.errorHandler,
	}

	var selector endpointSelector
	if len(attrs.Locators) > 0 {
		pool.locators, err = NewLocatorClient(LocatorClientConfig{
			Locators:      attrs.Locators,
			Dialer:        dial,
			ReadTimeout:   attrs.ReadTimeout,
			SSLEnabled:    tlsConfig != nil,
			RetryAttempts: attrs.RetryAttempts,
			Logger:        pool.logger,
		})
		if err != nil {
			return nil, err
		}

		selector = &locatorSelector{
			client: pool.locators,
			group:  attrs.ServerGroup,
			stats:  pool.stats,
		}
	} else {
		selector = newStaticSelector(attrs.Servers)
	}

	pool.connections = newConnectionManager(pool, connectionManagerConfig{
		selector:  selector,
		dial:      dial,
		locators:  pool.locators,
		auth:      pf.auth,
		authProps: pf.authProps,
		scheduler: pf.manager.scheduler,
	})

	return pool, nil
}

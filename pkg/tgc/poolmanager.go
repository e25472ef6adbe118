package tgc

import (
	"sync/atomic"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/zap"
)

// RegionPoolResolver is implemented by regions that name the pool they use.
type RegionPoolResolver interface {
	PoolName() string
}

// PoolManager is the registry of named pools for one client. It owns the scheduler
// that drives every pool's maintenance tasks.
type PoolManager struct {
	pools        cmap.ConcurrentMap
	scheduler    *Scheduler
	membershipID string
	logger       *zap.Logger
	closed       atomic.Bool
}

// NewPoolManager creates an empty registry. A nil logger disables logging.
func NewPoolManager(logger *zap.Logger) *PoolManager {

	if logger == nil {
		logger = zap.NewNop()
	}

	return &PoolManager{
		pools:        cmap.New(),
		scheduler:    NewScheduler(logger),
		membershipID: uuid.New().String(),
		logger:       logger,
	}
}

// CreateFactory returns a PoolFactory with default settings that registers pools here.
func (pm *PoolManager) CreateFactory() *PoolFactory {
	return newPoolFactory(pm)
}

// MembershipID identifies this client to locators and servers.
func (pm *PoolManager) MembershipID() string {
	return pm.membershipID
}

// Find returns the pool registered under name.
func (pm *PoolManager) Find(name string) (*Pool, bool) {

	value, ok := pm.pools.Get(name)
	if !ok {
		return nil, false
	}

	return value.(*Pool), true
}

// FindForRegion returns the pool a region is configured to use.
func (pm *PoolManager) FindForRegion(region RegionPoolResolver) (*Pool, bool) {

	if region == nil || region.PoolName() == "" {
		return nil, false
	}

	return pm.Find(region.PoolName())
}

// Pools returns every registered pool by name.
func (pm *PoolManager) Pools() map[string]*Pool {

	pools := make(map[string]*Pool)
	for name, value := range pm.pools.Items() {
		pools[name] = value.(*Pool)
	}

	return pools
}

// Close destroys every pool, regardless of attached regions, and stops the scheduler.
func (pm *PoolManager) Close(keepAlive bool) {

	if !pm.closed.CompareAndSwap(false, true) {
		return
	}

	for _, pool := range pm.Pools() {
		pool.destroy(keepAlive)
	}

	pm.scheduler.Stop()
	pm.logger.Info("pool manager closed", zap.Bool("keepAlive", keepAlive))
}

func (pm *PoolManager) register(pool *Pool) bool {
	return pm.pools.SetIfAbsent(pool.name, pool)
}

func (pm *PoolManager) remove(name string) {
	pm.pools.Remove(name)
}

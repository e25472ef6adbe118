package tgc

import (
	"os"
	"sort"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// GeodeSeasoning represents the configuration values of a client: one PoolConfig per pool name.
type GeodeSeasoning struct {
	PoolConfigs map[string]*PoolConfig `json:"PoolConfigs"`
}

// PoolConfig represents the JSON settings of one pool. Durations are milliseconds.
// Unset (zero or null) values keep the factory defaults; pointer fields are the ones where zero is meaningful.
type PoolConfig struct {
	Locators                           []string   `json:"Locators"` // host:port
	Servers                            []string   `json:"Servers"`  // host:port
	FreeConnectionTimeout              uint32     `json:"FreeConnectionTimeout"`
	LoadConditioningInterval           uint32     `json:"LoadConditioningInterval"`
	SocketBufferSize                   int        `json:"SocketBufferSize"`
	ReadTimeout                        uint32     `json:"ReadTimeout"`
	ConnectTimeout                     uint32     `json:"ConnectTimeout"`
	MinConnections                     *int       `json:"MinConnections"`
	MaxConnections                     *int       `json:"MaxConnections"`
	IdleTimeout                        *int64     `json:"IdleTimeout"` // <= 0 disables
	RetryAttempts                      *int       `json:"RetryAttempts"`
	PingInterval                       uint32     `json:"PingInterval"`
	UpdateLocatorListInterval          *int64     `json:"UpdateLocatorListInterval"` // 0 disables
	StatisticInterval                  *int64     `json:"StatisticInterval"`         // <= 0 disables
	ServerGroup                        string     `json:"ServerGroup"`
	SubscriptionEnabled                bool       `json:"SubscriptionEnabled"`
	SubscriptionRedundancy             *int       `json:"SubscriptionRedundancy"`
	SubscriptionMessageTrackingTimeout uint32     `json:"SubscriptionMessageTrackingTimeout"`
	SubscriptionAckInterval            uint32     `json:"SubscriptionAckInterval"`
	ThreadLocalConnections             bool       `json:"ThreadLocalConnections"`
	MultiuserAuthentication            bool       `json:"MultiuserAuthentication"`
	PRSingleHopEnabled                 *bool      `json:"PRSingleHopEnabled"`
	SNIProxy                           string     `json:"SNIProxy"` // host:port
	TLSConfig                          *TLSConfig `json:"TLSConfig"`
}

// ConvertJSONFileToConfig opens a file.json and converts to GeodeSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*GeodeSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &GeodeSeasoning{}
	var json = jsoniter.ConfigFastest
	err = json.Unmarshal(byteValue, config)

	return config, err
}

// NewPoolFactoryFromConfig creates a factory on manager and applies config through the validating setters.
func NewPoolFactoryFromConfig(manager *PoolManager, config *PoolConfig) (*PoolFactory, error) {

	if config == nil {
		return nil, illegalArgument("NewPoolFactoryFromConfig", "config is nil")
	}

	pf := manager.CreateFactory()

	for _, addr := range config.Locators {
		loc, err := ParseServerLocation(addr)
		if err != nil {
			return nil, err
		}
		if err := pf.AddLocator(loc.Host, loc.Port); err != nil {
			return nil, err
		}
	}

	for _, addr := range config.Servers {
		loc, err := ParseServerLocation(addr)
		if err != nil {
			return nil, err
		}
		if err := pf.AddServer(loc.Host, loc.Port); err != nil {
			return nil, err
		}
	}

	setters := []func() error{
		millis(config.FreeConnectionTimeout, pf.SetFreeConnectionTimeout),
		millis(config.LoadConditioningInterval, pf.SetLoadConditioningInterval),
		millis(config.ReadTimeout, pf.SetReadTimeout),
		millis(config.ConnectTimeout, pf.SetConnectTimeout),
		millis(config.PingInterval, pf.SetPingInterval),
		millis(config.SubscriptionMessageTrackingTimeout, pf.SetSubscriptionMessageTrackingTimeout),
		millis(config.SubscriptionAckInterval, pf.SetSubscriptionAckInterval),
		optionalInt(config.MinConnections, pf.SetMinConnections),
		optionalInt(config.MaxConnections, pf.SetMaxConnections),
		optionalInt(config.RetryAttempts, pf.SetRetryAttempts),
		optionalInt(config.SubscriptionRedundancy, pf.SetSubscriptionRedundancy),
		func() error {
			if config.SocketBufferSize != 0 {
				return pf.SetSocketBufferSize(config.SocketBufferSize)
			}
			return nil
		},
		func() error {
			if config.UpdateLocatorListInterval != nil {
				return pf.SetUpdateLocatorListInterval(time.Duration(*config.UpdateLocatorListInterval) * time.Millisecond)
			}
			return nil
		},
		func() error {
			if config.SNIProxy == "" {
				return nil
			}
			proxy, err := ParseServerLocation(config.SNIProxy)
			if err != nil {
				return err
			}
			return pf.SetSNIProxy(proxy.Host, proxy.Port)
		},
	}

	for _, set := range setters {
		if err := set(); err != nil {
			return nil, err
		}
	}

	if config.IdleTimeout != nil {
		pf.SetIdleTimeout(time.Duration(*config.IdleTimeout) * time.Millisecond)
	}

	if config.StatisticInterval != nil {
		pf.SetStatisticInterval(time.Duration(*config.StatisticInterval) * time.Millisecond)
	}

	if config.PRSingleHopEnabled != nil {
		pf.SetPRSingleHopEnabled(*config.PRSingleHopEnabled)
	}

	pf.SetServerGroup(config.ServerGroup)
	pf.SetSubscriptionEnabled(config.SubscriptionEnabled)
	pf.SetThreadLocalConnections(config.ThreadLocalConnections)
	pf.SetMultiuserAuthentication(config.MultiuserAuthentication)
	pf.SetTLS(config.TLSConfig)

	return pf, nil
}

// CreatePools creates every pool of seasoning, in name order. Pools created before a failure are kept.
func (pm *PoolManager) CreatePools(seasoning *GeodeSeasoning) ([]*Pool, error) {

	if seasoning == nil {
		return nil, illegalArgument("CreatePools", "seasoning is nil")
	}

	names := make([]string, 0, len(seasoning.PoolConfigs))
	for name := range seasoning.PoolConfigs {
		names = append(names, name)
	}
	sort.Strings(names)

	pools := make([]*Pool, 0, len(names))
	for _, name := range names {
		pf, err := NewPoolFactoryFromConfig(pm, seasoning.PoolConfigs[name])
		if err != nil {
			return pools, err
		}

		pool, err := pf.Create(name)
		if err != nil {
			return pools, err
		}

		pools = append(pools, pool)
	}

	return pools, nil
}

func millis(value uint32, set func(time.Duration) error) func() error {
	return func() error {
		if value == 0 {
			return nil
		}
		return set(time.Duration(value) * time.Millisecond)
	}
}

func optionalInt(value *int, set func(int) error) func() error {
	return func() error {
		if value == nil {
			return nil
		}
		return set(*value)
	}
}

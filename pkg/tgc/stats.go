package tgc

import (
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

// PoolStats holds the counters of one pool. All fields are updated atomically.
type PoolStats struct {
	LocatorRequests          atomic.Int64
	LocatorResponses         atomic.Int64
	PoolConnects             atomic.Int64
	PoolDisconnects          atomic.Int64
	ConnectFailures          atomic.Int64
	MinPoolSizeConnects      atomic.Int64
	LoadConditionConnects    atomic.Int64
	LoadConditionReplaced    atomic.Int64
	LoadConditionDisconnects atomic.Int64
	IdleDisconnects          atomic.Int64
	PingFailures             atomic.Int64
	Retries                  atomic.Int64
	ConnectionWaits          atomic.Int64
	ConnectionWaitTimeouts   atomic.Int64
	ClientOps                atomic.Int64
	ClientOpFailures         atomic.Int64
	ClientOpTimeouts         atomic.Int64
	Connections              atomic.Int64
}

// PoolStatsSnapshot is a point in time copy of PoolStats.
type PoolStatsSnapshot struct {
	LocatorRequests          int64 `json:"LocatorRequests"`
	LocatorResponses         int64 `json:"LocatorResponses"`
	PoolConnects             int64 `json:"PoolConnects"`
	PoolDisconnects          int64 `json:"PoolDisconnects"`
	ConnectFailures          int64 `json:"ConnectFailures"`
	MinPoolSizeConnects      int64 `json:"MinPoolSizeConnects"`
	LoadConditionConnects    int64 `json:"LoadConditionConnects"`
	LoadConditionReplaced    int64 `json:"LoadConditionReplaced"`
	LoadConditionDisconnects int64 `json:"LoadConditionDisconnects"`
	IdleDisconnects          int64 `json:"IdleDisconnects"`
	PingFailures             int64 `json:"PingFailures"`
	Retries                  int64 `json:"Retries"`
	ConnectionWaits          int64 `json:"ConnectionWaits"`
	ConnectionWaitTimeouts   int64 `json:"ConnectionWaitTimeouts"`
	ClientOps                int64 `json:"ClientOps"`
	ClientOpFailures         int64 `json:"ClientOpFailures"`
	ClientOpTimeouts         int64 `json:"ClientOpTimeouts"`
	Connections              int64 `json:"Connections"`
}

// Snapshot copies the counters.
func (ps *PoolStats) Snapshot() PoolStatsSnapshot {
	return PoolStatsSnapshot{
		LocatorRequests:          ps.LocatorRequests.Load(),
		LocatorResponses:         ps.LocatorResponses.Load(),
		PoolConnects:             ps.PoolConnects.Load(),
		PoolDisconnects:          ps.PoolDisconnects.Load(),
		ConnectFailures:          ps.ConnectFailures.Load(),
		MinPoolSizeConnects:      ps.MinPoolSizeConnects.Load(),
		LoadConditionConnects:    ps.LoadConditionConnects.Load(),
		LoadConditionReplaced:    ps.LoadConditionReplaced.Load(),
		LoadConditionDisconnects: ps.LoadConditionDisconnects.Load(),
		IdleDisconnects:          ps.IdleDisconnects.Load(),
		PingFailures:             ps.PingFailures.Load(),
		Retries:                  ps.Retries.Load(),
		ConnectionWaits:          ps.ConnectionWaits.Load(),
		ConnectionWaitTimeouts:   ps.ConnectionWaitTimeouts.Load(),
		ClientOps:                ps.ClientOps.Load(),
		ClientOpFailures:         ps.ClientOpFailures.Load(),
		ClientOpTimeouts:         ps.ClientOpTimeouts.Load(),
		Connections:              ps.Connections.Load(),
	}
}

// MarshalLogObject lets a snapshot be logged with zap.Object.
func (s PoolStatsSnapshot) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("locatorRequests", s.LocatorRequests)
	enc.AddInt64("locatorResponses", s.LocatorResponses)
	enc.AddInt64("poolConnects", s.PoolConnects)
	enc.AddInt64("poolDisconnects", s.PoolDisconnects)
	enc.AddInt64("connectFailures", s.ConnectFailures)
	enc.AddInt64("minPoolSizeConnects", s.MinPoolSizeConnects)
	enc.AddInt64("loadConditionConnects", s.LoadConditionConnects)
	enc.AddInt64("loadConditionReplaced", s.LoadConditionReplaced)
	enc.AddInt64("loadConditionDisconnects", s.LoadConditionDisconnects)
	enc.AddInt64("idleDisconnects", s.IdleDisconnects)
	enc.AddInt64("pingFailures", s.PingFailures)
	enc.AddInt64("retries", s.Retries)
	enc.AddInt64("connectionWaits", s.ConnectionWaits)
	enc.AddInt64("connectionWaitTimeouts", s.ConnectionWaitTimeouts)
	enc.AddInt64("clientOps", s.ClientOps)
	enc.AddInt64("clientOpFailures", s.ClientOpFailures)
	enc.AddInt64("clientOpTimeouts", s.ClientOpTimeouts)
	enc.AddInt64("connections", s.Connections)
	return nil
}

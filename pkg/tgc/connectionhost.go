package tgc

import (
	"sync/atomic"
	"time"
)

// ConnectionState tracks a pooled connection through its lifecycle.
type ConnectionState int32

// Connection states.
const (
	StateCreating ConnectionState = iota
	StateIdle
	StateInUse
	StateClosing
	StateClosed
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateCreating:
		return "CREATING"
	case StateIdle:
		return "IDLE"
	case StateInUse:
		return "IN_USE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnectionHost is one pooled connection to a server.
// A host taken from the pool is owned by the caller until it is released.
type ConnectionHost struct {
	ConnectionID uint64
	server       ServerLocation
	transport    *Transport
	createdAt    atomic.Int64
	lastAccessed atomic.Int64
	state        atomic.Int32
}

func newConnectionHost(connectionID uint64, server ServerLocation, transport *Transport) *ConnectionHost {

	ch := &ConnectionHost{
		ConnectionID: connectionID,
		server:       server,
		transport:    transport,
	}

	now := time.Now().UnixNano()
	ch.createdAt.Store(now)
	ch.lastAccessed.Store(now)
	ch.state.Store(int32(StateCreating))

	return ch
}

// Server returns the server this connection is bound to.
func (ch *ConnectionHost) Server() ServerLocation {
	return ch.server
}

// State returns the current lifecycle state.
func (ch *ConnectionHost) State() ConnectionState {
	return ConnectionState(ch.state.Load())
}

// CreatedAt returns when the connection was opened, or last kept by load conditioning.
func (ch *ConnectionHost) CreatedAt() time.Time {
	return time.Unix(0, ch.createdAt.Load())
}

// LastAccessed returns when the connection was last returned to the pool.
func (ch *ConnectionHost) LastAccessed() time.Time {
	return time.Unix(0, ch.lastAccessed.Load())
}

// Exchange sends one frame and reads the answer.
func (ch *ConnectionHost) Exchange(msgType MessageType, payload []byte, timeout time.Duration) (MessageType, []byte, error) {

	if err := ch.transport.WriteFrame(msgType, payload, timeout); err != nil {
		return 0, nil, err
	}

	return ch.transport.ReadFrame(timeout)
}

// Close closes the transport and marks the host closed.
func (ch *ConnectionHost) Close() error {
	ch.state.Store(int32(StateClosing))
	err := ch.transport.Close()
	ch.state.Store(int32(StateClosed))
	return err
}

func (ch *ConnectionHost) ping(timeout time.Duration) error {

	msgType, _, err := ch.Exchange(MessagePing, nil, timeout)
	if err != nil {
		return err
	}

	if msgType != MessagePingReply {
		return protocolError("Ping", "unexpected %s answer to ping from %s", msgType, ch.server)
	}

	return nil
}

func (ch *ConnectionHost) setState(state ConnectionState) {
	ch.state.Store(int32(state))
}

func (ch *ConnectionHost) touch() {
	ch.lastAccessed.Store(time.Now().UnixNano())
}

func (ch *ConnectionHost) refreshCreationTime() {
	ch.createdAt.Store(time.Now().UnixNano())
}

// hasExpired reports whether the connection outlived the load conditioning interval.
func (ch *ConnectionHost) hasExpired(interval time.Duration, now time.Time) bool {
	return interval > 0 && now.Sub(ch.CreatedAt()) > interval
}

// idleFor returns how long the connection has sat unused.
func (ch *ConnectionHost) idleFor(now time.Time) time.Duration {
	return now.Sub(ch.LastAccessed())
}

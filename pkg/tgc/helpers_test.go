package tgc_test

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/houseofcat/turbogeode/pkg/tgc"
	"github.com/stretchr/testify/require"
)

// fakeListener accepts connections and tracks them so Close can tear everything down.
type fakeListener struct {
	listener net.Listener
	location tgc.ServerLocation
	conns    map[net.Conn]struct{}
	closed   bool
	lock     sync.Mutex
	wg       sync.WaitGroup
	accepted atomic.Int32
}

func newFakeListener(t *testing.T, serve func(net.Conn)) *fakeListener {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	loc, err := tgc.ParseServerLocation(listener.Addr().String())
	require.NoError(t, err)

	fl := &fakeListener{
		listener: listener,
		location: loc,
		conns:    make(map[net.Conn]struct{}),
	}

	fl.wg.Add(1)
	go func() {
		defer fl.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			fl.accepted.Add(1)
			fl.lock.Lock()
			if fl.closed {
				fl.lock.Unlock()
				_ = conn.Close()
				return
			}
			fl.conns[conn] = struct{}{}
			fl.wg.Add(1)
			fl.lock.Unlock()

			go func() {
				defer fl.wg.Done()
				defer fl.forget(conn)
				serve(conn)
			}()
		}
	}()

	return fl
}

func (fl *fakeListener) forget(conn net.Conn) {
	_ = conn.Close()
	fl.lock.Lock()
	delete(fl.conns, conn)
	fl.lock.Unlock()
}

func (fl *fakeListener) open() int {
	fl.lock.Lock()
	defer fl.lock.Unlock()
	return len(fl.conns)
}

func (fl *fakeListener) Close() {
	_ = fl.listener.Close()

	fl.lock.Lock()
	fl.closed = true
	for conn := range fl.conns {
		_ = conn.Close()
	}
	fl.lock.Unlock()

	fl.wg.Wait()
}

// fakeLocator answers locator requests through handle. A nil answer drops the connection.
type fakeLocator struct {
	*fakeListener
	requests sync.Map // tgc.LocatorObjectType -> *atomic.Int32
}

func newFakeLocator(t *testing.T, handle func(req tgc.LocatorObject) tgc.LocatorObject) *fakeLocator {
	t.Helper()

	return newFakeLocatorWithSelf(t, func(_ tgc.ServerLocation, req tgc.LocatorObject) tgc.LocatorObject {
		return handle(req)
	})
}

// newFakeLocatorWithSelf hands the locator's own address to handle.
func newFakeLocatorWithSelf(t *testing.T, handle func(self tgc.ServerLocation, req tgc.LocatorObject) tgc.LocatorObject) *fakeLocator {
	t.Helper()

	fl := &fakeLocator{}
	fl.fakeListener = newFakeListener(t, func(conn net.Conn) {
		req, err := tgc.ReadLocatorRequest(conn)
		if err != nil {
			return
		}

		counter, _ := fl.requests.LoadOrStore(req.ObjectType(), &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)

		self, err := tgc.ParseServerLocation(conn.LocalAddr().String())
		if err != nil {
			return
		}

		resp := handle(self, req)
		if resp == nil {
			return
		}

		buf, err := tgc.MarshalLocatorObject(resp)
		if err != nil {
			return
		}
		_, _ = conn.Write(buf)
	})

	return fl
}

func (fl *fakeLocator) count(objType tgc.LocatorObjectType) int {
	counter, ok := fl.requests.Load(objType)
	if !ok {
		return 0
	}
	return int(counter.(*atomic.Int32).Load())
}

// newRawLocator writes reply verbatim to every connection.
func newRawLocator(t *testing.T, reply []byte) *fakeListener {
	t.Helper()

	return newFakeListener(t, func(conn net.Conn) {
		if _, err := tgc.ReadLocatorRequest(conn); err != nil {
			return
		}
		_, _ = conn.Write(reply)
	})
}

// newDeadLocation returns a loopback address nothing listens on.
func newDeadLocation(t *testing.T) tgc.ServerLocation {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	loc, err := tgc.ParseServerLocation(listener.Addr().String())
	require.NoError(t, err)
	require.NoError(t, listener.Close())

	return loc
}

type fakeServerOptions struct {
	dropRequests  bool   // close the connection on a request frame
	rejectAuth    bool   // answer credentials with an auth failure
	exception     string // answer requests with an exception frame
	expectedToken string // credentials must carry this token
	silentPings   bool   // read pings without answering
}

// fakeServer speaks the server frame protocol: replies are the server address followed by the request payload.
type fakeServer struct {
	*fakeListener
	requests    atomic.Int32
	pings       atomic.Int32
	credentials atomic.Int32
}

func newFakeServer(t *testing.T, opts fakeServerOptions) *fakeServer {
	t.Helper()

	fs := &fakeServer{}
	fs.fakeListener = newFakeListener(t, func(conn net.Conn) {
		for {
			msgType, payload, err := tgc.DecodeFrame(conn)
			if err != nil {
				return
			}

			switch msgType {
			case tgc.MessageCredentials:
				fs.credentials.Add(1)
				if opts.rejectAuth || (opts.expectedToken != "" && !strings.Contains(string(payload), opts.expectedToken)) {
					_ = tgc.EncodeFrame(conn, tgc.MessageAuthFailure, []byte("bad credentials"))
					continue
				}
				_ = tgc.EncodeFrame(conn, tgc.MessageReply, nil)
			case tgc.MessagePing:
				fs.pings.Add(1)
				if opts.silentPings {
					continue
				}
				_ = tgc.EncodeFrame(conn, tgc.MessagePingReply, nil)
			case tgc.MessageRequest:
				fs.requests.Add(1)
				if opts.dropRequests {
					return
				}
				if opts.exception != "" {
					_ = tgc.EncodeFrame(conn, tgc.MessageException, []byte(opts.exception))
					continue
				}
				reply := append([]byte(conn.LocalAddr().String()+"|"), payload...)
				_ = tgc.EncodeFrame(conn, tgc.MessageReply, reply)
			default:
				return
			}
		}
	})

	return fs
}

func replyFrom(reply []byte) string {
	server, _, _ := strings.Cut(string(reply), "|")
	return server
}

func plainDialer(config tgc.TransportConfig) tgc.LocatorDialer {
	return func(ctx context.Context, loc tgc.ServerLocation) (*tgc.Transport, error) {
		return tgc.DialTransport(ctx, loc, config)
	}
}

// identityShuffler keeps order so tests are deterministic.
type identityShuffler struct{}

func (identityShuffler) Shuffle(int, func(i, j int)) {}

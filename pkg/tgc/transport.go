package tgc

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// TransportConfig holds the socket settings shared by every dial of a pool.
type TransportConfig struct {
	ConnectTimeout   time.Duration
	SocketBufferSize int
	TLS              *tls.Config
	SNIProxy         *ServerLocation // dial the proxy, handshake for the target host
}

// Transport is one socket to a locator or server, plain or TLS.
// A Transport that failed a Send or Receive must be closed and not reused.
type Transport struct {
	conn      net.Conn
	peer      ServerLocation
	closeOnce sync.Once
	closeErr  error
}

// DialTransport connects to peer. The TLS handshake, when configured, completes before return
// and is bounded by the connect timeout.
func DialTransport(ctx context.Context, peer ServerLocation, config TransportConfig) (*Transport, error) {

	if config.SNIProxy != nil && config.TLS == nil {
		return nil, illegalArgument("DialTransport", "sni proxy requires tls")
	}

	target := peer.String()
	if config.SNIProxy != nil {
		target = config.SNIProxy.String()
	}

	dialCtx := ctx
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		return nil, transportError("DialTransport", err, "connecting to %s", target)
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		if config.SocketBufferSize > 0 {
			_ = tcp.SetReadBuffer(config.SocketBufferSize)
			_ = tcp.SetWriteBuffer(config.SocketBufferSize)
		}
	}

	conn := raw
	if config.TLS != nil {
		tlsCfg := config.TLS.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = peer.Host
		}

		tlsConn := tls.Client(raw, tlsCfg)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = raw.Close()
			return nil, transportError("DialTransport", err, "tls handshake with %s", peer)
		}

		conn = tlsConn
	}

	return &Transport{
		conn: conn,
		peer: peer,
	}, nil
}

// DialTransportAddr connects to an "ip:port" address.
func DialTransportAddr(ctx context.Context, ipAddr string, config TransportConfig) (*Transport, error) {

	peer, err := ParseServerLocation(ipAddr)
	if err != nil {
		return nil, err
	}

	return DialTransport(ctx, peer, config)
}

// Peer returns the location this transport was dialed for.
func (t *Transport) Peer() ServerLocation {
	return t.peer
}

// Send writes all of buf, failing if it cannot complete within timeout.
func (t *Transport) Send(buf []byte, timeout time.Duration) (int, error) {

	if err := t.conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return 0, transportError("Send", err, "to %s", t.peer)
	}

	n, err := t.conn.Write(buf)
	if err != nil {
		return n, transportError("Send", err, "to %s", t.peer)
	}

	return n, nil
}

// Receive performs one read into buf within timeout. A read of zero bytes is a failure.
func (t *Transport) Receive(buf []byte, timeout time.Duration) (int, error) {

	if err := t.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, transportError("Receive", err, "from %s", t.peer)
	}

	n, err := t.conn.Read(buf)
	if n == 0 && err == nil {
		err = io.ErrUnexpectedEOF
	}
	if err != nil && (n == 0 || !errors.Is(err, io.EOF)) {
		return n, transportError("Receive", err, "from %s", t.peer)
	}

	return n, nil
}

// ReceiveFull fills buf completely within timeout.
func (t *Transport) ReceiveFull(buf []byte, timeout time.Duration) (int, error) {

	if err := t.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, transportError("ReceiveFull", err, "from %s", t.peer)
	}

	n, err := io.ReadFull(t.conn, buf)
	if err != nil {
		return n, transportError("ReceiveFull", err, "from %s", t.peer)
	}

	return n, nil
}

// WriteFrame sends one server frame.
func (t *Transport) WriteFrame(msgType MessageType, payload []byte, timeout time.Duration) error {

	frame, err := appendFrame(nil, msgType, payload)
	if err != nil {
		return err
	}

	_, err = t.Send(frame, timeout)
	return err
}

// ReadFrame reads one server frame.
func (t *Transport) ReadFrame(timeout time.Duration) (MessageType, []byte, error) {

	if err := t.conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, nil, transportError("ReadFrame", err, "from %s", t.peer)
	}

	msgType, payload, err := DecodeFrame(t.conn)
	if err != nil {
		if errors.Is(err, ErrProtocol) {
			return 0, nil, err
		}
		return 0, nil, transportError("ReadFrame", err, "from %s", t.peer)
	}

	return msgType, payload, nil
}

// Close closes the socket. Safe to call more than once.
func (t *Transport) Close() error {

	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})

	return t.closeErr
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

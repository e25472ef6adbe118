package tgc

import (
	"context"
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultLocatorRetryAttempts is used when the configured retry attempts are not positive.
const DefaultLocatorRetryAttempts = 3

// LocatorDialer opens a fresh Transport to a locator for a single request.
type LocatorDialer func(ctx context.Context, locator ServerLocation) (*Transport, error)

// Shuffler is the randomness source for locator ordering. *rand.Rand satisfies it.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

type lockedShuffler struct {
	lock sync.Mutex
	rand *rand.Rand
}

// NewShuffler returns a goroutine safe Shuffler seeded with seed.
func NewShuffler(seed int64) Shuffler {
	return &lockedShuffler{rand: rand.New(rand.NewSource(seed))} //nolint:gosec
}

func (ls *lockedShuffler) Shuffle(n int, swap func(i, j int)) {
	ls.lock.Lock()
	ls.rand.Shuffle(n, swap)
	ls.lock.Unlock()
}

// LocatorClientConfig configures a LocatorClient.
type LocatorClientConfig struct {
	Locators      []ServerLocation
	Dialer        LocatorDialer
	ReadTimeout   time.Duration
	SSLEnabled    bool
	RetryAttempts int
	Shuffler      Shuffler
	Logger        *zap.Logger
}

// LocatorClient talks to the locators of one pool. Every request opens its own connection.
type LocatorClient struct {
	locators      []ServerLocation
	lock          sync.RWMutex
	dialer        LocatorDialer
	readTimeout   time.Duration
	sslEnabled    bool
	retryAttempts int
	shuffler      Shuffler
	logger        *zap.Logger
}

// NewLocatorClient validates config and creates a LocatorClient.
func NewLocatorClient(config LocatorClientConfig) (*LocatorClient, error) {

	if len(config.Locators) == 0 {
		return nil, illegalArgument("NewLocatorClient", "at least one locator is required")
	}

	if config.Dialer == nil {
		return nil, illegalArgument("NewLocatorClient", "dialer is required")
	}

	lc := &LocatorClient{
		locators:      append([]ServerLocation(nil), config.Locators...),
		dialer:        config.Dialer,
		readTimeout:   config.ReadTimeout,
		sslEnabled:    config.SSLEnabled,
		retryAttempts: config.RetryAttempts,
		shuffler:      config.Shuffler,
		logger:        config.Logger,
	}

	if lc.retryAttempts <= 0 {
		lc.retryAttempts = DefaultLocatorRetryAttempts
	}

	if lc.shuffler == nil {
		lc.shuffler = NewShuffler(time.Now().UnixNano())
	}

	if lc.logger == nil {
		lc.logger = zap.NewNop()
	}
	lc.logger = lc.logger.Named("locator")

	return lc, nil
}

// Locators returns the current locator list in its stored order.
func (lc *LocatorClient) Locators() []ServerLocation {
	lc.lock.RLock()
	defer lc.lock.RUnlock()
	return append([]ServerLocation(nil), lc.locators...)
}

// LocatorCount returns the number of known locators.
func (lc *LocatorClient) LocatorCount() int {
	lc.lock.RLock()
	defer lc.lock.RUnlock()
	return len(lc.locators)
}

// GetAllServers asks each locator once, in random order, for the servers of group.
func (lc *LocatorClient) GetAllServers(ctx context.Context, group string) ([]ServerLocation, error) {

	for _, loc := range lc.shuffledLocators() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := lc.sendRequest(ctx, loc, &GetAllServersRequest{ServerGroup: group})
		if err != nil {
			if isFatalLocatorError(err) {
				return nil, err
			}
			lc.logger.Debug("get all servers failed", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}

		reply, ok := resp.(*GetAllServersResponse)
		if !ok {
			return nil, unexpectedResponse("GetAllServers", resp)
		}

		return reply.Servers, nil
	}

	return nil, newError(KindNoLocators, "GetAllServers", ErrNoAvailableLocators, nil, "")
}

// GetEndpointForNewCallBackConn asks for up to redundancy subscription endpoints.
func (lc *LocatorClient) GetEndpointForNewCallBackConn(
	ctx context.Context,
	membershipID string,
	redundancy int,
	exclude ServerLocationSet,
	group string) ([]ServerLocation, error) {

	locators := lc.shuffledLocators()
	req := &QueueConnectionRequest{
		MembershipID:    membershipID,
		ExcludedServers: exclude.Sorted(),
		Redundancy:      redundancy,
		ServerGroup:     group,
	}

	for attempt := 0; attempt < lc.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		loc := locators[attempt%len(locators)]
		resp, err := lc.sendRequest(ctx, loc, req)
		if err != nil {
			if isFatalLocatorError(err) {
				return nil, err
			}
			lc.logger.Debug("queue connection request failed", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}

		reply, ok := resp.(*QueueConnectionResponse)
		if !ok {
			return nil, unexpectedResponse("GetEndpointForNewCallBackConn", resp)
		}

		return reply.Servers, nil
	}

	return nil, newError(KindNoLocators, "GetEndpointForNewCallBackConn", ErrNoAvailableLocators, nil, "")
}

// GetEndpointForNewFwdConn asks for a server to open a new connection to. With current set
// the locator may answer with current itself when no replacement is warranted.
func (lc *LocatorClient) GetEndpointForNewFwdConn(
	ctx context.Context,
	exclude ServerLocationSet,
	group string,
	current *ServerLocation) (ServerLocation, error) {

	locators := lc.shuffledLocators()

	var req LocatorObject
	if current == nil {
		req = &ClientConnectionRequest{
			ExcludedServers: exclude.Sorted(),
			ServerGroup:     group,
		}
	} else {
		req = &ClientReplacementRequest{
			CurrentServer:   *current,
			ExcludedServers: exclude.Sorted(),
			ServerGroup:     group,
		}
	}

	locatorFound := false
	for attempt := 0; attempt < lc.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ServerLocation{}, err
		}

		loc := locators[attempt%len(locators)]
		resp, err := lc.sendRequest(ctx, loc, req)
		if err != nil {
			if isFatalLocatorError(err) {
				return ServerLocation{}, err
			}
			lc.logger.Debug("client connection request failed", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}

		reply, ok := resp.(*ClientConnectionResponse)
		if !ok {
			return ServerLocation{}, unexpectedResponse("GetEndpointForNewFwdConn", resp)
		}

		if reply.ServerFound {
			return reply.Server, nil
		}

		locatorFound = true
	}

	if locatorFound {
		return ServerLocation{}, newError(KindNoServers, "GetEndpointForNewFwdConn", ErrNoServersFound, nil, "locators found no server for group %q", group)
	}

	return ServerLocation{}, newError(KindNoLocators, "GetEndpointForNewFwdConn", ErrNoAvailableLocators, nil, "")
}

// UpdateLocators refreshes the locator list from the first locator that answers.
// Known locators missing from the answer are kept at the end of the list.
func (lc *LocatorClient) UpdateLocators(ctx context.Context, group string) error {

	current := lc.shuffledLocators()

	for _, loc := range current {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := lc.sendRequest(ctx, loc, &LocatorListRequest{ServerGroup: group})
		if err != nil {
			if isFatalLocatorError(err) {
				return err
			}
			lc.logger.Debug("locator list request failed", zap.Stringer("locator", loc), zap.Error(err))
			continue
		}

		reply, ok := resp.(*LocatorListResponse)
		if !ok {
			return unexpectedResponse("UpdateLocators", resp)
		}

		fresh := append([]ServerLocation(nil), reply.Locators...)
		lc.shuffler.Shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })

		known := NewServerLocationSet(fresh...)
		for _, old := range current {
			if !known.Contains(old) {
				known.Add(old)
				fresh = append(fresh, old)
			}
		}

		lc.lock.Lock()
		lc.locators = fresh
		lc.lock.Unlock()

		lc.logger.Debug("locator list updated", zap.Int("count", len(fresh)))
		return nil
	}

	return newError(KindNoLocators, "UpdateLocators", ErrNoAvailableLocators, nil, "")
}

func (lc *LocatorClient) shuffledLocators() []ServerLocation {

	locators := lc.Locators()
	lc.shuffler.Shuffle(len(locators), func(i, j int) { locators[i], locators[j] = locators[j], locators[i] })

	return locators
}

// sendRequest performs one request/response exchange on a new connection.
func (lc *LocatorClient) sendRequest(ctx context.Context, loc ServerLocation, req LocatorObject) (LocatorObject, error) {

	frame, err := locatorRequestFrame(req)
	if err != nil {
		return nil, err
	}

	transport, err := lc.dialer(ctx, loc)
	if err != nil {
		return nil, err
	}
	defer transport.Close()

	if _, err := transport.Send(frame, lc.readTimeout); err != nil {
		return nil, err
	}

	return lc.readResponse(transport)
}

func (lc *LocatorClient) readResponse(transport *Transport) (LocatorObject, error) {

	header := make([]byte, locatorObjectHeaderSize)
	if _, err := transport.ReceiveFull(header[:1], lc.readTimeout); err != nil {
		return nil, err
	}

	if header[0] == ReplySSLEnabled && !lc.sslEnabled {
		return nil, newError(KindAuthentication, "LocatorClient", ErrAuthenticationRequired, nil, "locator %s requires SSL", transport.Peer())
	}

	if _, err := transport.ReceiveFull(header[1:], lc.readTimeout); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxLocatorReplySize-locatorObjectHeaderSize {
		return nil, protocolError("LocatorClient", "reply of %d bytes from %s exceeds %d", length, transport.Peer(), MaxLocatorReplySize)
	}

	buf := make([]byte, locatorObjectHeaderSize+int(length))
	copy(buf, header)
	if _, err := transport.ReceiveFull(buf[locatorObjectHeaderSize:], lc.readTimeout); err != nil {
		return nil, err
	}

	return UnmarshalLocatorObject(buf)
}

func unexpectedResponse(op string, resp LocatorObject) error {
	return protocolError(op, "unexpected locator response type %d", resp.ObjectType())
}

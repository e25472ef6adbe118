package tgc

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIllegalArgument is returned when a setting or argument is out of its documented bounds.
	ErrIllegalArgument = errors.New("illegal argument")

	// ErrIllegalState is returned when an operation is not valid for the current state (duplicate pool, destroy with attached regions).
	ErrIllegalState = errors.New("illegal state")

	// ErrNotConnected is returned when every candidate server failed for a request.
	// you can check for this error with errors.Is
	ErrNotConnected = errors.New("not connected to any server")

	// ErrNoAvailableLocators is returned when no locator answered a discovery request.
	ErrNoAvailableLocators = errors.New("no available locators")

	// ErrNoServersFound is returned when locators answered but reported no usable server, or every static server is excluded.
	ErrNoServersFound = errors.New("no servers found")

	// ErrAuthenticationRequired is returned when a locator demands SSL from a plain client.
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrAuthenticationFailed is returned when a server rejects the credentials sent on connect.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAllConnectionsInUse is returned when the pool is at max and no connection was freed in time.
	ErrAllConnectionsInUse = errors.New("all connections in use")

	// ErrProtocol is returned for structural framing errors, such as an unexpected response type.
	ErrProtocol = errors.New("protocol error")

	// ErrMalformedMessage is returned when a message body cannot be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrServerException is returned when a server answers a request with an exception frame.
	ErrServerException = errors.New("server exception")

	// ErrPoolDestroyed is returned when the pool was destroyed.
	ErrPoolDestroyed = errors.New("pool destroyed")
)

// ErrorKind classifies failures so callers can react without string matching.
type ErrorKind int

const (
	// KindUnknown is reported for errors that did not originate in this package.
	KindUnknown ErrorKind = iota
	KindConfiguration
	KindTransport
	KindNoLocators
	KindNoServers
	KindAuthentication
	KindCapacity
	KindProtocol
	KindServer
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindNoLocators:
		return "no-locators"
	case KindNoServers:
		return "no-servers"
	case KindAuthentication:
		return "authentication"
	case KindCapacity:
		return "capacity"
	case KindProtocol:
		return "protocol"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every operation in this package.
// Err holds the sentinel (matchable with errors.Is) and Cause the underlying failure, if any.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
	Cause   error
}

func (e *Error) Error() string {

	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}

	switch {
	case e.Message != "":
		sb.WriteString(e.Message)
	case e.Err != nil:
		sb.WriteString(e.Err.Error())
	default:
		sb.WriteString(e.Kind.String())
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap exposes both the sentinel and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {

	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}

	return errs
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) ErrorKind {

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

func newError(kind ErrorKind, op string, sentinel error, cause error, format string, args ...interface{}) *Error {

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	return &Error{
		Kind:    kind,
		Op:      op,
		Message: msg,
		Err:     sentinel,
		Cause:   cause,
	}
}

func illegalArgument(op string, format string, args ...interface{}) error {
	return newError(KindConfiguration, op, ErrIllegalArgument, nil, format, args...)
}

func illegalState(op string, format string, args ...interface{}) error {
	return newError(KindConfiguration, op, ErrIllegalState, nil, format, args...)
}

func transportError(op string, cause error, format string, args ...interface{}) error {
	return newError(KindTransport, op, nil, cause, format, args...)
}

func protocolError(op string, format string, args ...interface{}) error {
	return newError(KindProtocol, op, ErrProtocol, nil, format, args...)
}

// isFatalLocatorError reports failures that must not be retried against another locator.
func isFatalLocatorError(err error) bool {
	return errors.Is(err, ErrAuthenticationRequired) || errors.Is(err, ErrProtocol)
}

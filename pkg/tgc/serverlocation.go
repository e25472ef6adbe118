package tgc

import (
	"net"
	"sort"
	"strconv"
)

// ServerLocation is a host:port address of a locator or a cache server.
type ServerLocation struct {
	Host string `json:"Host"`
	Port int    `json:"Port"`
}

// NewServerLocation validates host and port.
func NewServerLocation(host string, port int) (ServerLocation, error) {

	if host == "" {
		return ServerLocation{}, illegalArgument("ServerLocation", "host is empty")
	}

	if port < 1 || port > 65535 {
		return ServerLocation{}, illegalArgument("ServerLocation", "port %d out of range [1, 65535]", port)
	}

	return ServerLocation{Host: host, Port: port}, nil
}

// ParseServerLocation parses a "host:port" string.
func ParseServerLocation(addr string) (ServerLocation, error) {

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ServerLocation{}, newError(KindConfiguration, "ParseServerLocation", ErrIllegalArgument, err, "invalid address %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ServerLocation{}, newError(KindConfiguration, "ParseServerLocation", ErrIllegalArgument, err, "invalid port in %q", addr)
	}

	return NewServerLocation(host, port)
}

func (l ServerLocation) String() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// IsZero reports whether l is the empty location.
func (l ServerLocation) IsZero() bool {
	return l.Host == "" && l.Port == 0
}

// Less orders locations by host, then port.
func (l ServerLocation) Less(other ServerLocation) bool {
	if l.Host != other.Host {
		return l.Host < other.Host
	}
	return l.Port < other.Port
}

// ServerLocationSet is the exclude-set handed to endpoint selection.
type ServerLocationSet map[ServerLocation]struct{}

// NewServerLocationSet builds a set from locations.
func NewServerLocationSet(locations ...ServerLocation) ServerLocationSet {

	set := make(ServerLocationSet, len(locations))
	for _, loc := range locations {
		set[loc] = struct{}{}
	}

	return set
}

// Add inserts loc. Adding to a nil set is a no-op.
func (s ServerLocationSet) Add(loc ServerLocation) {
	if s != nil {
		s[loc] = struct{}{}
	}
}

// Contains reports membership; a nil set contains nothing.
func (s ServerLocationSet) Contains(loc ServerLocation) bool {
	_, ok := s[loc]
	return ok
}

// Len returns the number of members.
func (s ServerLocationSet) Len() int {
	return len(s)
}

// Sorted returns the members ordered by Less.
func (s ServerLocationSet) Sorted() []ServerLocation {

	out := make([]ServerLocation, 0, len(s))
	for loc := range s {
		out = append(out, loc)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })

	return out
}

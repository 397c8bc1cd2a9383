// Package netpolicy enforces the private-network exposure policy: the
// coordination listener may only bind to RFC-1918 or loopback addresses, and
// only browser origins on those networks receive CORS grants.
package netpolicy

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	// ErrNotPrivate is returned when a bind host lies outside the allowed ranges.
	ErrNotPrivate = errors.New("netpolicy: address is not in a private range")
	// ErrInvalidHost is returned when a bind host is not an IP literal or localhost.
	ErrInvalidHost = errors.New("netpolicy: host must be an IP literal or localhost")
)

// PrivatePrefixes are the ranges a listener may bind to.
var PrivatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("::1/128"),
}

// IsPrivate reports whether addr is inside one of PrivatePrefixes.
// IPv4-mapped IPv6 addresses are unmapped first.
func IsPrivate(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range PrivatePrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateHost checks a bind host. Only IP literals and "localhost" are
// accepted; names are never resolved, so DNS cannot widen the exposure.
// The unspecified address (0.0.0.0, ::) and the empty host are rejected.
func ValidateHost(host string) error {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if host == "" {
		return fmt.Errorf("%w: empty host binds every interface", ErrNotPrivate)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	if !IsPrivate(addr) {
		return fmt.Errorf("%w: %s", ErrNotPrivate, addr)
	}
	return nil
}

// ValidateBindAddr splits a host:port listen address and validates the host.
func ValidateBindAddr(hostport string) error {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	return ValidateHost(host)
}

// AllowedOrigin returns the value for Access-Control-Allow-Origin. Origins
// whose host is localhost or a private address literal are echoed back
// exactly; everything else, including absent origins, yields "null".
func AllowedOrigin(origin string) string {
	if origin == "" || origin == "null" {
		return "null"
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || u.Path != "" || u.RawQuery != "" || u.User != nil {
		return "null"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "null"
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return origin
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || !IsPrivate(addr) {
		return "null"
	}
	return origin
}

// RemoteAddr extracts the client IP from an http.Request RemoteAddr value.
// Forwarding headers are deliberately ignored.
func RemoteAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

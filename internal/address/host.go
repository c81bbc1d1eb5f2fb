// Package address provides the host value used to key issued certificates
// and to decide between DNS and IP subject alternative names.
package address

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

// maxDomainLength is the maximum length of a domain name in presentation format.
const maxDomainLength = 253

// ErrInvalidHost indicates that a string could not be parsed as a host.
var ErrInvalidHost = errors.New("invalid host")

// Kind distinguishes a symbolic domain name from a numeric address.
type Kind uint8

// Host kind constants.
const (
	// KindNone is the kind of the zero Host.
	KindNone Kind = iota

	// KindDomain is a symbolic domain name.
	KindDomain

	// KindIP is a numeric IPv4 or IPv6 address.
	KindIP
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindDomain:
		return "domain"
	case KindIP:
		return "ip"
	default:
		return "none"
	}
}

// Host is either a domain name or an IP address. The zero value means
// "no host". Host is comparable and safe to use as a map key; two hosts
// that normalize to the same name are equal.
type Host struct {
	kind Kind
	name string
	ip   netip.Addr
}

// profile maps and validates names the way a resolver would, but keeps
// underscores and other characters that show up in real SNI values.
var profile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
	idna.StrictDomainName(false),
	idna.BidiRule(),
)

// Localhost is the default host used when no common name is configured.
var Localhost = Host{kind: KindDomain, name: "localhost"}

// ParseHost parses a domain name or an IP literal. IPv6 literals may be
// enclosed in brackets. Domain names are converted to their lowercase ASCII
// (punycode) form and a trailing dot is removed.
func ParseHost(s string) (Host, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Host{}, fmt.Errorf("%w: empty", ErrInvalidHost)
	}

	literal := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if addr, err := netip.ParseAddr(literal); err == nil {
		return IP(addr), nil
	}
	if literal != s {
		return Host{}, fmt.Errorf("%w: bracketed value %q is not an IP address", ErrInvalidHost, s)
	}

	return Domain(s)
}

// MustParseHost is like ParseHost but panics on error.
func MustParseHost(s string) Host {
	h, err := ParseHost(s)
	if err != nil {
		panic(err)
	}
	return h
}

// Domain returns a host for the given domain name.
func Domain(name string) (Host, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return Host{}, fmt.Errorf("%w: empty domain", ErrInvalidHost)
	}

	ascii, err := profile.ToASCII(name)
	if err != nil {
		return Host{}, fmt.Errorf("%w: %q: %w", ErrInvalidHost, name, err)
	}
	if len(ascii) > maxDomainLength {
		return Host{}, fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidHost, name, maxDomainLength)
	}
	for _, label := range strings.Split(ascii, ".") {
		if label == "" {
			return Host{}, fmt.Errorf("%w: %q has an empty label", ErrInvalidHost, name)
		}
		if strings.ContainsAny(label, " /:\\@") {
			return Host{}, fmt.Errorf("%w: %q contains a forbidden character", ErrInvalidHost, name)
		}
	}

	return Host{kind: KindDomain, name: strings.ToLower(ascii)}, nil
}

// IP returns a host for the given address. IPv4-mapped IPv6 addresses are
// unmapped so that both spellings share one cache entry.
func IP(addr netip.Addr) Host {
	return Host{kind: KindIP, ip: addr.Unmap().WithZone("")}
}

// IsZero reports whether h is the zero Host.
func (h Host) IsZero() bool {
	return h.kind == KindNone
}

// Kind returns the host kind.
func (h Host) Kind() Kind {
	return h.kind
}

// IsDomain reports whether h is a domain name.
func (h Host) IsDomain() bool {
	return h.kind == KindDomain
}

// IsIP reports whether h is an IP address.
func (h Host) IsIP() bool {
	return h.kind == KindIP
}

// Name returns the domain name, or "" for IP hosts.
func (h Host) Name() string {
	return h.name
}

// Addr returns the IP address, or the zero netip.Addr for domain hosts.
func (h Host) Addr() netip.Addr {
	return h.ip
}

// String returns the canonical presentation form of the host.
func (h Host) String() string {
	switch h.kind {
	case KindDomain:
		return h.name
	case KindIP:
		return h.ip.String()
	default:
		return ""
	}
}

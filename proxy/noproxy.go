package proxy

import (
	"net/netip"
	"os"
	"strings"
)

// NoProxy is a set of hosts and networks excluded from proxying regardless
// of otherwise-matching rules. It is built once and immutable afterwards.
//
// The accepted grammar follows curl's NO_PROXY rules: comma-separated
// entries, each an IP address, a CIDR network, the literal "*" (match all),
// or a domain pattern. "example.com" and ".example.com" are equivalent and
// both match the domain itself and any subdomain.
type NoProxy struct {
	addrs   []netip.Addr
	nets    []netip.Prefix
	domains []string
}

// NoProxyFromEnv builds a NoProxy from the NO_PROXY (or no_proxy)
// environment variable. It returns nil if neither is set or both are empty.
func NoProxyFromEnv() *NoProxy {
	raw := os.Getenv("NO_PROXY")
	if raw == "" {
		raw = os.Getenv("no_proxy")
	}
	return NoProxyFromString(raw)
}

// NoProxyFromString builds a NoProxy from a comma-separated exclusion list.
// Surrounding whitespace on each entry is trimmed. An empty list yields nil.
func NoProxyFromString(list string) *NoProxy {
	if list == "" {
		return nil
	}
	np := &NoProxy{}
	for part := range strings.SplitSeq(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if pfx, err := netip.ParsePrefix(part); err == nil {
			np.nets = append(np.nets, pfx)
		} else if addr, err := netip.ParseAddr(part); err == nil {
			np.addrs = append(np.addrs, addr)
		} else {
			np.domains = append(np.domains, part)
		}
	}
	return np
}

// Contains reports whether host is excluded from proxying. Hosts are
// expected to be lower-cased already; no case folding happens here.
func (np *NoProxy) Contains(host string) bool {
	if np == nil {
		return false
	}
	// Raw IPv6 hosts arrive wrapped in brackets (RFC 3986); strip them
	// before parsing.
	if strings.HasPrefix(host, "[") {
		host = strings.Trim(host, "[]")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return np.containsAddr(addr)
	}
	return np.containsDomain(host)
}

func (np *NoProxy) containsAddr(addr netip.Addr) bool {
	for _, a := range np.addrs {
		if a == addr {
			return true
		}
	}
	for _, n := range np.nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// containsDomain applies curl-compatible domain matching; see
// https://curl.se/libcurl/c/CURLOPT_NOPROXY.html for the rule origins.
func (np *NoProxy) containsDomain(domain string) bool {
	for _, d := range np.domains {
		if d == domain || strings.TrimPrefix(d, ".") == domain {
			return true
		}
		if strings.HasSuffix(domain, d) {
			if strings.HasPrefix(d, ".") {
				// d begins with a dot, so the suffix match already
				// sits on a label boundary.
				return true
			}
			if domain[len(domain)-len(d)-1] == '.' {
				// The character before the match is a dot, so domain
				// is a subdomain of d.
				return true
			}
		}
		if d == "*" {
			return true
		}
	}
	return false
}

// Package ipfilter evaluates a remote address against an ordered list of
// whitelist/blacklist CIDR or literal patterns.
package ipfilter

import (
	"net"
	"strings"

	"github.com/signalhub/hub/internal/v1/config"
)

// Matcher evaluates the admission pipeline's IP gate.
type Matcher struct {
	whitelist []pattern
	blacklist []pattern
}

type pattern struct {
	raw     string
	network *net.IPNet
}

// New builds a Matcher from the configured filter list.
func New(rules []config.IPFilterRule) *Matcher {
	m := &Matcher{}
	for _, r := range rules {
		p := pattern{raw: r.Pattern}
		// CIDR matching applies to IPv4 patterns only; an IPv6 CIDR literal
		// (e.g. 2001:db8::/32) is kept as a literal-equality pattern.
		if _, network, err := net.ParseCIDR(r.Pattern); err == nil && network.IP.To4() != nil {
			p.network = network
		}
		switch r.Type {
		case config.FilterWhitelist:
			m.whitelist = append(m.whitelist, p)
		case config.FilterBlacklist:
			m.blacklist = append(m.blacklist, p)
		}
	}
	return m
}

// Allow applies the matcher's whitelist-then-blacklist policy to a remote
// address. The address may be a bare IP or an IPv4-mapped IPv6 literal.
func (m *Matcher) Allow(remoteAddr string) bool {
	ip := normalize(remoteAddr)

	if len(m.whitelist) > 0 {
		if !m.matchesAny(ip, m.whitelist) {
			return false
		}
	}

	if m.matchesAny(ip, m.blacklist) {
		return false
	}

	return true
}

func (m *Matcher) matchesAny(ip string, patterns []pattern) bool {
	parsed := net.ParseIP(ip)
	for _, p := range patterns {
		if p.raw == ip {
			return true
		}
		if p.network != nil && parsed != nil && p.network.Contains(parsed) {
			return true
		}
	}
	return false
}

// normalize strips the ::ffff: prefix from an IPv4-mapped IPv6 address so
// CIDR matching operates on the 32-bit IPv4 space.
func normalize(addr string) string {
	addr = strings.TrimPrefix(addr, "::ffff:")
	if parsed := net.ParseIP(addr); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return v4.String()
		}
	}
	return addr
}

// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

// Package whitelist implements CIDR-based request source admission.
//
// A Guard is built once per worker from the validated configuration and is
// read-only afterwards; reloading rules requires a full reconfiguration, not
// a cache flush. A request address is admitted iff it falls inside at least
// one configured block.
//
// Admission policy when no rules are configured is explicit, not implicit:
// the guard is constructed with a default action. Tinsmith's documented
// default is fail-open when the whitelist block is entirely absent from the
// configuration, and fail-closed when the block is present but lists no
// blocks. See config.WhitelistConfig.
package whitelist

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// ErrAddressParse marks a request source address that could not be parsed.
// Workers treat this as a denial, never as a crash.
var ErrAddressParse = errors.New("malformed source address")

// Guard is a stateless admission predicate over a fixed CIDR rule set.
type Guard struct {
	prefixes     []netip.Prefix
	defaultAllow bool
}

// ParseCIDRs validates and parses a list of CIDR strings. A bare address
// without a prefix length is accepted as a single-host block, matching the
// common "1.2.3.4" shorthand for "1.2.3.4/32".
//
// An invalid entry fails the whole parse; rule errors belong at
// configuration load time, not request time.
func ParseCIDRs(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			return nil, fmt.Errorf("whitelist entry %q is empty", raw)
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				return nil, fmt.Errorf("whitelist entry %q is not a valid CIDR block: %w", entry, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// New builds a Guard from CIDR strings. defaultAllow decides admission when
// the rule set is empty.
func New(cidrs []string, defaultAllow bool) (*Guard, error) {
	prefixes, err := ParseCIDRs(cidrs)
	if err != nil {
		return nil, err
	}
	return &Guard{prefixes: prefixes, defaultAllow: defaultAllow}, nil
}

// Allows reports whether sourceAddr falls within at least one configured
// block. sourceAddr may carry a port ("10.1.2.3:5412"), as http.Request
// RemoteAddr does.
//
// A malformed address returns an error wrapping ErrAddressParse; callers
// are expected to treat that as a denial.
func (g *Guard) Allows(sourceAddr string) (bool, error) {
	host := sourceAddr
	if addrPort, err := netip.ParseAddrPort(sourceAddr); err == nil {
		host = addrPort.Addr().String()
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrAddressParse, sourceAddr)
	}
	addr = addr.Unmap()

	if len(g.prefixes) == 0 {
		return g.defaultAllow, nil
	}
	for _, prefix := range g.prefixes {
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// Rules returns the number of configured CIDR blocks.
func (g *Guard) Rules() int {
	return len(g.prefixes)
}

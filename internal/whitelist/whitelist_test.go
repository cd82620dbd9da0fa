// Tinsmith - Multi-Port Web Application Supervisor
// Copyright 2026 Tinsmith Authors
// SPDX-License-Identifier: BSD-3-Clause
// https://github.com/tinsmith/tinsmith

package whitelist

import (
	"errors"
	"testing"
)

func TestGuardAllowsInsideBlock(t *testing.T) {
	g, err := New([]string{"10.0.0.0/8"}, false)
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}

	allowed, err := g.Allows("10.1.2.3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("10.1.2.3 should be allowed by 10.0.0.0/8")
	}

	allowed, err = g.Allows("192.168.1.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("192.168.1.1 should be denied by 10.0.0.0/8")
	}
}

func TestGuardMultipleBlocks(t *testing.T) {
	g, err := New([]string{"10.0.0.0/8", "192.168.1.0/24", "1.2.3.4/32"}, false)
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}

	cases := map[string]bool{
		"10.255.255.255": true,
		"192.168.1.42":   true,
		"192.168.2.42":   false,
		"1.2.3.4":        true,
		"1.2.3.5":        false,
	}
	for addr, want := range cases {
		got, err := g.Allows(addr)
		if err != nil {
			t.Fatalf("Allows(%q): %v", addr, err)
		}
		if got != want {
			t.Errorf("Allows(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestGuardAcceptsHostPortAddresses(t *testing.T) {
	g, err := New([]string{"10.0.0.0/8"}, false)
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}

	allowed, err := g.Allows("10.1.2.3:51842")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("host:port form of an allowed address should be admitted")
	}
}

func TestGuardEmptyRuleSetUsesDefaultAction(t *testing.T) {
	t.Run("fail open", func(t *testing.T) {
		g, err := New(nil, true)
		if err != nil {
			t.Fatalf("failed to build guard: %v", err)
		}
		allowed, err := g.Allows("203.0.113.9")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Error("empty fail-open guard should admit everything")
		}
	})

	t.Run("fail closed", func(t *testing.T) {
		g, err := New(nil, false)
		if err != nil {
			t.Fatalf("failed to build guard: %v", err)
		}
		allowed, err := g.Allows("203.0.113.9")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if allowed {
			t.Error("empty fail-closed guard should deny everything")
		}
	})
}

func TestGuardMalformedAddress(t *testing.T) {
	g, err := New([]string{"10.0.0.0/8"}, true)
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}

	allowed, err := g.Allows("not-an-address")
	if !errors.Is(err, ErrAddressParse) {
		t.Fatalf("expected ErrAddressParse, got %v", err)
	}
	if allowed {
		t.Error("malformed address must not be admitted")
	}
}

func TestParseCIDRsRejectsInvalidEntries(t *testing.T) {
	if _, err := ParseCIDRs([]string{"10.0.0.0/8", "300.1.2.3/8"}); err == nil {
		t.Error("expected parse failure for invalid CIDR entry")
	}
	if _, err := ParseCIDRs([]string{""}); err == nil {
		t.Error("expected parse failure for empty entry")
	}
}

func TestParseCIDRsAcceptsBareAddress(t *testing.T) {
	prefixes, err := ParseCIDRs([]string{"1.2.3.4"})
	if err != nil {
		t.Fatalf("bare address should parse as single-host block: %v", err)
	}
	if len(prefixes) != 1 || prefixes[0].Bits() != 32 {
		t.Errorf("expected one /32 prefix, got %v", prefixes)
	}
}

func TestGuardIPv6(t *testing.T) {
	g, err := New([]string{"fd00::/8"}, false)
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}
	allowed, err := g.Allows("fd12:3456::1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("fd12:3456::1 should be allowed by fd00::/8")
	}
}

// Package policy holds the environment-level configuration consumed read-only
// by the lock manager and the authorization engine: TTL defaults, the
// administrator allow-list, emergency-override enablement, and the reclaim
// privilege order.
package policy

import (
	"strings"

	"pkt.systems/changed/api"
)

// TTL bounds in seconds. User-supplied TTLs outside the range are rejected
// before any filesystem write.
const (
	MinTTLSeconds int64 = 1
	MaxTTLSeconds int64 = 86400
)

// Config is the read-only policy input. The core never mutates it.
type Config struct {
	// EnvironmentRank orders environments from most to least privileged for
	// the reclaim precedence check. The shipped default mirrors the upstream
	// ordering; operators can reorder it per deployment.
	EnvironmentRank []api.Environment

	// TTLDefaults maps environment then purpose to a default TTL in seconds.
	TTLDefaults map[api.Environment]map[api.Purpose]int64

	// FallbackTTLSeconds applies when no TTLDefaults entry matches.
	FallbackTTLSeconds int64

	// Admins is the explicit administrator identity allow-list.
	Admins []string

	// CIIdentityPrefixes mark identities recognized as CI processes, which
	// count as administrators for authorization purposes.
	CIIdentityPrefixes []string

	// EmergencyOverride enables the emergency reclaim rule. Off by default.
	EmergencyOverride bool

	// EmergencyOverridePerHour caps emergency reclaims per identity per hour.
	EmergencyOverridePerHour int

	// NetworkFilesystem widens lock-manager retry/verify behavior for
	// relaxed-consistency mounts. Off by default since it slows the common case.
	NetworkFilesystem bool
}

// Default returns the shipped policy.
func Default() Config {
	return Config{
		EnvironmentRank: []api.Environment{
			api.EnvironmentCI,
			api.EnvironmentCloud,
			api.EnvironmentLocal,
			api.EnvironmentContainer,
		},
		TTLDefaults: map[api.Environment]map[api.Purpose]int64{
			api.EnvironmentLocal: {
				api.PurposeInteractive: 1800,
				api.PurposeAutomated:   300,
			},
			api.EnvironmentCI: {
				api.PurposeAutomated: 600,
			},
			api.EnvironmentCloud: {
				api.PurposeInteractive: 1800,
				api.PurposeAutomated:   600,
			},
			api.EnvironmentContainer: {
				api.PurposeAutomated: 300,
			},
		},
		FallbackTTLSeconds:       600,
		CIIdentityPrefixes:       []string{"ci:", "ci-"},
		EmergencyOverridePerHour: 3,
	}
}

// EnvironmentIndex returns env's privilege rank; lower is more privileged.
// Unknown environments rank below every configured one.
func (c Config) EnvironmentIndex(env api.Environment) int {
	for i, candidate := range c.EnvironmentRank {
		if candidate == env {
			return i
		}
	}
	return len(c.EnvironmentRank)
}

// DefaultTTL resolves the default TTL in seconds for an environment/purpose pair.
func (c Config) DefaultTTL(env api.Environment, purpose api.Purpose) int64 {
	if byPurpose, ok := c.TTLDefaults[env]; ok {
		if ttl, ok := byPurpose[purpose]; ok && ttl > 0 {
			return ttl
		}
	}
	if c.FallbackTTLSeconds > 0 {
		return c.FallbackTTLSeconds
	}
	return 600
}

// IsAdmin reports whether identity is on the allow-list or matches a
// recognized CI identity prefix.
func (c Config) IsAdmin(identity string) bool {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return false
	}
	for _, admin := range c.Admins {
		if identity == admin {
			return true
		}
	}
	for _, prefix := range c.CIIdentityPrefixes {
		if prefix != "" && strings.HasPrefix(identity, prefix) {
			return true
		}
	}
	return false
}

// ValidTTL reports whether ttl is inside the accepted bounds.
func ValidTTL(ttl int64) bool {
	return ttl >= MinTTLSeconds && ttl <= MaxTTLSeconds
}

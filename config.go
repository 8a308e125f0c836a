package changed

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/changed/api"
	"pkt.systems/changed/internal/policy"
	"pkt.systems/changed/internal/resource"
)

const (
	// DefaultRoot is the changes directory the server manages when none is
	// configured.
	DefaultRoot = "changes"
	// DefaultListen is the default TCP endpoint the HTTP transports bind to.
	DefaultListen = ":9346"
	// DefaultHeartbeat paces SSE keep-alive frames and stream watchdogs.
	DefaultHeartbeat = 15 * time.Second
	// DefaultShutdownTimeout caps graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultServerName is the name announced during initialize.
	DefaultServerName = "changed"
	// DefaultServerVersion is the version announced during initialize.
	DefaultServerVersion = "0.1.0"
	// DefaultStreamBudget bounds aggregate buffered stream bytes.
	DefaultStreamBudget = resource.DefaultStreamBudget
	// DefaultMaxPageSize caps listing page sizes.
	DefaultMaxPageSize = resource.DefaultMaxPageSize
)

// Config describes one changed server instance. The zero value plus
// applyDefaults yields a working local server.
type Config struct {
	// Root is the directory holding change workspaces, the lock directory,
	// and the archive.
	Root string

	// Listen is the TCP address for the HTTP streaming transports.
	Listen string

	// Heartbeat is the SSE keep-alive and stream-watchdog interval.
	Heartbeat time.Duration

	// ShutdownTimeout caps graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration

	// MaxPageSize caps the listing page size; zero keeps the provider default.
	MaxPageSize int

	// StreamBudget bounds aggregate buffered stream bytes; zero keeps the
	// provider default.
	StreamBudget int64

	// Admins is the administrator identity allow-list.
	Admins []string

	// EmergencyOverride enables the audited emergency reclaim rule.
	EmergencyOverride bool

	// NetworkFilesystem widens lock verification for relaxed-consistency
	// mounts such as NFS.
	NetworkFilesystem bool

	// Environment overrides detected host environment classification.
	// Valid values: local, ci, cloud, container.
	Environment string

	// ServerName and ServerVersion are announced during initialize.
	ServerName    string
	ServerVersion string
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Root) == "" {
		c.Root = DefaultRoot
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if strings.TrimSpace(c.ServerName) == "" {
		c.ServerName = DefaultServerName
	}
	if strings.TrimSpace(c.ServerVersion) == "" {
		c.ServerVersion = DefaultServerVersion
	}
}

// Validate reports configuration errors before any filesystem side effects.
func (c Config) Validate() error {
	if c.MaxPageSize < 0 {
		return fmt.Errorf("config: max page size must not be negative")
	}
	if c.StreamBudget < 0 {
		return fmt.Errorf("config: stream budget must not be negative")
	}
	if env := strings.TrimSpace(c.Environment); env != "" {
		switch api.Environment(env) {
		case api.EnvironmentLocal, api.EnvironmentCI, api.EnvironmentCloud, api.EnvironmentContainer:
		default:
			return fmt.Errorf("config: unknown environment %q", env)
		}
	}
	return nil
}

// policyConfig overlays the deployment knobs on the shipped policy.
func (c Config) policyConfig() policy.Config {
	pol := policy.Default()
	if len(c.Admins) > 0 {
		pol.Admins = append([]string(nil), c.Admins...)
	}
	pol.EmergencyOverride = c.EmergencyOverride
	pol.NetworkFilesystem = c.NetworkFilesystem
	return pol
}

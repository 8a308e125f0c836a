// Package sysinfo resolves the identity metadata recorded on locks taken on
// behalf of a caller that did not supply its own: hostname, process id,
// local username, and the environment class the process runs in.
package sysinfo

import (
	"os"
	"os/user"

	"github.com/shirou/gopsutil/v4/host"

	"pkt.systems/changed/api"
)

// Info is the resolved host-side identity.
type Info struct {
	Hostname    string
	ProcessID   int
	Username    string
	Environment api.Environment
	SessionBoot uint64
}

// Collect resolves the current process's identity. Every field degrades to a
// zero value on lookup failure; callers treat the result as best-effort
// metadata, never as an authorization input.
func Collect() Info {
	info := Info{
		ProcessID:   os.Getpid(),
		Environment: DetectEnvironment(),
	}
	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.SessionBoot = hi.BootTime
	} else if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}
	if current, err := user.Current(); err == nil {
		info.Username = current.Username
	}
	return info
}

// DetectEnvironment classifies where the process runs. CI markers win over
// orchestration markers, which win over container markers; a bare host is
// local.
func DetectEnvironment() api.Environment {
	for _, name := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "BUILDKITE", "JENKINS_URL"} {
		if os.Getenv(name) != "" {
			return api.EnvironmentCI
		}
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return api.EnvironmentCloud
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return api.EnvironmentContainer
	}
	if hi, err := host.Info(); err == nil && hi.VirtualizationRole == "guest" && hi.VirtualizationSystem == "docker" {
		return api.EnvironmentContainer
	}
	return api.EnvironmentLocal
}

// Metadata renders the info as lock metadata with the supplied session id.
func (i Info) Metadata(sessionID string, purpose api.Purpose) api.LockMetadata {
	return api.LockMetadata{
		Hostname:     i.Hostname,
		ProcessID:    i.ProcessID,
		UserIdentity: i.Username,
		SessionID:    sessionID,
		Environment:  i.Environment,
		Purpose:      purpose,
	}
}

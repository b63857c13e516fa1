package config

import "time"

// Portal is the resolved configuration snapshot the core consumes.
// It is loaded once at process start by the (external) bootstrap layer
// and read-only thereafter; every component receives it by value.
type Portal struct {
	// ResultsDir is the root directory holding one directory per job.
	ResultsDir string
	// ResultsURL is the public base URL mapping onto ResultsDir.
	ResultsURL string
	// AdminDir holds transient <service>.<key> symlinks while a
	// local or grid job is actively executing.
	AdminDir string

	// PortalID names this portal in remote-delegation headers.
	PortalID string

	// DisabledServices is a glob deny-list of portal-scoped service
	// identifiers ("server.service").
	DisabledServices []string
	// AuthorizedClients maps a service identifier glob to the list of
	// client-address globs allowed to use it. A service with no entry
	// is open.
	AuthorizedClients map[string][]string

	// BackendAliases maps a Server name to the execution backend that
	// serves it ("local", "grid", "remote").
	BackendAliases map[string]string

	// SimultaneousJobs caps the number of jobs a single owner may have
	// in a non-ended state at once. Zero means no limit.
	SimultaneousJobs int

	// ResultRetention is how long job results are kept. Cleanup is an
	// external policy; the core never deletes StateDocuments.
	ResultRetention time.Duration
	// EmailDelay is the minimum run time before a notification mail is
	// considered by the (external) notifier.
	EmailDelay time.Duration

	// LockRetries and LockDelay bound StateStore lock acquisition.
	LockRetries int
	LockDelay   time.Duration

	LogLevel  string
	LogFormat string
}

// DefaultPortal returns sensible defaults.
func DefaultPortal() Portal {
	return Portal{
		ResultsDir:      "results",
		ResultsURL:      "http://localhost:8080/results",
		AdminDir:        "admin",
		PortalID:        "local",
		LockRetries:     10,
		LockDelay:       200 * time.Millisecond,
		ResultRetention: 10 * 24 * time.Hour,
		EmailDelay:      20 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Backend resolves the execution backend for a server name, defaulting
// to "local".
func (p Portal) Backend(server string) string {
	if b, ok := p.BackendAliases[server]; ok {
		return b
	}
	if server == "" || server == "local" {
		return "local"
	}
	return "remote"
}

package registry

import "path"

// IsDisabled reports whether a portal-scoped service identifier
// ("server.service") matches the configured deny-list. Patterns use
// glob semantics: "*" matches any run of characters, "." is literal,
// so "local.*" disables every local service.
func (r *Registry) IsDisabled(portalID string) bool {
	for _, pattern := range r.cfg.DisabledServices {
		if globMatch(pattern, portalID) {
			return true
		}
	}
	return false
}

// IsAuthorized reports whether the client address may use the given
// service identifier. A service with no allow-list entry is open;
// otherwise the address must match one of the listed globs.
func (r *Registry) IsAuthorized(serviceID, addr string) bool {
	restricted := false
	for pattern, addrs := range r.cfg.AuthorizedClients {
		if !globMatch(pattern, serviceID) {
			continue
		}
		restricted = true
		for _, allowed := range addrs {
			if globMatch(allowed, addr) {
				return true
			}
		}
	}
	return !restricted
}

// globMatch applies path.Match, falling back to literal comparison when
// the pattern is malformed.
func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	if err != nil {
		return pattern == s
	}
	return ok
}

package probe

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BypassesProxy reports whether target would skip a forward proxy under a
// NO_PROXY style exclusion list ("localhost,127.0.0.1,.internal"). Entries
// match the target host exactly or as a domain suffix; "*" matches
// everything. Used for diagnostics when a probed gateway sits behind a
// corporate proxy and health checks disagree with completions.
func BypassesProxy(target, noProxy string) (bool, error) {
	u, err := url.Parse(target)
	if err != nil {
		return false, fmt.Errorf("invalid target url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return false, fmt.Errorf("target url %q has no host", target)
	}

	for _, entry := range strings.Split(noProxy, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			return true, nil
		}
		// Strip any port from the exclusion entry
		if h, _, err := net.SplitHostPort(entry); err == nil {
			entry = h
		}
		if strings.EqualFold(entry, host) {
			return true, nil
		}
		// Domain suffix entries, with or without the leading dot
		suffix := entry
		if !strings.HasPrefix(suffix, ".") {
			suffix = "." + suffix
		}
		if strings.HasSuffix(strings.ToLower(host), strings.ToLower(suffix)) {
			return true, nil
		}
	}
	return false, nil
}

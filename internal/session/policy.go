package session

import (
	"net/url"
	"strings"
)

// NavDecision is the outcome of evaluating a navigation against the session's
// blocking rules.
type NavDecision string

const (
	NavAllow NavDecision = "allow"
	NavBlock NavDecision = "block"
)

// internalSchemes are browser-internal URL schemes that are never blocked.
var internalSchemes = map[string]bool{
	"chrome":           true,
	"chrome-extension": true,
	"about":            true,
	"edge":             true,
	"devtools":         true,
	"view-source":      true,
}

// NormalizeSite canonicalizes a user-entered blocklist entry to a bare
// hostname: scheme, leading www., path, query, and a *. wildcard prefix are
// all stripped. Returns "" for entries that reduce to nothing.
func NormalizeSite(entry string) string {
	s := strings.TrimSpace(strings.ToLower(entry))
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "*.")
	return s
}

// NormalizeSites normalizes a list of entries, dropping empties.
func NormalizeSites(entries []string) []string {
	var out []string
	for _, e := range entries {
		if s := NormalizeSite(e); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// hostMatches reports whether a hostname matches a normalized blocklist
// entry: exact, www.-prefixed, or subdomain suffix.
func hostMatches(host, site string) bool {
	return host == site ||
		host == "www."+site ||
		strings.HasSuffix(host, "."+site)
}

// matchBlocklist evaluates a raw URL against normalized blocklist entries.
// Matching is case-insensitive and ignores scheme, path, and query.
// Unparseable URLs and internal browser schemes are always allowed.
func matchBlocklist(rawURL string, sites []string) (blocked bool, host string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, ""
	}
	if internalSchemes[strings.ToLower(u.Scheme)] {
		return false, ""
	}
	host = strings.ToLower(u.Hostname())
	if host == "" {
		return false, ""
	}
	for _, site := range sites {
		if hostMatches(host, site) {
			return true, host
		}
	}
	return false, host
}

// Package filter holds the URL predicates that decide what the catcher cares about.
package filter

import (
	"net/url"
	"strings"
)

// APIPrefix admits response URLs that belong to the captured API surface.
type APIPrefix string

// Match reports whether rawURL starts with the prefix. An empty prefix matches nothing.
func (p APIPrefix) Match(rawURL string) bool {
	if p == "" {
		return false
	}
	return strings.HasPrefix(rawURL, string(p))
}

// TabDomain admits tabs whose page is served from the site domain or a subdomain of it.
type TabDomain string

// Match reports whether rawURL's host is the domain or ends with "."+domain.
func (d TabDomain) Match(rawURL string) bool {
	domain := strings.ToLower(strings.Trim(string(d), ". "))
	if domain == "" {
		return false
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == domain || strings.HasSuffix(host, "."+domain)
}

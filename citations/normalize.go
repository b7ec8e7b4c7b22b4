package citations

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// trackingParams are stripped from every citation URL. utm_* is handled by
// prefix.
var trackingParams = map[string]bool{
	"fbclid":   true,
	"gclid":    true,
	"msclkid":  true,
	"ref":      true,
	"source":   true,
	"sr_share": true,
}

func isTrackingParam(key string) bool {
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	return trackingParams[strings.ToLower(key)]
}

// NormalizeURL canonicalizes a citation URL: tracking parameters and the
// fragment are stripped and the host is lowercased. Remaining query keys are
// re-encoded in sorted order, which makes the operation idempotent.
func NormalizeURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Scheme = strings.ToLower(parsed.Scheme)

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			if isTrackingParam(key) {
				delete(query, key)
			}
		}
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

// RegistrableDomain returns the eTLD+1 for a host or URL, using the public
// suffix list as the multi-level TLD table (co.uk, com.au, ac.jp, ...).
// IP literals and unlisted hosts are returned as-is, lowercased.
func RegistrableDomain(hostOrURL string) string {
	host := hostOrURL
	if strings.Contains(host, "/") || strings.Contains(host, "://") {
		if parsed, err := url.Parse(hostOrURL); err == nil && parsed.Hostname() != "" {
			host = parsed.Hostname()
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

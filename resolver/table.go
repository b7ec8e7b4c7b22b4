package resolver

import (
	"net/url"
	"strings"
)

// redirectorRule describes one known redirector host: which path prefixes
// mark a redirect URL and which query keys may hold the target.
type redirectorRule struct {
	hostSuffix   string
	pathPrefixes []string
	queryKeys    []string
}

// Known vendor and social redirectors. The Vertex grounding redirector is
// the one that matters for grounded responses; the rest show up inside tool
// results.
var redirectorRules = []redirectorRule{
	{hostSuffix: "vertexaisearch.cloud.google.com", pathPrefixes: []string{"/grounding-api-redirect/"}, queryKeys: []string{"url", "q"}},
	{hostSuffix: "www.google.com", pathPrefixes: []string{"/url"}, queryKeys: []string{"q", "url"}},
	{hostSuffix: "news.google.com", pathPrefixes: []string{"/rss/articles", "/articles"}, queryKeys: []string{"url"}},
	{hostSuffix: "www.bing.com", pathPrefixes: []string{"/ck/"}, queryKeys: []string{"u"}},
	{hostSuffix: "duckduckgo.com", pathPrefixes: []string{"/l/"}, queryKeys: []string{"uddg"}},
	{hostSuffix: "l.facebook.com", pathPrefixes: []string{"/l.php"}, queryKeys: []string{"u"}},
	{hostSuffix: "out.reddit.com", pathPrefixes: nil, queryKeys: []string{"url"}},
	{hostSuffix: "t.co", pathPrefixes: nil, queryKeys: nil}, // opaque, HTTP only
}

// IsRedirectorHost reports whether the host belongs to a known redirector.
func IsRedirectorHost(host string) bool {
	return ruleFor(strings.ToLower(host)) != nil
}

func ruleFor(host string) *redirectorRule {
	for i := range redirectorRules {
		rule := &redirectorRules[i]
		if host == rule.hostSuffix || strings.HasSuffix(host, "."+rule.hostSuffix) {
			return rule
		}
	}
	return nil
}

// RecoverFromQuery attempts to decode the terminal URL from a redirector's
// query string without any network I/O. Only http/https targets with a
// non-redirector host are accepted.
func RecoverFromQuery(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	rule := ruleFor(strings.ToLower(parsed.Hostname()))
	if rule == nil {
		return "", false
	}
	if len(rule.pathPrefixes) > 0 {
		matched := false
		for _, prefix := range rule.pathPrefixes {
			if strings.HasPrefix(parsed.Path, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			return "", false
		}
	}
	query := parsed.Query()
	for _, key := range rule.queryKeys {
		candidate := query.Get(key)
		if candidate == "" {
			continue
		}
		target, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		if target.Scheme != "http" && target.Scheme != "https" {
			continue
		}
		if target.Host == "" || IsRedirectorHost(target.Hostname()) {
			continue
		}
		return target.String(), true
	}
	return "", false
}

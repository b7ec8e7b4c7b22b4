package resolver

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/modelrelay/relay/core"
)

// GuardURL rejects URLs that must never receive network I/O: non-http(s)
// schemes, loopback / link-local / private IP literals, and anything that
// fails to parse. The check is performed before every hop, not just the
// first URL.
func GuardURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparseable URL blocked: %w", core.ErrValidation)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme %q blocked: %w", scheme, core.ErrValidation)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host blocked: %w", core.ErrValidation)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("loopback host blocked: %w", core.ErrValidation)
	}
	// IP literals are classified directly; hostnames are left to DNS (the
	// resolver only ever follows redirects to public sites, and a hostname
	// that resolves privately is out of scope for a pre-I/O guard).
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate() || ip.IsUnspecified() {
			return fmt.Errorf("non-public IP %s blocked: %w", host, core.ErrValidation)
		}
	}
	return nil
}

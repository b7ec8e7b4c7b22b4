// Package citations normalizes vendor-specific grounding evidence into a
// uniform citation list. It is the only component that interprets provider
// payloads for evidence; tool-call counting is shared with package detect.
package citations

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/resolver"
)

// Extraction is the normalized evidence view of one provider response. The
// counts are reported whether or not anchored citations exist.
type Extraction struct {
	Citations     []core.Citation
	AnchoredCount int
	UnlinkedCount int
	ToolCallCount int
	// ShapeSet lists which evidence keys were observed in the payload.
	ShapeSet []string
	// CoveragePct is the share of response text covered by grounding
	// supports (Gemini-style payloads only).
	CoveragePct float64
	Queries     []string
}

// Options tunes one extraction.
type Options struct {
	// Budget caps resolver HTTP work for this request; nil disables HTTP
	// resolution even when the resolver has it enabled.
	Budget *resolver.Budget
	// AuthorityDomains may keep two citations when content types differ.
	AuthorityDomains map[string]bool
}

// Extractor walks provider payloads and produces normalized citations.
type Extractor struct {
	resolver *resolver.Resolver // optional
	logger   core.Logger
}

// New creates an extractor. The resolver may be nil, in which case
// redirector URLs are recovered from their query strings only.
func New(res *resolver.Resolver, logger core.Logger) *Extractor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Extractor{resolver: res, logger: logger}
}

// NewFromConfig builds an extractor whose resolver follows the service
// configuration: the http_resolve_* options control whether redirectors are
// chased over the network and under what bounds. metrics may be nil.
func NewFromConfig(cfg *core.Config, logger core.Logger, metrics resolver.MetricsCollector) *Extractor {
	rcfg := resolver.FromCoreConfig(cfg)
	rcfg.Metrics = metrics
	return New(resolver.New(rcfg, logger), logger)
}

// NewBudget mints a per-request resolver budget, or nil when no resolver is
// configured (which keeps extraction HTTP-free).
func (e *Extractor) NewBudget() *resolver.Budget {
	if e.resolver == nil {
		return nil
	}
	return e.resolver.NewBudget()
}

// Extract dispatches on vendor, normalizes and deduplicates. Vertex and
// Gemini payloads share a shape.
func (e *Extractor) Extract(ctx context.Context, vendor core.Vendor, payload map[string]interface{}, opts Options) *Extraction {
	var ext *Extraction
	switch vendor {
	case core.VendorOpenAI:
		ext = e.extractResponses(payload)
	case core.VendorGemini, core.VendorVertex:
		ext = e.extractGemini(payload)
	default:
		ext = &Extraction{}
	}

	for i := range ext.Citations {
		e.finalize(ctx, &ext.Citations[i], opts.Budget)
	}
	ext.Citations = Dedup(ext.Citations, opts.AuthorityDomains)

	for _, c := range ext.Citations {
		if c.SourceType == core.SourceAnchored {
			ext.AnchoredCount++
		} else {
			ext.UnlinkedCount++
		}
	}
	sort.Strings(ext.ShapeSet)

	e.logger.Debug("citations extracted", map[string]interface{}{
		"operation":       "citation_extract",
		"vendor":          string(vendor),
		"anchored":        ext.AnchoredCount,
		"unlinked":        ext.UnlinkedCount,
		"tool_call_count": ext.ToolCallCount,
		"shape_set":       ext.ShapeSet,
	})
	return ext
}

// finalize normalizes the URL, resolves redirectors, and computes the
// registrable domain. A sibling-field domain hint set by the payload walk is
// preserved.
func (e *Extractor) finalize(ctx context.Context, c *core.Citation, budget *resolver.Budget) {
	if normalized, err := NormalizeURL(c.URL); err == nil {
		c.URL = normalized
	}

	host := hostOf(c.URL)
	if host != "" && resolver.IsRedirectorHost(host) {
		switch {
		case e.resolver != nil && budget != nil:
			out := e.resolver.Resolve(ctx, c.URL, budget)
			switch {
			case out.Resolved:
				if normalized, err := NormalizeURL(out.ResolvedURL); err == nil {
					c.ResolvedURL = normalized
				} else {
					c.ResolvedURL = out.ResolvedURL
				}
			case out.Truncated:
				c.SourceType = core.SourceRedirectOnly
				c.ResolverTruncated = true
			}
		case e.resolver != nil:
			if resolved, ok := e.resolver.ResolveLocal(c.URL); ok {
				c.ResolvedURL, _ = NormalizeURL(resolved)
			}
		default:
			if resolved, ok := resolver.RecoverFromQuery(c.URL); ok {
				c.ResolvedURL, _ = NormalizeURL(resolved)
			}
		}
	}

	if c.SourceDomain == "" {
		target := c.ResolvedURL
		if target == "" {
			target = c.URL
		}
		c.SourceDomain = RegistrableDomain(target)
	}
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}

func addShape(ext *Extraction, shape string) {
	for _, s := range ext.ShapeSet {
		if s == shape {
			return
		}
	}
	ext.ShapeSet = append(ext.ShapeSet, shape)
}

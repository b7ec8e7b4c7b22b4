package citations

import (
	"sort"
	"strings"

	"github.com/modelrelay/relay/core"
)

// perDomainCap bounds how many citations one registrable domain may retain.
const perDomainCap = 2

// researchPathMarkers identify research-grade documents, preferred during
// retention.
var researchPathMarkers = []string{"/research", "/paper", "/pubmed", "/study", "/doi/", "/publications"}

// Dedup collapses duplicate URLs, then caps each registrable domain at two
// citations. Retention preference inside a domain group: PDFs and research
// paths first, then longer titles, then first-seen. Authority domains
// (caller-supplied) keep two only when the two differ in content type
// (PDF + HTML); two same-type documents from an authority collapse to one.
// The operation is stable: applying it twice yields the same list.
func Dedup(list []core.Citation, authorityDomains map[string]bool) []core.Citation {
	if len(list) == 0 {
		return list
	}

	// Exact-URL collapse. The survivor keeps the strongest source type:
	// an anchored duplicate upgrades an unlinked first sighting.
	byURL := make(map[string]int)
	var unique []core.Citation
	for _, c := range list {
		key := c.URL
		if idx, seen := byURL[key]; seen {
			if c.SourceType == core.SourceAnchored && unique[idx].SourceType != core.SourceAnchored {
				unique[idx].SourceType = core.SourceAnchored
			}
			continue
		}
		byURL[key] = len(unique)
		unique = append(unique, c)
	}

	// Group by registrable domain and retain by preference.
	groups := make(map[string][]int)
	var domainOrder []string
	for i, c := range unique {
		domain := c.SourceDomain
		if domain == "" {
			domain = RegistrableDomain(c.URL)
		}
		if _, seen := groups[domain]; !seen {
			domainOrder = append(domainOrder, domain)
		}
		groups[domain] = append(groups[domain], i)
	}

	keep := make(map[int]bool)
	for _, domain := range domainOrder {
		members := groups[domain]
		ranked := make([]int, len(members))
		copy(ranked, members)
		sort.SliceStable(ranked, func(a, b int) bool {
			return preferOver(unique[ranked[a]], unique[ranked[b]])
		})

		kept := 0
		var keptTypes []string
		for _, idx := range ranked {
			if kept >= perDomainCap {
				break
			}
			ct := contentType(unique[idx].URL)
			if authorityDomains[domain] && kept == 1 && keptTypes[0] == ct {
				// Authority second slot requires a different content type.
				continue
			}
			keep[idx] = true
			keptTypes = append(keptTypes, ct)
			kept++
		}
	}

	out := make([]core.Citation, 0, len(keep))
	for i, c := range unique {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

// preferOver reports whether a should be retained ahead of b within a
// domain group.
func preferOver(a, b core.Citation) bool {
	ar, br := isResearchDoc(a.URL), isResearchDoc(b.URL)
	if ar != br {
		return ar
	}
	if len(a.Title) != len(b.Title) {
		return len(a.Title) > len(b.Title)
	}
	return a.Rank < b.Rank // first-seen
}

func isResearchDoc(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.HasSuffix(pathOf(lower), ".pdf") {
		return true
	}
	for _, marker := range researchPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func contentType(rawURL string) string {
	if strings.HasSuffix(pathOf(strings.ToLower(rawURL)), ".pdf") {
		return "pdf"
	}
	return "html"
}

func pathOf(rawURL string) string {
	if idx := strings.Index(rawURL, "?"); idx >= 0 {
		rawURL = rawURL[:idx]
	}
	return rawURL
}

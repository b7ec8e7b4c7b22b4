package citations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/relay/core"
)

func cite(url, title string, st core.SourceType, rank int) core.Citation {
	return core.Citation{URL: url, Title: title, SourceType: st, Rank: rank, SourceDomain: RegistrableDomain(url)}
}

func TestDedupExactURLCollapse(t *testing.T) {
	in := []core.Citation{
		cite("https://example.org/a", "A", core.SourceUnlinked, 0),
		cite("https://example.org/a", "A", core.SourceAnchored, 1),
	}
	out := Dedup(in, nil)
	require.Len(t, out, 1)
	// Anchored duplicate upgrades the survivor.
	assert.Equal(t, core.SourceAnchored, out[0].SourceType)
	assert.Equal(t, 0, out[0].Rank)
}

func TestDedupPerDomainCap(t *testing.T) {
	in := []core.Citation{
		cite("https://example.org/one", "short", core.SourceAnchored, 0),
		cite("https://example.org/two", "a much longer descriptive title", core.SourceAnchored, 1),
		cite("https://example.org/three", "mid title", core.SourceAnchored, 2),
		cite("https://other.com/x", "other", core.SourceUnlinked, 3),
	}
	out := Dedup(in, nil)
	require.Len(t, out, 3)

	var exampleURLs []string
	for _, c := range out {
		if c.SourceDomain == "example.org" {
			exampleURLs = append(exampleURLs, c.URL)
		}
	}
	// Longer titles win inside the capped group.
	assert.ElementsMatch(t, []string{"https://example.org/two", "https://example.org/three"}, exampleURLs)
}

func TestDedupPrefersResearchDocs(t *testing.T) {
	in := []core.Citation{
		cite("https://example.org/blog/post", "a very long blog title indeed", core.SourceUnlinked, 0),
		cite("https://example.org/news/item", "another very long title here", core.SourceUnlinked, 1),
		cite("https://example.org/research/trial.pdf", "x", core.SourceUnlinked, 2),
	}
	out := Dedup(in, nil)
	require.Len(t, out, 2)
	urls := []string{out[0].URL, out[1].URL}
	assert.Contains(t, urls, "https://example.org/research/trial.pdf")
}

func TestDedupAuthorityRequiresDistinctContentTypes(t *testing.T) {
	authority := map[string]bool{"who.int": true}

	// Two HTML pages from an authority collapse to one.
	in := []core.Citation{
		cite("https://www.who.int/news-room/a", "guidance page one", core.SourceAnchored, 0),
		cite("https://www.who.int/news-room/b", "guidance page two", core.SourceAnchored, 1),
	}
	out := Dedup(in, authority)
	assert.Len(t, out, 1)

	// PDF + HTML both survive.
	in = []core.Citation{
		cite("https://www.who.int/publications/report.pdf", "report", core.SourceAnchored, 0),
		cite("https://www.who.int/news-room/b", "guidance page", core.SourceAnchored, 1),
	}
	out = Dedup(in, authority)
	assert.Len(t, out, 2)
}

func TestDedupStable(t *testing.T) {
	in := []core.Citation{
		cite("https://example.org/research/a.pdf", "paper", core.SourceAnchored, 0),
		cite("https://example.org/b", "title b", core.SourceUnlinked, 1),
		cite("https://example.org/c", "title ccc", core.SourceUnlinked, 2),
		cite("https://other.com/d", "d", core.SourceToolResult, 3),
	}
	once := Dedup(in, nil)
	twice := Dedup(once, nil)
	assert.Equal(t, once, twice)
}

func TestDedupPreservesProviderOrder(t *testing.T) {
	in := []core.Citation{
		cite("https://a.org/1", "t1", core.SourceAnchored, 0),
		cite("https://b.org/2", "t2", core.SourceAnchored, 1),
		cite("https://c.org/3", "t3", core.SourceAnchored, 2),
	}
	out := Dedup(in, nil)
	require.Len(t, out, 3)
	assert.Equal(t, 0, out[0].Rank)
	assert.Equal(t, 1, out[1].Rank)
	assert.Equal(t, 2, out[2].Rank)
}

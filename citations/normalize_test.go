package citations

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURLStripsTracking(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{
			"https://WWW.Example.org/A/b?utm_source=x&utm_medium=y&utm_campaign=z&id=7",
			"https://www.example.org/A/b?id=7",
		},
		{
			"https://example.com/page?fbclid=abc&gclid=def&msclkid=ghi",
			"https://example.com/page",
		},
		{
			"https://example.com/page?ref=hn&source=rss&sr_share=twitter&q=go",
			"https://example.com/page?q=go",
		},
		{
			"https://example.com/page#section-2",
			"https://example.com/page",
		},
		{
			"https://example.com/page?utm_term=a&utm_content=b#frag",
			"https://example.com/page",
		},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalizeURLIdempotent(t *testing.T) {
	urls := []string{
		"https://Example.org/path?b=2&a=1&utm_source=x#frag",
		"https://example.com/?gclid=1",
		"https://sub.example.co.uk/research/paper.pdf?ref=x",
	}
	for _, raw := range urls {
		once, err := NormalizeURL(raw)
		require.NoError(t, err)
		twice, err := NormalizeURL(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, raw)
	}
}

func TestNormalizedURLHasNoTrackingKeys(t *testing.T) {
	got, err := NormalizeURL("https://example.com/x?utm_source=a&utm_medium=b&utm_campaign=c&utm_term=d&utm_content=e&fbclid=f&gclid=g&msclkid=h&keep=1")
	require.NoError(t, err)
	parsed, err := url.Parse(got)
	require.NoError(t, err)
	query := parsed.Query()
	for _, key := range []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "fbclid", "gclid", "msclkid"} {
		assert.Empty(t, query.Get(key), key)
	}
	assert.Equal(t, "1", query.Get("keep"))
	assert.Empty(t, parsed.Fragment)
}

func TestRegistrableDomain(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"www.bbc.co.uk", "bbc.co.uk"},
		{"news.example.com.au", "example.com.au"},
		{"dept.u-tokyo.ac.jp", "u-tokyo.ac.jp"},
		{"www.example.org", "example.org"},
		{"example.org:8443", "example.org"},
		{"https://sub.deep.example.org/path?q=1", "example.org"},
		{"192.0.2.10", "192.0.2.10"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RegistrableDomain(tc.in), tc.in)
	}
}

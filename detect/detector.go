// Package detect computes grounding outcomes from decoded provider payloads.
// It is the single traversal shared by the citation extractor and the
// adapters, and it performs no I/O.
package detect

import (
	"sort"
	"strings"

	"github.com/modelrelay/relay/core"
)

// Signals summarizes the grounding evidence observed in one response.
type Signals struct {
	ToolsUsed     bool
	ToolCallCount int
	// VendorSpecific holds kinds (OpenAI-style) or signal names plus flat
	// source URLs (Gemini-style).
	VendorSpecific map[string]interface{}
}

// geminiSignalKeys are the evidence keys whose presence marks a grounded
// Gemini-style response.
var geminiSignalKeys = []string{
	"grounding_metadata", "groundingMetadata",
	"grounding_chunks", "groundingChunks",
	"grounding_supports", "groundingSupports",
	"web_search_queries", "webSearchQueries",
	"citations", "citation_metadata", "citationMetadata",
	"retrievals",
}

// Detect dispatches on vendor. Vertex and Gemini share a payload shape.
func Detect(vendor core.Vendor, payload map[string]interface{}) Signals {
	switch vendor {
	case core.VendorOpenAI:
		return OpenAIResponses(payload, nil)
	case core.VendorGemini, core.VendorVertex:
		return Gemini(payload)
	default:
		return Signals{VendorSpecific: map[string]interface{}{}}
	}
}

// OpenAIResponses scans a Responses-style payload's output items, plus any
// buffered stream events, for web_search tool calls. Each item whose type
// starts with "web_search" counts as one tool call.
func OpenAIResponses(payload map[string]interface{}, events []map[string]interface{}) Signals {
	kinds := map[string]bool{}
	count := 0

	scan := func(item map[string]interface{}) {
		typ, _ := item["type"].(string)
		if strings.HasPrefix(typ, "web_search") {
			count++
			kinds[typ] = true
		}
	}

	if payload != nil {
		if output, ok := payload["output"].([]interface{}); ok {
			for _, raw := range output {
				if item, ok := raw.(map[string]interface{}); ok {
					scan(item)
				}
			}
		}
	}
	for _, ev := range events {
		if item, ok := ev["item"].(map[string]interface{}); ok {
			scan(item)
		} else {
			scan(ev)
		}
	}

	return Signals{
		ToolsUsed:     count > 0,
		ToolCallCount: count,
		VendorSpecific: map[string]interface{}{
			"kinds": sortedKeys(kinds),
		},
	}
}

// Gemini inspects candidate grounding metadata for evidence keys and
// extracts the flat source-URL list from grounding chunks.
func Gemini(payload map[string]interface{}) Signals {
	signals := map[string]bool{}
	var urls []string
	var queries []string

	meta := groundingMetadata(payload)
	if meta != nil {
		signals["grounding_metadata"] = true
		for _, key := range geminiSignalKeys {
			if _, ok := meta[key]; ok {
				signals[canonicalKey(key)] = true
			}
		}
		if qs, ok := anyList(meta, "web_search_queries", "webSearchQueries"); ok {
			for _, q := range qs {
				if s, ok := q.(string); ok {
					queries = append(queries, s)
				}
			}
		}
		if chunks, ok := anyList(meta, "grounding_chunks", "groundingChunks"); ok {
			for _, raw := range chunks {
				chunk, ok := raw.(map[string]interface{})
				if !ok {
					continue
				}
				if web, ok := chunk["web"].(map[string]interface{}); ok {
					if uri, ok := web["uri"].(string); ok && uri != "" {
						urls = append(urls, uri)
					}
				}
			}
		}
	}
	// Top-level evidence keys some surfaces emit outside the metadata.
	for _, key := range []string{"citations", "retrievals"} {
		if payload != nil {
			if _, ok := payload[key]; ok {
				signals[key] = true
			}
		}
	}

	count := len(queries)
	if count == 0 && len(signals) > 0 {
		count = 1
	}
	return Signals{
		ToolsUsed:     len(signals) > 0,
		ToolCallCount: count,
		VendorSpecific: map[string]interface{}{
			"signals":     sortedKeys(signals),
			"source_urls": urls,
			"queries":     queries,
		},
	}
}

// groundingMetadata locates the first candidate's grounding metadata,
// accepting both naming conventions and a top-level fallback.
func groundingMetadata(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}
	if candidates, ok := payload["candidates"].([]interface{}); ok && len(candidates) > 0 {
		if cand, ok := candidates[0].(map[string]interface{}); ok {
			if m, ok := anyMap(cand, "grounding_metadata", "groundingMetadata"); ok {
				return m
			}
		}
	}
	if m, ok := anyMap(payload, "grounding_metadata", "groundingMetadata"); ok {
		return m
	}
	return nil
}

func anyMap(m map[string]interface{}, keys ...string) (map[string]interface{}, bool) {
	for _, key := range keys {
		if v, ok := m[key].(map[string]interface{}); ok {
			return v, true
		}
	}
	return nil, false
}

func anyList(m map[string]interface{}, keys ...string) ([]interface{}, bool) {
	for _, key := range keys {
		if v, ok := m[key].([]interface{}); ok {
			return v, true
		}
	}
	return nil, false
}

// canonicalKey folds camelCase evidence keys onto their snake_case names so
// the shape set is stable across API surfaces.
func canonicalKey(key string) string {
	switch key {
	case "groundingMetadata":
		return "grounding_metadata"
	case "groundingChunks":
		return "grounding_chunks"
	case "groundingSupports":
		return "grounding_supports"
	case "webSearchQueries":
		return "web_search_queries"
	case "citationMetadata":
		return "citation_metadata"
	}
	return key
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

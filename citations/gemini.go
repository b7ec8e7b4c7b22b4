package citations

import (
	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/detect"
)

// extractGemini normalizes Gemini-style grounding metadata. Chunks
// referenced by grounding supports yield anchored citations; unreferenced
// chunks yield evidence-list ones. Coverage is the share of response text
// spanned by support segments.
func (e *Extractor) extractGemini(payload map[string]interface{}) *Extraction {
	ext := &Extraction{}
	sig := detect.Gemini(payload)
	ext.ToolCallCount = sig.ToolCallCount

	meta := geminiMetadata(payload)
	if meta == nil {
		return ext
	}
	addShape(ext, "grounding_metadata")

	if qs, ok := listKey(meta, "web_search_queries", "webSearchQueries"); ok {
		addShape(ext, "web_search_queries")
		for _, q := range qs {
			if s, ok := q.(string); ok {
				ext.Queries = append(ext.Queries, s)
			}
		}
	}

	chunks, hasChunks := listKey(meta, "grounding_chunks", "groundingChunks")
	if hasChunks {
		addShape(ext, "grounding_chunks")
	}

	// Supports tie response segments to chunk indices; any referenced
	// chunk becomes an anchored citation.
	anchored := map[int]map[string]interface{}{} // chunk index -> first segment
	var coveredBytes int
	if supports, ok := listKey(meta, "grounding_supports", "groundingSupports"); ok {
		addShape(ext, "grounding_supports")
		for _, rawSup := range supports {
			sup, ok := rawSup.(map[string]interface{})
			if !ok {
				continue
			}
			segment, _ := mapKey(sup, "segment")
			start := intKey(segment, "start_index", "startIndex")
			end := intKey(segment, "end_index", "endIndex")
			if end > start {
				coveredBytes += end - start
			}
			indices, _ := listKey(sup, "grounding_chunk_indices", "groundingChunkIndices")
			for _, rawIdx := range indices {
				if f, ok := rawIdx.(float64); ok {
					idx := int(f)
					if _, seen := anchored[idx]; !seen {
						anchored[idx] = segment
					}
				}
			}
		}
	}

	for i, rawChunk := range chunks {
		chunk, ok := rawChunk.(map[string]interface{})
		if !ok {
			continue
		}
		web, _ := mapKey(chunk, "web")
		uri, _ := web["uri"].(string)
		if uri == "" {
			continue
		}
		title, _ := web["title"].(string)
		citation := core.Citation{
			URL:        uri,
			Title:      title,
			SourceType: core.SourceEvidenceList,
			Rank:       i,
			Raw:        chunk,
		}
		// Sibling-field recovery: the chunk often names the end-site
		// domain next to a redirector URI.
		if domain, _ := web["domain"].(string); domain != "" {
			citation.SourceDomain = RegistrableDomain(domain)
		}
		if segment, ok := anchored[i]; ok {
			citation.SourceType = core.SourceAnchored
			if text, _ := segment["text"].(string); text != "" {
				citation.Snippet = text
			}
		}
		ext.Citations = append(ext.Citations, citation)
	}

	if textLen := geminiTextLength(payload); textLen > 0 && coveredBytes > 0 {
		pct := float64(coveredBytes) / float64(textLen) * 100
		if pct > 100 {
			pct = 100
		}
		ext.CoveragePct = pct
	}
	return ext
}

func geminiMetadata(payload map[string]interface{}) map[string]interface{} {
	if candidates, ok := payload["candidates"].([]interface{}); ok && len(candidates) > 0 {
		if cand, ok := candidates[0].(map[string]interface{}); ok {
			if m, ok := mapKeys(cand, "grounding_metadata", "groundingMetadata"); ok {
				return m
			}
		}
	}
	if m, ok := mapKeys(payload, "grounding_metadata", "groundingMetadata"); ok {
		return m
	}
	return nil
}

func geminiTextLength(payload map[string]interface{}) int {
	candidates, ok := payload["candidates"].([]interface{})
	if !ok || len(candidates) == 0 {
		return 0
	}
	cand, ok := candidates[0].(map[string]interface{})
	if !ok {
		return 0
	}
	content, ok := mapKey(cand, "content")
	if !ok {
		return 0
	}
	parts, _ := content["parts"].([]interface{})
	total := 0
	for _, rawPart := range parts {
		if part, ok := rawPart.(map[string]interface{}); ok {
			if text, ok := part["text"].(string); ok {
				total += len(text)
			}
		}
	}
	return total
}

func mapKey(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key].(map[string]interface{})
	return v, ok
}

func mapKeys(m map[string]interface{}, keys ...string) (map[string]interface{}, bool) {
	for _, key := range keys {
		if v, ok := mapKey(m, key); ok {
			return v, true
		}
	}
	return nil, false
}

func listKey(m map[string]interface{}, keys ...string) ([]interface{}, bool) {
	for _, key := range keys {
		if v, ok := m[key].([]interface{}); ok {
			return v, true
		}
	}
	return nil, false
}

func intKey(m map[string]interface{}, keys ...string) int {
	for _, key := range keys {
		if m == nil {
			return 0
		}
		if f, ok := m[key].(float64); ok {
			return int(f)
		}
	}
	return 0
}

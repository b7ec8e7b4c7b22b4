package citations

import (
	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/detect"
)

// extractResponses walks a Responses-style payload in output order.
// url_citation annotations on message text parts yield anchored citations;
// tool_result items yield unlinked ones. Tool-call counting is delegated to
// the shared detector.
func (e *Extractor) extractResponses(payload map[string]interface{}) *Extraction {
	ext := &Extraction{}
	sig := detect.OpenAIResponses(payload, nil)
	ext.ToolCallCount = sig.ToolCallCount
	if sig.ToolsUsed {
		addShape(ext, "web_search_call")
	}

	output, _ := payload["output"].([]interface{})
	rank := 0
	for _, raw := range output {
		item, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch itemType(item) {
		case "message":
			rank = e.walkMessageItem(ext, item, rank)
		case "tool_result":
			rank = e.walkToolResultItem(ext, item, rank)
		}
	}
	return ext
}

func itemType(item map[string]interface{}) string {
	typ, _ := item["type"].(string)
	return typ
}

// walkMessageItem collects url_citation annotations from output_text parts.
// Each annotation is anchored: the provider ties it to a text span.
func (e *Extractor) walkMessageItem(ext *Extraction, item map[string]interface{}, rank int) int {
	content, _ := item["content"].([]interface{})
	for _, rawPart := range content {
		part, ok := rawPart.(map[string]interface{})
		if !ok || itemType(part) != "output_text" {
			continue
		}
		annotations, _ := part["annotations"].([]interface{})
		for _, rawAnn := range annotations {
			ann, ok := rawAnn.(map[string]interface{})
			if !ok || itemType(ann) != "url_citation" {
				continue
			}
			urlStr, _ := ann["url"].(string)
			if urlStr == "" {
				continue
			}
			addShape(ext, "url_citation")
			title, _ := ann["title"].(string)
			ext.Citations = append(ext.Citations, core.Citation{
				URL:        urlStr,
				Title:      title,
				SourceType: core.SourceAnchored,
				Rank:       rank,
				Raw:        ann,
			})
			rank++
		}
	}
	return rank
}

// walkToolResultItem collects plain result URLs; these carry no span anchor.
func (e *Extractor) walkToolResultItem(ext *Extraction, item map[string]interface{}, rank int) int {
	results, _ := item["results"].([]interface{})
	if results == nil {
		results, _ = item["content"].([]interface{})
	}
	for _, rawRes := range results {
		res, ok := rawRes.(map[string]interface{})
		if !ok {
			continue
		}
		urlStr, _ := res["url"].(string)
		if urlStr == "" {
			continue
		}
		addShape(ext, "tool_result")
		title, _ := res["title"].(string)
		snippet, _ := res["snippet"].(string)
		ext.Citations = append(ext.Citations, core.Citation{
			URL:        urlStr,
			Title:      title,
			Snippet:    snippet,
			SourceType: core.SourceToolResult,
			Rank:       rank,
			Raw:        res,
		})
		rank++
	}
	return rank
}

package vertex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/relay/citations"
	"github.com/modelrelay/relay/core"
)

func testClient(t *testing.T, vendor core.Vendor, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg := core.DefaultConfig()
	c := NewClient(vendor, "test-key", server.URL, cfg, citations.New(nil, nil), nil, nil)
	c.retry.BaseDelay = time.Millisecond
	return c
}

func twoTurnReq(system, user string) *core.Request {
	msgs := []core.Message{}
	if system != "" {
		msgs = append(msgs, core.Message{Role: core.RoleSystem, Content: system})
	}
	msgs = append(msgs, core.Message{Role: core.RoleUser, Content: user})
	return &core.Request{Vendor: core.VendorVertex, Model: ModelPro, Messages: msgs}
}

func respondJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

const plainResponse = `{
	"candidates": [{"content": {"role": "model", "parts": [{"text": "hello"}]}, "finishReason": "STOP"}],
	"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 3, "totalTokenCount": 15},
	"modelVersion": "gemini-2.5-pro-001"
}`

const groundedResponse = `{
	"candidates": [{
		"content": {"role": "model", "parts": [{"text": "grounded answer"}]},
		"groundingMetadata": {
			"webSearchQueries": ["longevity brands"],
			"groundingChunks": [{"web": {"uri": "https://example.org/a", "title": "A"}}],
			"groundingSupports": [{"segment": {"startIndex": 0, "endIndex": 8, "text": "grounded"},
			                      "groundingChunkIndices": [0]}]
		}
	}],
	"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 10, "totalTokenCount": 40},
	"modelVersion": "gemini-2.5-pro-001"
}`

func TestCompleteSystemAndUserPlacement(t *testing.T) {
	const system = "Lokaler Kontext: nur zur Orientierung."
	const user = "List 10 trusted longevity brands."
	var sent generateRequest
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/models/gemini-2.5-pro:generateContent")
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &sent))
		respondJSON(w, plainResponse)
	})

	resp, err := c.Complete(context.Background(), twoTurnReq(system, user))
	require.NoError(t, err)

	require.NotNil(t, sent.SystemInstruction)
	assert.Equal(t, system, sent.SystemInstruction.Parts[0].Text)
	require.Len(t, sent.Contents, 1)
	assert.Equal(t, "user", sent.Contents[0].Role)
	assert.Equal(t, user, sent.Contents[0].Parts[0].Text)

	assert.True(t, resp.Success)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gemini-2.5-pro-001", resp.ModelVersion)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "generate_content_http", resp.Metadata["response_api"])
}

func TestGeminiSurfaceUsesAPIKeyHeader(t *testing.T) {
	c := testClient(t, core.VendorGemini, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Empty(t, r.Header.Get("Authorization"))
		respondJSON(w, plainResponse)
	})
	resp, err := c.Complete(context.Background(), twoTurnReq("", "hi"))
	require.NoError(t, err)
	assert.Equal(t, core.VendorGemini, resp.Vendor)
}

func TestRequiredGroundedEmptyResultsFails(t *testing.T) {
	// Search queries ran but grounding metadata carried no chunks, so no
	// citation survived extraction.
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [{"text": "answer"}]},
				"groundingMetadata": {"webSearchQueries": ["longevity brands"]}
			}],
			"usageMetadata": {"promptTokenCount": 30, "candidatesTokenCount": 10, "totalTokenCount": 40},
			"modelVersion": "gemini-2.5-pro-001"
		}`)
	})

	req := twoTurnReq("", "List 10 trusted longevity brands.")
	req.Grounded = true
	req.Meta.GroundingMode = core.GroundingRequired

	resp, err := c.Complete(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGroundingEmptyResults)
	assert.NotErrorIs(t, err, core.ErrGroundingRequiredFailed)
	require.NotNil(t, resp)
	assert.Equal(t, "grounding_empty_results", resp.ErrorCode)
	assert.Equal(t, "no_citations", resp.Metadata["why_not_grounded"])
}

func TestRejectsExtraMessages(t *testing.T) {
	c := NewClient(core.VendorVertex, "k", "http://127.0.0.1:0", core.DefaultConfig(), citations.New(nil, nil), nil, nil)

	req := twoTurnReq("sys", "first")
	req.Messages = append(req.Messages, core.Message{Role: core.RoleUser, Content: "second"})
	_, err := c.Complete(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTooManyMessages)

	req = twoTurnReq("sys", "first")
	req.Messages = append(req.Messages, core.Message{Role: core.RoleAssistant, Content: "reply"})
	_, err = c.Complete(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTooManyMessages)
}

func TestGroundedExtractsGroundingMetadata(t *testing.T) {
	var sent generateRequest
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &sent))
		respondJSON(w, groundedResponse)
	})

	req := twoTurnReq("", "Who leads?")
	req.Grounded = true

	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, sent.Tools, 1)
	assert.NotNil(t, sent.Tools[0].GoogleSearch)

	assert.True(t, resp.GroundedEffective)
	assert.Equal(t, 1, resp.Metadata["tool_call_count"])
	require.Len(t, resp.Citations, 1)
	assert.Equal(t, "https://example.org/a", resp.Citations[0].URL)
	assert.Equal(t, core.SourceAnchored, resp.Citations[0].SourceType)
}

func TestRequiredGroundedWithoutMetadataFails(t *testing.T) {
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, plainResponse)
	})

	req := twoTurnReq("", "Who leads?")
	req.Grounded = true
	req.Meta.GroundingMode = core.GroundingRequired

	resp, err := c.Complete(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGroundingRequiredFailed)
	require.NotNil(t, resp)
	assert.Equal(t, "grounding_required_failed", resp.ErrorCode)
	assert.Equal(t, "no_tool_calls", resp.Metadata["why_not_grounded"])
}

func TestGroundedJSONForcedFunctionCall(t *testing.T) {
	var sent generateRequest
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &sent))
		respondJSON(w, `{
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"functionCall": {"name": "emit_answer", "args": {"brands": ["a", "b"]}}}
				]},
				"groundingMetadata": {
					"webSearchQueries": ["brands"],
					"groundingChunks": [{"web": {"uri": "https://example.org/a"}}]
				}
			}],
			"usageMetadata": {"promptTokenCount": 20, "candidatesTokenCount": 9, "totalTokenCount": 29}
		}`)
	})

	req := twoTurnReq("", "List brands as JSON.")
	req.Grounded = true
	req.JSONMode = true
	req.JSONSchema = map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"brands"},
	}

	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	// One call carries both the search tool and the forced function.
	require.Len(t, sent.Tools, 2)
	assert.NotNil(t, sent.Tools[0].GoogleSearch)
	require.Len(t, sent.Tools[1].FunctionDeclarations, 1)
	assert.Equal(t, "emit_answer", sent.Tools[1].FunctionDeclarations[0].Name)
	require.NotNil(t, sent.ToolConfig)
	assert.Equal(t, "ANY", sent.ToolConfig.FunctionCallingConfig.Mode)

	assert.Equal(t, true, resp.Metadata["final_function_called"])
	assert.Equal(t, true, resp.Metadata["schema_args_valid"])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(resp.Content), &decoded))
	assert.Contains(t, decoded, "brands")
}

func TestGroundedJSONMissingFunctionCallFails(t *testing.T) {
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, groundedResponse)
	})

	req := twoTurnReq("", "List brands as JSON.")
	req.Grounded = true
	req.JSONMode = true

	resp, err := c.Complete(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGroundingRequiredFailed)
	assert.Equal(t, false, resp.Metadata["final_function_called"])
}

func TestUngroundedJSONUsesResponseSchema(t *testing.T) {
	var sent generateRequest
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &sent))
		respondJSON(w, plainResponse)
	})

	req := twoTurnReq("", "List brands as JSON.")
	req.JSONMode = true
	req.JSONSchema = map[string]interface{}{"type": "object"}

	_, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, sent.GenerationConfig)
	assert.Equal(t, "application/json", sent.GenerationConfig.ResponseMimeType)
	assert.NotNil(t, sent.GenerationConfig.ResponseSchema)
	assert.Empty(t, sent.Tools)
}

func TestEmptyCandidatesIsUpstreamFailure(t *testing.T) {
	c := testClient(t, core.VendorVertex, func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, `{"candidates": [], "usageMetadata": {}}`)
	})

	_, err := c.Complete(context.Background(), twoTurnReq("", "hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUpstreamUnavailable)
}

func TestSchemaArgsValidation(t *testing.T) {
	schema := map[string]interface{}{"required": []interface{}{"brands", "count"}}
	assert.True(t, schemaArgsValid(schema, map[string]interface{}{"brands": []string{}, "count": 2}))
	assert.False(t, schemaArgsValid(schema, map[string]interface{}{"brands": []string{}}))
	assert.False(t, schemaArgsValid(schema, nil))
	assert.True(t, schemaArgsValid(nil, map[string]interface{}{"anything": 1}))
}

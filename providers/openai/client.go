// Package openai implements the Responses API adapter. Grounded and
// ungrounded calls both go through the Responses surface for parity.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/relay/citations"
	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/providers"
	"github.com/modelrelay/relay/resilience"
	"github.com/modelrelay/relay/telemetry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// responseAPI is echoed in response metadata and telemetry.
	responseAPI = "responses_http"

	toolWebSearch        = "web_search"
	toolWebSearchPreview = "web_search_preview"
)

// Client implements core.Adapter against the Responses API.
type Client struct {
	*providers.BaseClient
	apiKey    string
	baseURL   string
	cfg       *core.Config
	extractor *citations.Extractor
	retry     resilience.RetryConfig
}

// NewClient creates the adapter. baseURL defaults to the public endpoint; a
// nil extractor is built from the config's http_resolve_* options.
func NewClient(apiKey, baseURL string, cfg *core.Config, extractor *citations.Extractor, logger core.Logger, tel core.Telemetry) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if extractor == nil {
		extractor = citations.NewFromConfig(cfg, logger, telemetry.NewCollector(tel))
	}
	base := providers.NewBaseClient(180*time.Second, logger, tel)
	return &Client{
		BaseClient: base,
		apiKey:     apiKey,
		baseURL:    baseURL,
		cfg:        cfg,
		extractor:  extractor,
		retry:      resilience.RetryConfig{Logger: logger},
	}
}

func (c *Client) Vendor() core.Vendor {
	return core.VendorOpenAI
}

// Complete converts the normalized request, calls the Responses API, runs
// citation extraction, and enforces REQUIRED grounding post-hoc. The user
// message bytes are forwarded untouched.
func (c *Client) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	ctx, span := c.Telemetry.StartSpan(ctx, "openai.complete")
	defer span.End()
	span.SetAttribute("ai.provider", "openai")
	span.SetAttribute("ai.model", req.Model)
	span.SetAttribute("ai.grounded", req.Grounded)

	if c.apiKey == "" {
		return nil, fmt.Errorf("openai: API key not configured: %w", core.ErrAuth)
	}

	start := time.Now()
	promptBytes := 0
	if user := req.UserMessage(); user != nil {
		promptBytes = len(user.Content)
	}
	c.LogRequest("openai", req.Model, req.Grounded, promptBytes)

	resp := &core.Response{Vendor: core.VendorOpenAI}
	resp.SetMeta("response_api", responseAPI)

	fail := func(err error) (*core.Response, error) {
		span.RecordError(err)
		resp.Success = false
		resp.ErrorCode = core.ErrorCode(err)
		resp.LatencyMS = time.Since(start).Milliseconds()
		return resp, err
	}

	temp := req.Temperature
	if mandated, ok := MandatoryTemperature(req.Model, req.Grounded); ok {
		if temp != nil && *temp != mandated {
			resp.SetMeta("temperature_overridden", true)
			resp.SetMeta("requested_temperature", *temp)
		}
		t := mandated
		temp = &t
	}

	format := jsonFormat(req)

	var (
		wire     *responsesResponse
		raw      map[string]interface{}
		err      error
		toolType string
	)
	if req.Grounded {
		// Tool negotiation: try web_search first, fall back to the
		// preview type if the model rejects it.
		toolType = toolWebSearch
		wire, raw, err = c.call(ctx, req, temp, toolType, format)
		if err != nil && errors.Is(err, core.ErrGroundingNotSupported) {
			toolType = toolWebSearchPreview
			wire, raw, err = c.call(ctx, req, temp, toolType, format)
		}
		if err != nil && errors.Is(err, core.ErrGroundingNotSupported) {
			if req.Mode() == core.GroundingRequired {
				resp.SetMeta("why_not_grounded", "tool_unsupported")
				return fail(fmt.Errorf("openai: %w: %w", core.ErrGroundingRequiredFailed, err))
			}
			// AUTO degrades to an ungrounded call.
			toolType = ""
			resp.SetMeta("why_not_grounded", "tool_unsupported")
			wire, raw, err = c.call(ctx, req, temp, "", format)
		}
	} else {
		wire, raw, err = c.call(ctx, req, temp, "", format)
	}
	if err != nil {
		return fail(err)
	}
	if toolType != "" {
		resp.SetMeta("tool_type", toolType)
	}

	content := wire.outputText()
	if content == "" && !req.Grounded && c.cfg.UngroundedJSONEnvelopeFallback {
		// Empty-output quirk: one retry asking for a {content} envelope,
		// then unwrap. Never applied to grounded calls.
		if unwrapped, w2, r2, ok := c.retryWithEnvelope(ctx, req, temp); ok {
			content, wire, raw = unwrapped, w2, r2
			resp.SetMeta("empty_output_envelope_used", true)
		}
	}

	budget := c.extractor.NewBudget()
	ext := c.extractor.Extract(ctx, core.VendorOpenAI, raw, citations.Options{Budget: budget})
	resp.Citations = ext.Citations
	resp.SetMeta("tool_call_count", ext.ToolCallCount)
	resp.SetMeta("anchored_citations_count", ext.AnchoredCount)
	resp.SetMeta("unlinked_sources_count", ext.UnlinkedCount)
	resp.SetMeta("citations_shape_set", ext.ShapeSet)

	if req.Grounded {
		resp.GroundedEffective = ext.ToolCallCount > 0
		if !resp.GroundedEffective {
			if _, set := resp.Metadata["why_not_grounded"]; !set {
				resp.SetMeta("why_not_grounded", "auto_mode_no_search")
			}
		}
		if req.Mode() == core.GroundingRequired {
			switch {
			case ext.ToolCallCount == 0:
				resp.SetMeta("why_not_grounded", "no_tool_calls")
				return fail(fmt.Errorf("openai: no tool calls on REQUIRED request: %w", core.ErrGroundingRequiredFailed))
			case len(ext.Citations) == 0:
				resp.SetMeta("why_not_grounded", "no_citations")
				return fail(fmt.Errorf("openai: search ran but yielded no citations: %w", core.ErrGroundingEmptyResults))
			}
		}
	}

	resp.Content = content
	resp.Success = true
	resp.ModelVersion = wire.Model
	resp.Usage = core.Usage{
		PromptTokens:     wire.Usage.InputTokens,
		CompletionTokens: wire.Usage.OutputTokens,
		ReasoningTokens:  wire.Usage.OutputTokensDetails.ReasoningTokens,
		TotalTokens:      wire.Usage.TotalTokens,
	}
	resp.LatencyMS = time.Since(start).Milliseconds()

	c.LogResponse("openai", wire.Model, resp.Usage, time.Since(start))
	return resp, nil
}

// jsonFormat builds the strict-schema text format when the caller requested
// JSON output.
func jsonFormat(req *core.Request) *textConfig {
	if !req.JSONMode {
		return nil
	}
	format := &textFormat{Type: "json_schema", Name: "response", Strict: true}
	if req.JSONSchema != nil {
		format.Schema = req.JSONSchema
	} else {
		format.Schema = map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
		}
	}
	return &textConfig{Format: format}
}

// envelopeFormat is the fixed {content: string} schema used by the
// empty-output retry.
func envelopeFormat() *textConfig {
	return &textConfig{Format: &textFormat{
		Type:   "json_schema",
		Name:   "envelope",
		Strict: true,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"content": map[string]interface{}{"type": "string"},
			},
			"required":             []interface{}{"content"},
			"additionalProperties": false,
		},
	}}
}

func (c *Client) retryWithEnvelope(ctx context.Context, req *core.Request, temp *float64) (string, *responsesResponse, map[string]interface{}, bool) {
	c.Logger.Warn("empty output from responses call, retrying with envelope", map[string]interface{}{
		"operation": "openai_envelope_retry",
		"model":     req.Model,
	})
	wire, raw, err := c.call(ctx, req, temp, "", envelopeFormat())
	if err != nil {
		return "", nil, nil, false
	}
	var env struct {
		Content string `json:"content"`
	}
	if json.Unmarshal([]byte(wire.outputText()), &env) != nil || env.Content == "" {
		return "", nil, nil, false
	}
	return env.Content, wire, raw, true
}

// call marshals once and sends through the retry loop so every attempt is
// byte-identical.
func (c *Client) call(ctx context.Context, req *core.Request, temp *float64, toolType string, format *textConfig) (*responsesResponse, map[string]interface{}, error) {
	body := responsesRequest{
		Model:           req.Model,
		Temperature:     temp,
		MaxOutputTokens: req.MaxTokens,
		Text:            format,
	}
	for _, m := range req.Messages {
		body.Input = append(body.Input, inputItem{Role: string(m.Role), Content: m.Content})
	}
	if toolType != "" {
		body.Tools = []toolDecl{{Type: toolType}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("openai: marshal request: %w: %v", core.ErrInternal, err)
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	var respBody []byte
	err = resilience.Retry(ctx, c.retry, "openai.responses", func(ctx context.Context) error {
		status, b, err := c.Post(ctx, c.baseURL+"/responses", headers, payload)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			if toolType != "" && status == http.StatusBadRequest && toolUnsupported(b, toolType) {
				return fmt.Errorf("openai: tool type %q rejected: %w", toolType, core.ErrGroundingNotSupported)
			}
			return c.HandleError(status, b, "OpenAI")
		}
		respBody = b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var wire responsesResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, nil, fmt.Errorf("openai: parse response: %w", core.ErrUpstreamUnavailable)
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(respBody, &raw)
	return &wire, raw, nil
}

// toolUnsupported sniffs a 400 body for a rejection of the search tool type.
func toolUnsupported(body []byte, toolType string) bool {
	s := string(body)
	if !strings.Contains(s, toolType) {
		return false
	}
	return strings.Contains(s, "not supported") ||
		strings.Contains(s, "unsupported") ||
		strings.Contains(s, "invalid value")
}

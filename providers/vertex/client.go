// Package vertex implements the generateContent adapter for the Gemini model
// family. One Client type serves both the direct Gemini API surface and the
// managed Vertex surface; the router treats them as sibling vendors.
package vertex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelrelay/relay/citations"
	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/providers"
	"github.com/modelrelay/relay/resilience"
	"github.com/modelrelay/relay/telemetry"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultVertexBaseURL = "https://aiplatform.googleapis.com/v1"

	responseAPI = "generate_content_http"
)

// Client implements core.Adapter against generateContent.
type Client struct {
	*providers.BaseClient
	vendor    core.Vendor
	apiKey    string
	baseURL   string
	cfg       *core.Config
	extractor *citations.Extractor
	retry     resilience.RetryConfig
}

// NewClient creates an adapter for either core.VendorGemini or
// core.VendorVertex. baseURL defaults per surface; a nil extractor is built
// from the config's http_resolve_* options.
func NewClient(vendor core.Vendor, apiKey, baseURL string, cfg *core.Config, extractor *citations.Extractor, logger core.Logger, tel core.Telemetry) *Client {
	if baseURL == "" {
		if vendor == core.VendorVertex {
			baseURL = defaultVertexBaseURL
		} else {
			baseURL = defaultGeminiBaseURL
		}
	}
	if extractor == nil {
		extractor = citations.NewFromConfig(cfg, logger, telemetry.NewCollector(tel))
	}
	base := providers.NewBaseClient(180*time.Second, logger, tel)
	return &Client{
		BaseClient: base,
		vendor:     vendor,
		apiKey:     apiKey,
		baseURL:    baseURL,
		cfg:        cfg,
		extractor:  extractor,
		retry:      resilience.RetryConfig{Logger: logger},
	}
}

func (c *Client) Vendor() core.Vendor {
	return c.vendor
}

func (c *Client) providerName() string {
	if c.vendor == core.VendorVertex {
		return "Vertex"
	}
	return "Gemini"
}

// Complete converts the normalized request, calls generateContent, extracts
// citations from grounding metadata, and enforces REQUIRED grounding
// post-hoc.
func (c *Client) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	ctx, span := c.Telemetry.StartSpan(ctx, "vertex.complete")
	defer span.End()
	span.SetAttribute("ai.provider", string(c.vendor))
	span.SetAttribute("ai.model", req.Model)
	span.SetAttribute("ai.grounded", req.Grounded)

	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: API key not configured: %w", c.providerName(), core.ErrAuth)
	}

	system, user, err := splitMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	c.LogRequest(string(c.vendor), req.Model, req.Grounded, len(user.Content))

	resp := &core.Response{Vendor: c.vendor}
	resp.SetMeta("response_api", responseAPI)

	fail := func(err error) (*core.Response, error) {
		span.RecordError(err)
		resp.Success = false
		resp.ErrorCode = core.ErrorCode(err)
		resp.LatencyMS = time.Since(start).Milliseconds()
		return resp, err
	}

	forcedJSON := req.Grounded && req.JSONMode
	wire, raw, err := c.call(ctx, req, system, user, forcedJSON)
	if err != nil {
		return fail(err)
	}
	if len(wire.Candidates) == 0 {
		return fail(fmt.Errorf("%s: response carried no candidates: %w", c.providerName(), core.ErrUpstreamUnavailable))
	}

	content := wire.text()
	if forcedJSON {
		// Grounded JSON runs as a single forced function call; the
		// function arguments are the answer.
		call := wire.functionCall()
		resp.SetMeta("final_function_called", call != nil && call.Name == emitFunctionName)
		if call == nil {
			resp.SetMeta("schema_args_valid", false)
			return fail(fmt.Errorf("%s: grounded-JSON call returned no function call: %w", c.providerName(), core.ErrGroundingRequiredFailed))
		}
		valid := schemaArgsValid(req.JSONSchema, call.Args)
		resp.SetMeta("schema_args_valid", valid)
		encoded, err := json.Marshal(call.Args)
		if err != nil {
			return fail(fmt.Errorf("%s: encoding function args: %w", c.providerName(), core.ErrInternal))
		}
		content = string(encoded)
	}

	budget := c.extractor.NewBudget()
	ext := c.extractor.Extract(ctx, c.vendor, raw, citations.Options{Budget: budget})
	resp.Citations = ext.Citations
	resp.SetMeta("tool_call_count", ext.ToolCallCount)
	resp.SetMeta("anchored_citations_count", ext.AnchoredCount)
	resp.SetMeta("unlinked_sources_count", ext.UnlinkedCount)
	resp.SetMeta("citations_shape_set", ext.ShapeSet)
	if ext.CoveragePct > 0 {
		resp.SetMeta("grounding_coverage_pct", ext.CoveragePct)
	}

	if req.Grounded {
		resp.GroundedEffective = ext.ToolCallCount > 0
		if !resp.GroundedEffective {
			resp.SetMeta("why_not_grounded", "auto_mode_no_search")
		}
		if req.Mode() == core.GroundingRequired {
			switch {
			case ext.ToolCallCount == 0:
				resp.SetMeta("why_not_grounded", "no_tool_calls")
				return fail(fmt.Errorf("%s: no tool calls on REQUIRED request: %w", c.providerName(), core.ErrGroundingRequiredFailed))
			case len(ext.Citations) == 0:
				resp.SetMeta("why_not_grounded", "no_citations")
				return fail(fmt.Errorf("%s: search ran but yielded no citations: %w", c.providerName(), core.ErrGroundingEmptyResults))
			}
		}
	}

	resp.Content = content
	resp.Success = true
	resp.ModelVersion = wire.ModelVersion
	if resp.ModelVersion == "" {
		resp.ModelVersion = req.Model
	}
	resp.Usage = core.Usage{
		PromptTokens:     wire.UsageMetadata.PromptTokenCount,
		CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
		TotalTokens:      wire.UsageMetadata.TotalTokenCount,
	}
	resp.LatencyMS = time.Since(start).Milliseconds()

	c.LogResponse(string(c.vendor), resp.ModelVersion, resp.Usage, time.Since(start))
	return resp, nil
}

// splitMessages enforces the two-message shape: an optional system turn plus
// exactly one user turn. ALS, when present, has already been folded into the
// system turn by the router; it never rides in the user turn.
func splitMessages(messages []core.Message) (system *core.Message, user *core.Message, err error) {
	for i := range messages {
		m := &messages[i]
		switch m.Role {
		case core.RoleSystem:
			if system != nil {
				return nil, nil, fmt.Errorf("multiple system messages: %w", core.ErrTooManyMessages)
			}
			system = m
		case core.RoleUser:
			if user != nil {
				return nil, nil, fmt.Errorf("multiple user messages: %w", core.ErrTooManyMessages)
			}
			user = m
		default:
			return nil, nil, fmt.Errorf("role %q not supported by this vendor: %w", m.Role, core.ErrTooManyMessages)
		}
	}
	if user == nil {
		return nil, nil, fmt.Errorf("user message required: %w", core.ErrValidation)
	}
	return system, user, nil
}

// schemaArgsValid is a shallow check: every property the schema marks as
// required must be present in the returned args.
func schemaArgsValid(schema map[string]interface{}, args map[string]interface{}) bool {
	if args == nil {
		return false
	}
	if schema == nil {
		return true
	}
	required, _ := schema["required"].([]interface{})
	for _, raw := range required {
		key, ok := raw.(string)
		if !ok {
			continue
		}
		if _, present := args[key]; !present {
			return false
		}
	}
	return true
}

// call marshals once and sends through the retry loop so every attempt is
// byte-identical.
func (c *Client) call(ctx context.Context, req *core.Request, system, user *core.Message, forcedJSON bool) (*generateResponse, map[string]interface{}, error) {
	body := generateRequest{
		Contents: []contentBlock{{Role: "user", Parts: []part{{Text: user.Content}}}},
	}
	if system != nil {
		body.SystemInstruction = &contentBlock{Parts: []part{{Text: system.Content}}}
	}

	genCfg := &generationConfig{Temperature: req.Temperature}
	if req.MaxTokens > 0 {
		genCfg.MaxOutputTokens = req.MaxTokens
	}

	switch {
	case forcedJSON:
		// Search tool plus a forced schema function in one call.
		body.Tools = []toolDecl{
			{GoogleSearch: &struct{}{}},
			{FunctionDeclarations: []functionDeclaration{{
				Name:        emitFunctionName,
				Description: "Emit the final answer in the required schema.",
				Parameters:  req.JSONSchema,
			}}},
		}
		body.ToolConfig = &toolConfig{FunctionCallingConfig: &functionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{emitFunctionName},
		}}
	case req.Grounded:
		body.Tools = []toolDecl{{GoogleSearch: &struct{}{}}}
	case req.JSONMode:
		genCfg.ResponseMimeType = "application/json"
		if req.JSONSchema != nil {
			genCfg.ResponseSchema = req.JSONSchema
		}
	}
	body.GenerationConfig = genCfg

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: marshal request: %w: %v", c.providerName(), core.ErrInternal, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	headers := map[string]string{}
	if c.vendor == core.VendorVertex {
		headers["Authorization"] = "Bearer " + c.apiKey
	} else {
		headers["x-goog-api-key"] = c.apiKey
	}

	var respBody []byte
	err = resilience.Retry(ctx, c.retry, "vertex.generate_content", func(ctx context.Context) error {
		status, b, err := c.Post(ctx, url, headers, payload)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return c.HandleError(status, b, c.providerName())
		}
		respBody = b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var wire generateResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, nil, fmt.Errorf("%s: parse response: %w", c.providerName(), core.ErrUpstreamUnavailable)
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(respBody, &raw)
	return &wire, raw, nil
}

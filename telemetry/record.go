// Package telemetry carries the per-request record contract, the sinks that
// persist it, and the ambient observability providers (structured logger,
// OpenTelemetry tracing).
package telemetry

import (
	"fmt"
	"time"

	"github.com/modelrelay/relay/core"
)

// Meta is the nested provenance map of one record. Every field is always
// present in the emitted JSON so downstream consumers never branch on key
// existence.
type Meta struct {
	ResponseAPI               string                 `json:"response_api"`
	GroundedEffective         bool                   `json:"grounded_effective"`
	ModelAdjustedForGrounding bool                   `json:"model_adjusted_for_grounding"`
	OriginalModel             string                 `json:"original_model"`
	ToolCallCount             int                    `json:"tool_call_count"`
	AnchoredCitationsCount    int                    `json:"anchored_citations_count"`
	UnlinkedSourcesCount      int                    `json:"unlinked_sources_count"`
	CitationsShapeSet         []string               `json:"citations_shape_set"`
	WhyNotGrounded            string                 `json:"why_not_grounded"`
	FeatureFlags              map[string]interface{} `json:"feature_flags"`
	RuntimeFlags              map[string]interface{} `json:"runtime_flags"`
	ABBucket                  string                 `json:"ab_bucket"`
	ALSPresent                bool                   `json:"als_present"`
	ALSCountry                string                 `json:"als_country"`
	ALSVariantID              string                 `json:"als_variant_id"`
	ALSBlockSHA256            string                 `json:"als_block_sha256"`
	ALSNFCLength              int                    `json:"als_nfc_length"`
	VendorPath                []string               `json:"vendor_path"`
	FailoverReason            string                 `json:"failover_reason"`
}

// Record is the single normalized telemetry row emitted once per request.
type Record struct {
	TS           time.Time   `json:"ts"`
	RequestID    string      `json:"request_id"`
	TenantID     string      `json:"tenant_id,omitempty"`
	Vendor       core.Vendor `json:"vendor"`
	Model        string      `json:"model"`
	Grounded     bool        `json:"grounded"` // requested, not effective
	JSONMode     bool        `json:"json_mode"`
	LatencyMS    int64       `json:"latency_ms"`
	TokensIn     int         `json:"tokens_in"`
	TokensOut    int         `json:"tokens_out"`
	CostEstCents float64     `json:"cost_est_cents,omitempty"`
	Success      bool        `json:"success"`
	ErrorCode    string      `json:"error_code,omitempty"`
	Meta         Meta        `json:"meta"`
}

// Validate enforces the sink contract before a record is accepted.
func (r *Record) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("telemetry record missing request_id: %w", core.ErrValidation)
	}
	// Requests rejected before dispatch never reach a vendor surface, so
	// the response API is only demanded of grounded successes.
	if r.Grounded && r.Success && r.Meta.ResponseAPI == "" {
		return fmt.Errorf("grounded record missing meta.response_api: %w", core.ErrValidation)
	}
	if !r.Success && r.ErrorCode == "" {
		return fmt.Errorf("failed record missing error_code: %w", core.ErrValidation)
	}
	return nil
}

// costPerMTokUSDCents maps model to (input, output) cost in USD cents per
// million tokens. Models absent from the table produce no estimate.
var costPerMTokUSDCents = map[string][2]float64{
	"gpt-5":             {125, 1000},
	"gpt-5-chat-latest": {125, 1000},
	"gpt-5-mini":        {25, 200},
	"gemini-2.5-pro":    {125, 1000},
	"gemini-2.5-flash":  {30, 250},
}

// EstimateCostCents returns the estimated request cost, or 0 when the model
// is not in the pricing table.
func EstimateCostCents(model string, tokensIn, tokensOut int) float64 {
	rates, ok := costPerMTokUSDCents[model]
	if !ok {
		return 0
	}
	return (float64(tokensIn)*rates[0] + float64(tokensOut)*rates[1]) / 1_000_000
}

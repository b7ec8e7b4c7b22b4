package core

// Vendor identifies an upstream model provider.
type Vendor string

// Known vendors. "gemini" is the direct Gemini API surface and "vertex" the
// managed Vertex surface for the same model family; the two form a failover
// pair when enabled.
const (
	VendorOpenAI Vendor = "openai"
	VendorGemini Vendor = "gemini"
	VendorVertex Vendor = "vertex"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// GroundingMode controls how strictly a grounded request is enforced.
type GroundingMode string

const (
	// GroundingAuto lets the provider decide whether to call tools.
	GroundingAuto GroundingMode = "AUTO"
	// GroundingRequired fails the request unless at least one tool call
	// occurred and citations were extracted.
	GroundingRequired GroundingMode = "REQUIRED"
)

// Message is one turn of the normalized conversation. The user turn's
// Content is immutable through the whole pipeline: no component may rewrite,
// prefix, or append to it.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ALSContext carries the caller's ambient-location signal inputs.
type ALSContext struct {
	CountryCode string `json:"country_code"`
	Locale      string `json:"locale,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// RequestMeta holds sparse per-request policy knobs.
type RequestMeta struct {
	GroundingMode GroundingMode          `json:"grounding_mode,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Request is the normalized request accepted by the router.
type Request struct {
	Vendor     Vendor                 `json:"vendor,omitempty"` // inferred from model when empty
	Model      string                 `json:"model"`
	Messages   []Message              `json:"messages"`
	Grounded   bool                   `json:"grounded"`
	JSONMode   bool                   `json:"json_mode"`
	JSONSchema map[string]interface{} `json:"json_schema,omitempty"`
	MaxTokens  int                    `json:"max_tokens,omitempty"`
	// Temperature is a pointer so the adapter can distinguish "caller did
	// not set it" from an explicit 0.
	Temperature *float64    `json:"temperature,omitempty"`
	ALSContext  *ALSContext `json:"als_context,omitempty"`
	Meta        RequestMeta `json:"meta,omitempty"`

	// Opaque correlation ids, passed through to telemetry.
	TemplateID string `json:"template_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	TenantID   string `json:"tenant_id,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// Mode returns the effective grounding mode, defaulting to AUTO.
func (r *Request) Mode() GroundingMode {
	if r.Meta.GroundingMode == GroundingRequired {
		return GroundingRequired
	}
	return GroundingAuto
}

// UserMessage returns the last user turn, or nil when absent.
func (r *Request) UserMessage() *Message {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return &r.Messages[i]
		}
	}
	return nil
}

// Clone returns a shallow copy with its own message slice, so that stages
// may add system turns without aliasing the caller's slice. Message contents
// are shared strings and therefore immutable.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	return &cp
}

// SourceType classifies how a citation was evidenced by the provider.
type SourceType string

const (
	// SourceAnchored is tied by provider annotations to a span of output.
	SourceAnchored SourceType = "anchored"
	// SourceUnlinked appeared in tool results without a textual anchor.
	SourceUnlinked SourceType = "unlinked"
	// SourceToolResult came from an explicit tool_result item.
	SourceToolResult SourceType = "tool_result"
	// SourceEvidenceList came from a flat provider evidence list.
	SourceEvidenceList SourceType = "evidence_list"
	// SourceRedirectOnly is a redirector URL whose resolution was
	// truncated by the resolver budget.
	SourceRedirectOnly SourceType = "redirect_only"
)

// Citation is one normalized piece of grounding evidence.
type Citation struct {
	URL          string     `json:"url"`
	ResolvedURL  string     `json:"resolved_url,omitempty"`
	SourceDomain string     `json:"source_domain,omitempty"` // registrable domain (eTLD+1)
	Title        string     `json:"title,omitempty"`
	Snippet      string     `json:"snippet,omitempty"`
	SourceType   SourceType `json:"source_type"`
	Rank         int        `json:"rank"` // insertion order in provider payload
	// Raw carries the provider-specific record untouched.
	Raw map[string]interface{} `json:"raw,omitempty"`
	// ResolverTruncated is set when resolution hit the per-request budget.
	ResolverTruncated bool `json:"resolver_truncated,omitempty"`
}

// Usage is provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the normalized response returned by the router.
type Response struct {
	Content           string     `json:"content"`
	Success           bool       `json:"success"`
	ModelVersion      string     `json:"model_version"` // exactly what the provider reported
	Vendor            Vendor     `json:"vendor"`
	GroundedEffective bool       `json:"grounded_effective"`
	Usage             Usage      `json:"usage"`
	LatencyMS         int64      `json:"latency_ms"`
	Citations         []Citation `json:"citations,omitempty"`
	// Metadata is the open-ended provenance map mirrored into the
	// telemetry row's meta field (response_api, tool_call_count, ...).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	// ErrorCode is set when Success is false.
	ErrorCode string `json:"error_code,omitempty"`
}

// SetMeta stores a metadata key, allocating the map on first use.
func (r *Response) SetMeta(key string, value interface{}) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
}

// ALSBlock is a rendered ambient-location block. The rendered text is placed
// in the system turn; only the hash and bookkeeping fields survive into
// telemetry.
type ALSBlock struct {
	CountryCode  string `json:"country_code"`
	Locale       string `json:"locale"`
	Timezone     string `json:"timezone"`
	RenderedText string `json:"rendered_text"`
	SHA256       string `json:"sha256"`
	VariantID    string `json:"variant_id"`
	NFCLength    int    `json:"nfc_length"`
}

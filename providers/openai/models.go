package openai

// Model identifiers and their grounding relationships. The conversational
// variant cannot attach the web-search tool; when grounding is requested and
// adjustment is enabled, the router pins it to the grounded-capable sibling.
const (
	ModelChatLatest = "gpt-5-chat-latest"
	ModelGrounded   = "gpt-5"
	ModelMini       = "gpt-5-mini"
)

// groundedSiblings maps conversational variants to the grounded-capable
// model in the same family.
var groundedSiblings = map[string]string{
	ModelChatLatest: ModelGrounded,
}

// GroundedSibling returns the grounded-capable sibling for a model, if one
// exists.
func GroundedSibling(model string) (string, bool) {
	sibling, ok := groundedSiblings[model]
	return sibling, ok
}

// fixedTemperature lists models that mandate a specific temperature on
// grounded calls. A caller-supplied value is overridden and the override is
// recorded in response metadata.
var fixedTemperature = map[string]float64{
	ModelGrounded: 1.0,
	ModelMini:     1.0,
}

// MandatoryTemperature reports whether grounded calls to model must use a
// fixed temperature.
func MandatoryTemperature(model string, grounded bool) (float64, bool) {
	if !grounded {
		return 0, false
	}
	t, ok := fixedTemperature[model]
	return t, ok
}

// Wire types for the Responses API. Only the fields this adapter reads or
// writes are declared.

type responsesRequest struct {
	Model           string      `json:"model"`
	Input           []inputItem `json:"input"`
	Tools           []toolDecl  `json:"tools,omitempty"`
	Temperature     *float64    `json:"temperature,omitempty"`
	MaxOutputTokens int         `json:"max_output_tokens,omitempty"`
	Text            *textConfig `json:"text,omitempty"`
}

type inputItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolDecl struct {
	Type string `json:"type"`
}

type textConfig struct {
	Format *textFormat `json:"format,omitempty"`
}

type textFormat struct {
	Type   string                 `json:"type"` // "json_schema"
	Name   string                 `json:"name,omitempty"`
	Strict bool                   `json:"strict,omitempty"`
	Schema map[string]interface{} `json:"schema,omitempty"`
}

type responsesResponse struct {
	ID     string       `json:"id"`
	Model  string       `json:"model"`
	Status string       `json:"status"`
	Output []outputItem `json:"output"`
	Usage  usageBlock   `json:"usage"`
	Error  *apiError    `json:"error"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content []contentPart `json:"content,omitempty"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usageBlock struct {
	InputTokens         int                 `json:"input_tokens"`
	OutputTokens        int                 `json:"output_tokens"`
	TotalTokens         int                 `json:"total_tokens"`
	OutputTokensDetails outputTokensDetails `json:"output_tokens_details"`
}

type outputTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// outputText concatenates all message output_text parts in order.
func (r *responsesResponse) outputText() string {
	var out string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				out += part.Text
			}
		}
	}
	return out
}

// Package wire defines the Messages API shapes the probes exercise and the
// normalization of rate-limit metadata across header naming conventions.
package wire

// Paths on the gateway under test.
const (
	MessagesPath  = "/v1/messages"
	HealthPath    = "/health"
	ModelInfoPath = "/model/info"
)

// Version is the protocol version sent in the anthropic-version header.
const Version = "2023-06-01"

// MessagesRequest is the completions-style request body.
type MessagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []Message `json:"messages"`
	Stream    bool      `json:"stream,omitempty"`
}

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessagesResponse is the success body. Only the fields the checks inspect
// are modeled; unknown fields pass through untouched.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// ContentBlock is one element of a response content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrorResponse is the error envelope gateways return on non-2xx statuses.
type ErrorResponse struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

// APIError is the inner error object.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RequiredResponseKeys is the key set a conforming success body must carry.
var RequiredResponseKeys = []string{"id", "type", "role", "content", "model"}

// ModelInfo describes one deployed model as listed by the gateway.
type ModelInfo struct {
	ModelName string `json:"model_name"`
}

// ModelInfoList is the body of the model listing endpoint.
type ModelInfoList struct {
	Data []ModelInfo `json:"data"`
}

package gateway

import "context"

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-agnostic completion request. The gateway fills the
// model and sampling fields from the purpose pin.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONOnly asks the provider for a JSON object response.
	JSONOnly bool
}

// Completion is a provider response with token accounting.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider executes completion requests against an LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
}

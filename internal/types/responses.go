package types

import (
	"time"
)

// Response types
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             *Usage   `json:"usage,omitempty"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`

	// Routing metadata (added by router)
	RouterMetadata *RouterMetadata `json:"router_metadata,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      Message  `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Streaming response
type ChatChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	Choices           []ChoiceChunk `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`
	SystemFingerprint string        `json:"system_fingerprint,omitempty"`

	// Routing metadata (added by router)
	RouterMetadata *RouterMetadata `json:"router_metadata,omitempty"`

	// Set on the last chunk of a stream that broke off upstream
	Error *StreamError `json:"error,omitempty"`
}

// StreamError mirrors the OpenAI error object sent inside a stream.
type StreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewStreamErrorChunk builds the terminal chunk for a stream that failed
// after it started.
func NewStreamErrorChunk(id, model string, err error) *ChatChunk {
	return &ChatChunk{
		ID:     id,
		Object: "chat.completion.chunk",
		Model:  model,
		Error:  &StreamError{Message: err.Error(), Type: "stream_error"},
	}
}

type ChoiceChunk struct {
	Index        int      `json:"index"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// RouterMetadata is the caller-visible summary of how a request was routed.
type RouterMetadata struct {
	Transport      string          `json:"transport"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	RoutingReason  []string        `json:"routing_reason"`
	Attempts       int             `json:"attempts"`
	RetryDelays    []time.Duration `json:"retry_delays,omitempty"`
	ProcessingTime time.Duration   `json:"processing_time"`
	RequestID      string          `json:"request_id"`
}

// Error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

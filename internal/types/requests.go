package types

import (
	"time"
)

// Core request/response types
type ChatRequest struct {
	ID               string            `json:"id"`
	Model            string            `json:"model"`
	Messages         []Message         `json:"messages"`
	Temperature      *float32          `json:"temperature,omitempty"`
	MaxTokens        *int              `json:"max_tokens,omitempty"`
	TopP             *float32          `json:"top_p,omitempty"`
	FrequencyPenalty *float32          `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float32          `json:"presence_penalty,omitempty"`
	Stop             []string          `json:"stop,omitempty"`
	Stream           bool              `json:"stream"`
	Tools            []Tool            `json:"tools,omitempty"`
	ToolChoice       interface{}       `json:"tool_choice,omitempty"`
	ResponseFormat   *ResponseFormat   `json:"response_format,omitempty"`
	Seed             *int              `json:"seed,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	// Metadata
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Message struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"` // string or []ContentPart for multimodal
	Name       string      `json:"name,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"` // "auto", "low", "high"
}

type Function struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
	Arguments   string      `json:"arguments,omitempty"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function,omitempty"`
}

type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type ResponseFormat struct {
	Type string `json:"type"` // "text", "json_object", "json_schema"
}

// ModelInfo describes one entry of the logical model catalog. Name is the
// reference callers use; Provider and ProviderModelID say where it lives when
// called directly.
type ModelInfo struct {
	Name             string `json:"name" yaml:"name"`
	Provider         string `json:"provider" yaml:"provider"`
	ProviderModelID  string `json:"provider_model_id,omitempty" yaml:"provider_model_id"`
	DisplayName      string `json:"display_name,omitempty" yaml:"display_name"`
	MaxContextWindow int    `json:"max_context_window,omitempty" yaml:"max_context_window"`
	MaxOutputTokens  int    `json:"max_output_tokens,omitempty" yaml:"max_output_tokens"`
}

// Ref returns the provider-qualified reference, e.g. "openai/gpt-4o".
func (m ModelInfo) Ref() string {
	return m.Provider + "/" + m.Name
}

// DirectModelID is the identifier sent to the provider on direct transports.
func (m ModelInfo) DirectModelID() string {
	if m.ProviderModelID != "" {
		return m.ProviderModelID
	}
	return m.Name
}

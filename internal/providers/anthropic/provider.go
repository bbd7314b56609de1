package anthropic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// defaultMaxTokens is sent when the caller leaves max_tokens unset; the
// Messages API requires it.
const defaultMaxTokens = 4096

// AnthropicProvider is a Claude client bound to a single model
type AnthropicProvider struct {
	client *anthropic.Client
	config *AnthropicConfig
	logger *logrus.Logger
}

// AnthropicConfig holds Anthropic-specific configuration
type AnthropicConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// NewAnthropicProvider creates a new Anthropic provider instance. SDK-level
// retries are disabled so the routing layer owns every retry decision.
func NewAnthropicProvider(config *AnthropicConfig, logger *logrus.Logger) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}

	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	if config.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(config.Timeout))
	}

	client := anthropic.NewClient(opts...)

	return &AnthropicProvider{
		client: &client,
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the provider name
func (p *AnthropicProvider) GetProviderName() string {
	return "anthropic"
}

// Model returns the bound model identifier.
func (p *AnthropicProvider) Model() string {
	return p.config.Model
}

// ChatCompletion performs a chat completion request
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	anthropicReq, err := p.convertToAnthropicRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}

	resp, err := p.client.Messages.New(ctx, *anthropicReq)
	if err != nil {
		p.logger.WithError(err).Debug("Anthropic API call failed")
		return nil, fmt.Errorf("anthropic api call failed: %w", err)
	}

	return p.convertFromAnthropicResponse(resp), nil
}

// StreamCompletion streams text deltas as OpenAI-shaped chunks
func (p *AnthropicProvider) StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	anthropicReq, err := p.convertToAnthropicRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to convert request: %w", err)
	}

	stream := p.client.Messages.NewStreaming(ctx, *anthropicReq)
	// The first event surfaces connection and auth errors before we hand
	// the channel to the caller.
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		if err == nil {
			err = fmt.Errorf("empty stream")
		}
		return nil, fmt.Errorf("anthropic streaming api call failed: %w", err)
	}

	chunks := make(chan *types.ChatChunk, 100)
	id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())

	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			event := stream.Current()
			if chunk := p.convertStreamEvent(id, event); chunk != nil {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			p.logger.WithError(err).Error("Error receiving stream event")
			select {
			case chunks <- types.NewStreamErrorChunk(id, p.config.Model, fmt.Errorf("anthropic stream interrupted: %w", err)):
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

// HealthCheck lists models, which authenticates without spending tokens
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic health check failed: %w", err)
	}

	p.logger.Debug("Anthropic health check passed")
	return nil
}

// convertToAnthropicRequest converts our unified request to Anthropic's format
func (p *AnthropicProvider) convertToAnthropicRequest(req *types.ChatRequest) (*anthropic.MessageNewParams, error) {
	var systemMessage string
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			content, ok := msg.Content.(string)
			if !ok {
				return nil, fmt.Errorf("system messages must be text only for Anthropic")
			}
			if systemMessage != "" {
				systemMessage += "\n\n"
			}
			systemMessage += content
			continue
		}

		messages = append(messages, p.convertMessage(msg))
	}

	anthropicReq := &anthropic.MessageNewParams{
		Model:     anthropic.Model(p.config.Model),
		Messages:  messages,
		MaxTokens: defaultMaxTokens,
	}

	if systemMessage != "" {
		anthropicReq.System = []anthropic.TextBlockParam{
			{Text: systemMessage},
		}
	}
	if req.MaxTokens != nil {
		anthropicReq.MaxTokens = int64(*req.MaxTokens)
	}
	if req.Temperature != nil {
		anthropicReq.Temperature = anthropic.Float(float64(*req.Temperature))
	}
	if req.TopP != nil {
		anthropicReq.TopP = anthropic.Float(float64(*req.TopP))
	}
	if len(req.Stop) > 0 {
		anthropicReq.StopSequences = append([]string(nil), req.Stop...)
	}

	return anthropicReq, nil
}

// convertMessage converts a unified message to Anthropic format
func (p *AnthropicProvider) convertMessage(msg types.Message) anthropic.MessageParam {
	var blocks []anthropic.ContentBlockParamUnion

	switch content := msg.Content.(type) {
	case string:
		blocks = append(blocks, anthropic.NewTextBlock(content))
	case []types.ContentPart:
		// Image parts need base64 sources; only text is forwarded
		for _, part := range content {
			if part.Type == "text" {
				blocks = append(blocks, anthropic.NewTextBlock(part.Text))
			}
		}
	default:
		blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("%v", content)))
	}

	if msg.Role == "assistant" {
		return anthropic.NewAssistantMessage(blocks...)
	}
	return anthropic.NewUserMessage(blocks...)
}

// convertFromAnthropicResponse converts Anthropic's response to our format
func (p *AnthropicProvider) convertFromAnthropicResponse(resp *anthropic.Message) *types.ChatResponse {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var usage *types.Usage
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}

	return &types.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   string(resp.Model),
		Choices: []types.Choice{
			{
				Index:        0,
				FinishReason: string(resp.StopReason),
				Message: types.Message{
					Role:    "assistant",
					Content: text.String(),
				},
			},
		},
		Usage: usage,
	}
}

// convertStreamEvent maps text deltas and the final stop reason; other
// events produce no chunk.
func (p *AnthropicProvider) convertStreamEvent(id string, event anthropic.MessageStreamEventUnion) *types.ChatChunk {
	chunk := &types.ChatChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   p.config.Model,
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type != "text_delta" || event.Delta.Text == "" {
			return nil
		}
		chunk.Choices = []types.ChoiceChunk{
			{Index: 0, Delta: &types.Message{Role: "assistant", Content: event.Delta.Text}},
		}
	case "message_delta":
		if event.Delta.StopReason == "" {
			return nil
		}
		chunk.Choices = []types.ChoiceChunk{
			{Index: 0, FinishReason: string(event.Delta.StopReason)},
		}
	default:
		return nil
	}

	return chunk
}

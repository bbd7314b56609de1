package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/types"
)

// OpenAIProvider is an OpenAI-wire client bound to a single model. The same
// type serves the managed proxy and OpenAI-compatible direct providers.
type OpenAIProvider struct {
	client *openai.Client
	config *OpenAIConfig
	logger *logrus.Logger
}

// OpenAIConfig holds OpenAI-specific configuration
type OpenAIConfig struct {
	Name    string        `yaml:"name"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	OrgID   string        `yaml:"org_id"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// Proxy marks the managed proxy; request metadata is forwarded only there.
	Proxy bool `yaml:"-"`
}

// NewOpenAIProvider creates a new OpenAI provider instance
func NewOpenAIProvider(config *OpenAIConfig, logger *logrus.Logger) *OpenAIProvider {
	clientConfig := openai.DefaultConfig(config.APIKey)

	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if config.OrgID != "" {
		clientConfig.OrgID = config.OrgID
	}
	if config.Timeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Name == "" {
		config.Name = "openai"
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientConfig),
		config: config,
		logger: logger,
	}
}

// GetProviderName returns the provider name
func (p *OpenAIProvider) GetProviderName() string {
	return p.config.Name
}

// Model returns the bound model identifier.
func (p *OpenAIProvider) Model() string {
	return p.config.Model
}

// ChatCompletion performs a chat completion request
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	openaiReq := p.convertToOpenAIRequest(req)

	resp, err := p.client.CreateChatCompletion(ctx, *openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.config.Name).Debug("OpenAI API call failed")
		return nil, fmt.Errorf("%s api call failed: %w", p.config.Name, err)
	}

	return p.convertFromOpenAIResponse(&resp), nil
}

// StreamCompletion performs a streaming chat completion request
func (p *OpenAIProvider) StreamCompletion(ctx context.Context, req *types.ChatRequest) (<-chan *types.ChatChunk, error) {
	openaiReq := p.convertToOpenAIRequest(req)
	openaiReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, *openaiReq)
	if err != nil {
		p.logger.WithError(err).WithField("provider", p.config.Name).Debug("OpenAI streaming API call failed")
		return nil, fmt.Errorf("%s streaming api call failed: %w", p.config.Name, err)
	}

	chunks := make(chan *types.ChatChunk, 100)

	go func() {
		defer close(chunks)
		defer stream.Close()

		var lastID string
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				p.logger.WithError(err).WithField("provider", p.config.Name).Error("Error receiving stream chunk")
				select {
				case chunks <- types.NewStreamErrorChunk(lastID, p.config.Model, fmt.Errorf("%s stream interrupted: %w", p.config.Name, err)):
				case <-ctx.Done():
				}
				return
			}
			lastID = response.ID

			select {
			case chunks <- p.convertFromOpenAIChunk(&response):
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}

// HealthCheck performs an authenticated lightweight call against the models endpoint
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.config.Name, err)
	}

	p.logger.WithField("provider", p.config.Name).Debug("Health check passed")
	return nil
}

// convertToOpenAIRequest converts our unified request to OpenAI's format.
// The bound model always replaces the caller's logical reference.
func (p *OpenAIProvider) convertToOpenAIRequest(req *types.ChatRequest) *openai.ChatCompletionRequest {
	var messages []openai.ChatCompletionMessage
	for _, msg := range req.Messages {
		openaiMsg := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}

		switch content := msg.Content.(type) {
		case string:
			openaiMsg.Content = content
		case []types.ContentPart:
			var multiContent []openai.ChatMessagePart
			for _, part := range content {
				switch part.Type {
				case "text":
					multiContent = append(multiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				case "image_url":
					if part.ImageURL != nil {
						multiContent = append(multiContent, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL:    part.ImageURL.URL,
								Detail: openai.ImageURLDetail(part.ImageURL.Detail),
							},
						})
					}
				}
			}
			openaiMsg.MultiContent = multiContent
		}

		for _, tc := range msg.ToolCalls {
			openaiMsg.ToolCalls = append(openaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}

		messages = append(messages, openaiMsg)
	}

	openaiReq := &openai.ChatCompletionRequest{
		Model:    p.config.Model,
		Messages: messages,
		Stop:     req.Stop,
		Stream:   req.Stream,
	}

	if req.Temperature != nil {
		openaiReq.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		openaiReq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		openaiReq.TopP = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		openaiReq.FrequencyPenalty = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		openaiReq.PresencePenalty = *req.PresencePenalty
	}
	if req.Seed != nil {
		openaiReq.Seed = req.Seed
	}
	if p.config.Proxy && len(req.Metadata) > 0 {
		openaiReq.Metadata = req.Metadata
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		openaiReq.Tools = append(openaiReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	if len(openaiReq.Tools) > 0 {
		openaiReq.ToolChoice = req.ToolChoice
	}

	if req.ResponseFormat != nil {
		openaiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatType(req.ResponseFormat.Type),
		}
	}

	return openaiReq
}

// convertFromOpenAIResponse converts OpenAI's response to our format
func (p *OpenAIProvider) convertFromOpenAIResponse(resp *openai.ChatCompletionResponse) *types.ChatResponse {
	var choices []types.Choice
	for _, choice := range resp.Choices {
		ourChoice := types.Choice{
			Index:        choice.Index,
			FinishReason: string(choice.FinishReason),
			Message: types.Message{
				Role:    choice.Message.Role,
				Content: choice.Message.Content,
			},
		}

		for _, tc := range choice.Message.ToolCalls {
			ourChoice.Message.ToolCalls = append(ourChoice.Message.ToolCalls, types.ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: types.Function{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}

		choices = append(choices, ourChoice)
	}

	var usage *types.Usage
	if resp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	return &types.ChatResponse{
		ID:                resp.ID,
		Object:            resp.Object,
		Created:           resp.Created,
		Model:             resp.Model,
		Choices:           choices,
		Usage:             usage,
		SystemFingerprint: resp.SystemFingerprint,
	}
}

// convertFromOpenAIChunk converts OpenAI's streaming chunk to our format
func (p *OpenAIProvider) convertFromOpenAIChunk(chunk *openai.ChatCompletionStreamResponse) *types.ChatChunk {
	var choices []types.ChoiceChunk
	for _, choice := range chunk.Choices {
		ourChoice := types.ChoiceChunk{
			Index:        choice.Index,
			FinishReason: string(choice.FinishReason),
		}

		if choice.Delta.Content != "" || choice.Delta.Role != "" || len(choice.Delta.ToolCalls) > 0 {
			ourChoice.Delta = &types.Message{
				Role:    choice.Delta.Role,
				Content: choice.Delta.Content,
			}
			for _, tc := range choice.Delta.ToolCalls {
				ourChoice.Delta.ToolCalls = append(ourChoice.Delta.ToolCalls, types.ToolCall{
					ID:   tc.ID,
					Type: string(tc.Type),
					Function: types.Function{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				})
			}
		}

		choices = append(choices, ourChoice)
	}

	var usage *types.Usage
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}

	return &types.ChatChunk{
		ID:                chunk.ID,
		Object:            chunk.Object,
		Created:           chunk.Created,
		Model:             chunk.Model,
		Choices:           choices,
		Usage:             usage,
		SystemFingerprint: chunk.SystemFingerprint,
	}
}

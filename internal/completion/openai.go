package completion

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
)

// DefaultModel is used when a request does not name one.
const DefaultModel = "gpt-4o-2024-05-13"

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

type OpenAICompleter struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
}

func NewOpenAICompleter(config OpenAIConfig, logger *zap.Logger) *OpenAICompleter {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	model := config.Model
	if model == "" {
		model = DefaultModel
	}

	return &OpenAICompleter{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		logger:      logger,
	}
}

func (c *OpenAICompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns))
	for _, turn := range req.Turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    chatRole(turn.Role),
			Content: turn.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			MaxTokens:   c.maxTokens,
			Temperature: float32(c.temperature),
		},
	)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("OpenAI API error",
				zap.Error(err),
				zap.Int("status", apiErr.HTTPStatusCode),
				zap.String("model", model))
		} else {
			c.logger.Error("Failed to get chat completion", zap.Error(err), zap.String("model", model))
		}
		return nil, apperror.Upstream("completion", err)
	}

	if len(resp.Choices) == 0 {
		return nil, apperror.Validation("completion returned no choices", nil)
	}

	out := &Response{Text: strings.TrimSpace(resp.Choices[0].Message.Content)}
	if total := int64(resp.Usage.TotalTokens); total > 0 {
		out.Usage = &total
	}
	return out, nil
}

func chatRole(role string) string {
	switch role {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/rlmd/internal/retry"
	"github.com/haasonsaas/rlmd/internal/taxonomy"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// OpenAIAdapter implements Client against the OpenAI Chat Completions
// API. Unlike AnthropicAdapter, it uses OpenAI's native
// response_format json_schema mode, so it is not wrapped by
// SchemaEnforcing: the vendor itself refuses to emit a non-conforming
// response. Transient failures are retried the same way as the other
// adapters.
type OpenAIAdapter struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
	timeout      time.Duration
	retryConfig  retry.Config
}

// OpenAIConfig configures OpenAIAdapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Timeout      time.Duration

	// RetryConfig governs retries of the underlying chat completion
	// call. Zero value falls back to retry.DefaultConfig().
	RetryConfig retry.Config
}

// NewOpenAIAdapter constructs an adapter from cfg.
func NewOpenAIAdapter(cfg OpenAIConfig) (*OpenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts <= 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIAdapter{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout,
		retryConfig:  cfg.RetryConfig,
	}, nil
}

// Chat implements Client.
func (a *OpenAIAdapter) Chat(ctx context.Context, messages []models.Message, model string, opts ChatOpts) (ChatResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if model == "" {
		model = a.defaultModel
	}

	schema := opts.Schema
	if schema == nil {
		var err error
		schema, err = DefaultSchema()
		if err != nil {
			return ChatResult{}, taxonomy.New(models.ClassFormat, "llm.chat", err)
		}
	}

	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(messages),
		MaxTokens: a.maxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   schemaName(schema),
				Schema: json.RawMessage(schema.Source),
				Strict: true,
			},
		},
	}

	resp, res := retry.DoWithValue(ctx, a.retryConfig, func() (openai.ChatCompletionResponse, error) {
		r, err := a.client.CreateChatCompletion(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return r, retry.Permanent(err)
		}
		return r, err
	})
	if err := res.Err; err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ChatResult{}, taxonomy.New(models.ClassTransport, "llm.chat", fmt.Errorf("%w: %v", taxonomy.ErrLLMTimeout, err))
		}
		return ChatResult{}, taxonomy.New(models.ClassTransport, "llm.chat", err)
	}
	if len(resp.Choices) == 0 {
		return ChatResult{}, taxonomy.New(models.ClassFormat, "llm.chat",
			fmt.Errorf("%w: no choices returned", taxonomy.ErrFormatInvalid))
	}

	return ChatResult{
		Text: resp.Choices[0].Message.Content,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Known:            true,
		},
	}, nil
}

func schemaName(schema *Schema) string {
	if schema.Name != "" {
		return schema.Name
	}
	return "rlm_response"
}

func convertOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case models.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		result = append(result, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return result
}

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/rlmd/internal/retry"
	"github.com/haasonsaas/rlmd/internal/taxonomy"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// AnthropicAdapter implements Client against the Anthropic Messages
// API using a single non-streaming call per chat(): the worker's loop
// needs the complete {reasoning, code} object before it can proceed to
// eval, so there is nothing to stream to. Transient failures (network
// errors, 5xx responses) are retried with backoff before surfacing a
// transport error to the Worker.
type AnthropicAdapter struct {
	client       anthropic.Client
	defaultModel string
	maxTokens    int
	timeout      time.Duration
	retryConfig  retry.Config
}

// AnthropicConfig configures AnthropicAdapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Timeout      time.Duration

	// RetryConfig governs retries of the underlying Messages.New call.
	// Zero value falls back to retry.DefaultConfig().
	RetryConfig retry.Config
}

// NewAnthropicAdapter constructs an adapter from cfg. APIKey is
// required; all other fields fall back to sensible defaults.
func NewAnthropicAdapter(cfg AnthropicConfig) (*AnthropicAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-opus-4-1-20250805"
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

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(options...)

	return &AnthropicAdapter{
		client:       client,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout,
		retryConfig:  cfg.RetryConfig,
	}, nil
}

// Chat implements Client.
func (a *AnthropicAdapter) Chat(ctx context.Context, messages []models.Message, model string, opts ChatOpts) (ChatResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if model == "" {
		model = a.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(a.maxTokens),
		Messages:  convertMessages(messages),
	}
	if system := extractSystem(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, res := retry.DoWithValue(ctx, a.retryConfig, func() (*anthropic.Message, error) {
		m, err := a.client.Messages.New(ctx, params)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, retry.Permanent(err)
		}
		return m, err
	})
	if err := res.Err; err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ChatResult{}, taxonomy.New(models.ClassTransport, "llm.chat", fmt.Errorf("%w: %v", taxonomy.ErrLLMTimeout, err))
		}
		return ChatResult{}, taxonomy.New(models.ClassTransport, "llm.chat", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return ChatResult{
		Text: text,
		Usage: models.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			Known:            true,
		},
	}, nil
}

func convertMessages(messages []models.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			// Anthropic carries the system prompt out of band; callers
			// extract it separately via extractSystem.
			continue
		case models.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return result
}

func extractSystem(messages []models.Message) string {
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			return m.Content
		}
	}
	return ""
}

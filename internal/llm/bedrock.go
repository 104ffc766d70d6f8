package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/haasonsaas/rlmd/internal/retry"
	"github.com/haasonsaas/rlmd/internal/taxonomy"
	"github.com/haasonsaas/rlmd/pkg/models"
)

// BedrockAdapter implements Client against AWS Bedrock's Converse API
// (non-streaming; the worker's loop needs the complete response before
// it can proceed to eval). Bedrock's Converse API has no JSON-schema
// response-format parameter, so this adapter is meant to be wrapped in
// SchemaEnforcing the same way AnthropicAdapter is. Transient failures
// are retried the same way as the other adapters.
type BedrockAdapter struct {
	client       *bedrockruntime.Client
	defaultModel string
	maxTokens    int
	timeout      time.Duration
	retryConfig  retry.Config
}

// BedrockConfig configures BedrockAdapter.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxTokens       int
	Timeout         time.Duration

	// RetryConfig governs retries of the underlying Converse call.
	// Zero value falls back to retry.DefaultConfig().
	RetryConfig retry.Config
}

// NewBedrockAdapter constructs an adapter from cfg, loading AWS
// credentials from the default chain unless explicit keys are given.
func NewBedrockAdapter(ctx context.Context, cfg BedrockConfig) (*BedrockAdapter, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
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

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("llm: bedrock: load AWS config: %w", err)
	}

	return &BedrockAdapter{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		timeout:      cfg.Timeout,
		retryConfig:  cfg.RetryConfig,
	}, nil
}

// Chat implements Client.
func (a *BedrockAdapter) Chat(ctx context.Context, messages []models.Message, model string, opts ChatOpts) (ChatResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if model == "" {
		model = a.defaultModel
	}

	maxTokens := int32(a.maxTokens)
	req := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: convertBedrockMessages(messages),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(maxTokens),
		},
	}
	if system := extractSystem(messages); system != "" {
		req.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}

	resp, res := retry.DoWithValue(ctx, a.retryConfig, func() (*bedrockruntime.ConverseOutput, error) {
		r, err := a.client.Converse(ctx, req)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, retry.Permanent(err)
		}
		return r, err
	})
	if err := res.Err; err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ChatResult{}, taxonomy.New(models.ClassTransport, "llm.chat", fmt.Errorf("%w: %v", taxonomy.ErrLLMTimeout, err))
		}
		return ChatResult{}, taxonomy.New(models.ClassTransport, "llm.chat", err)
	}

	output, ok := resp.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ChatResult{}, taxonomy.New(models.ClassFormat, "llm.chat",
			fmt.Errorf("%w: no message in converse output", taxonomy.ErrFormatInvalid))
	}

	var text string
	for _, block := range output.Value.Content {
		if tb, ok := block.(*types.ContentBlockMemberText); ok {
			text += tb.Value
		}
	}

	usage := models.Usage{}
	if resp.Usage != nil {
		usage = models.Usage{
			PromptTokens:     int(aws.ToInt32(resp.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(resp.Usage.OutputTokens)),
			Known:            true,
		}
	}

	return ChatResult{Text: text, Usage: usage}, nil
}

func convertBedrockMessages(messages []models.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
		})
	}
	return result
}

package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicDefaultMaxTokens is used when the config leaves max tokens unset;
// the messages API requires a value.
const anthropicDefaultMaxTokens = 1024

// AnthropicAnalyzer uses the Anthropic messages API with a base64 image block.
type AnthropicAnalyzer struct {
	client anthropic.Client
}

// NewAnthropicAnalyzer creates an Anthropic client with retries disabled.
func NewAnthropicAnalyzer(apiKey, endpoint string) *AnthropicAnalyzer {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(endpoint, "/")))
	}
	return &AnthropicAnalyzer{client: anthropic.NewClient(opts...)}
}

func (a *AnthropicAnalyzer) AnalyzeImage(ctx context.Context, req Request) (*RawResponse, error) {
	maxTokens := int64(req.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewImageBlockBase64(req.MimeType, base64.StdEncoding.EncodeToString(req.Image)),
				anthropic.NewTextBlock(req.Prompt),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("no text in Anthropic response")
	}

	return &RawResponse{
		Text: text.String(),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
			TotalTokens:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
		},
	}, nil
}

package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

// CompatibleAnalyzer talks to OpenAI-compatible gateways (vLLM, Ollama,
// OpenRouter, LiteLLM) over plain HTTP.
type CompatibleAnalyzer struct {
	client *resty.Client
}

// NewCompatibleAnalyzer creates an analyzer for the gateway at endpoint. The
// API key is optional.
func NewCompatibleAnalyzer(endpoint, apiKey string) (*CompatibleAnalyzer, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("openai-compatible provider requires an endpoint")
	}
	endpoint = strings.TrimSuffix(endpoint, "/v1")

	client := resty.New().
		SetBaseURL(endpoint).
		SetHeader("Content-Type", "application/json")
	if apiKey = strings.TrimSpace(apiKey); apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &CompatibleAnalyzer{client: client}, nil
}

type compatibleContentPart struct {
	Type     string              `json:"type"`
	Text     string              `json:"text,omitempty"`
	ImageURL *compatibleImageURL `json:"image_url,omitempty"`
}

type compatibleImageURL struct {
	URL string `json:"url"`
}

type compatibleMessage struct {
	Role    string                  `json:"role"`
	Content []compatibleContentPart `json:"content"`
}

type compatibleRequest struct {
	Model       string              `json:"model"`
	Messages    []compatibleMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
}

type compatibleResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *CompatibleAnalyzer) AnalyzeImage(ctx context.Context, req Request) (*RawResponse, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MimeType, base64.StdEncoding.EncodeToString(req.Image))

	body := compatibleRequest{
		Model: req.Model,
		Messages: []compatibleMessage{{
			Role: "user",
			Content: []compatibleContentPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &compatibleImageURL{URL: dataURL}},
			},
		}},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}

	var result compatibleResponse
	res, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("failed to call openai-compatible endpoint: %w", err)
	}
	if res.IsError() {
		msg := strings.TrimSpace(res.String())
		if result.Error != nil && result.Error.Message != "" {
			msg = result.Error.Message
		}
		return nil, fmt.Errorf("openai-compatible error (status %d): %s", res.StatusCode(), msg)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("empty response from openai-compatible endpoint")
	}

	return &RawResponse{
		Text: result.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  result.Usage.PromptTokens,
			OutputTokens: result.Usage.CompletionTokens,
			TotalTokens:  result.Usage.TotalTokens,
		},
	}, nil
}

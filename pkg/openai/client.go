// Package openai provides a thin wrapper around the official OpenAI Go SDK
// for chat completions.
package openai

import (
	"context"
	"errors"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/rotisserie/eris"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// ErrNoChoices is returned when the API response has no completion choices.
var ErrNoChoices = errors.New("openai: no choices in response")

// Client performs chat completions.
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a single-turn chat completion request.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	Temperature *float64
	MaxTokens   int64
}

// ChatResponse is the first completion choice plus usage.
type ChatResponse struct {
	ID               string
	Model            string
	Content          string
	FinishReason     string
	PromptTokens     int64
	CompletionTokens int64
}

type sdkClient struct {
	sdk   openaisdk.Client
	model string
}

// ClientOption configures the client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	model   string
	request []option.RequestOption
}

// WithModel overrides the default model.
func WithModel(model string) ClientOption {
	return func(o *clientOptions) {
		if strings.TrimSpace(model) != "" {
			o.model = strings.TrimSpace(model)
		}
	}
}

// WithBaseURL points the client at a different API host. Empty keeps the
// SDK default.
func WithBaseURL(url string) ClientOption {
	return func(o *clientOptions) {
		if url != "" {
			o.request = append(o.request, option.WithBaseURL(url))
		}
	}
}

// NewClient creates an OpenAI chat client. SDK-level retries are disabled.
func NewClient(apiKey string, opts ...ClientOption) Client {
	o := &clientOptions{model: DefaultModel}
	for _, opt := range opts {
		opt(o)
	}
	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, o.request...)

	return &sdkClient{
		sdk:   openaisdk.NewClient(reqOpts...),
		model: o.model,
	}
}

func (c *sdkClient) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var msgs []openaisdk.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openaisdk.SystemMessage(req.System))
	}
	msgs = append(msgs, openaisdk.UserMessage(req.User))

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(model),
		Messages: msgs,
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(req.MaxTokens)
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "openai: chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	return &ChatResponse{
		ID:               resp.ID,
		Model:            resp.Model,
		Content:          resp.Choices[0].Message.Content,
		FinishReason:     resp.Choices[0].FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// StatusCode extracts the HTTP status of an API error, if err carries one.
func StatusCode(err error) (int, bool) {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode, true
	}
	return 0, false
}

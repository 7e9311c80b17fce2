package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/pkg/anthropic"
	"github.com/sells-group/enrich-cli/pkg/gemini"
	"github.com/sells-group/enrich-cli/pkg/openai"
	"github.com/sells-group/enrich-cli/pkg/perplexity"
)

// completeFunc sends one system+user prompt and returns the raw model text.
type completeFunc func(ctx context.Context, c model.Capability, system, user string) (string, error)

// statusFunc extracts an HTTP status code from a vendor error.
type statusFunc func(err error) (int, bool)

// LLMAdapter is an Adapter backed by a chat-style language model. All vendors
// share the prompt and the response validation; only transport differs.
type LLMAdapter struct {
	name       string
	capability model.Capability
	category   string
	complete   completeFunc
	status     statusFunc
}

// LLMOption configures an LLMAdapter.
type LLMOption func(*LLMAdapter)

// WithCategory overrides the category description used in prompts.
func WithCategory(category string) LLMOption {
	return func(a *LLMAdapter) {
		if strings.TrimSpace(category) != "" {
			a.category = strings.TrimSpace(category)
		}
	}
}

func newLLMAdapter(name string, c model.Capability, complete completeFunc, status statusFunc, opts []LLMOption) *LLMAdapter {
	a := &LLMAdapter{
		name:       name,
		capability: c,
		category:   DefaultCategory,
		complete:   complete,
		status:     status,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Name implements Adapter.
func (a *LLMAdapter) Name() string { return a.name }

// Capability implements Adapter.
func (a *LLMAdapter) Capability() model.Capability { return a.capability }

// Invoke implements Adapter.
func (a *LLMAdapter) Invoke(ctx context.Context, rec model.Record) Result {
	system, user := BuildPrompt(a.capability, rec, a.category)

	text, err := a.complete(ctx, a.capability, system, user)
	if err != nil {
		return Failed(a.name, a.normalizeErr(err))
	}

	switch a.capability {
	case model.CapabilityClassification:
		res, raw, err := ParseClassification(text)
		if err != nil {
			return Failed(a.name, err)
		}
		conf := res.Confidence
		return Succeeded(a.name, res, &conf, raw)
	case model.CapabilityEnhancement:
		res, conf, raw, err := ParseEnhancement(text)
		if err != nil {
			return Failed(a.name, err)
		}
		return Succeeded(a.name, res, conf, raw)
	default:
		return Failed(a.name, eris.Errorf("unsupported capability %q", a.capability))
	}
}

// normalizeErr turns vendor API errors into resilience.StatusError so the
// failure kind is recorded uniformly.
func (a *LLMAdapter) normalizeErr(err error) error {
	if a.status == nil {
		return err
	}
	if code, ok := a.status(err); ok {
		hint, _ := resilience.RetryAfter(err)
		return &resilience.StatusError{Provider: a.name, StatusCode: code, Body: err.Error(), RetryAfter: hint}
	}
	return err
}

// NewAnthropic builds an adapter backed by the Anthropic Messages API.
func NewAnthropic(client anthropic.Client, c model.Capability, modelName string, opts ...LLMOption) *LLMAdapter {
	if modelName == "" {
		modelName = anthropic.DefaultModel
	}
	temp := 0.0
	complete := func(ctx context.Context, c model.Capability, system, user string) (string, error) {
		resp, err := client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       modelName,
			MaxTokens:   1024,
			System:      system,
			Messages:    []anthropic.Message{{Role: "user", Content: user}},
			Temperature: &temp,
		})
		if err != nil {
			return "", err
		}
		resp.Usage.LogCost(modelName, string(c))
		if resp.Truncated() {
			return "", resilience.Malformed(eris.New("anthropic response hit max_tokens"))
		}
		return resp.Text(), nil
	}
	return newLLMAdapter("anthropic", c, complete, anthropic.StatusCode, opts)
}

// NewOpenAI builds an adapter backed by OpenAI chat completions.
func NewOpenAI(client openai.Client, c model.Capability, modelName string, opts ...LLMOption) *LLMAdapter {
	temp := 0.0
	complete := func(ctx context.Context, c model.Capability, system, user string) (string, error) {
		resp, err := client.Complete(ctx, openai.ChatRequest{
			Model:       modelName,
			System:      system,
			User:        user,
			Temperature: &temp,
			MaxTokens:   1024,
		})
		if err != nil {
			return "", err
		}
		zap.L().Debug("openai: token usage",
			zap.String("capability", string(c)),
			zap.Int64("prompt_tokens", resp.PromptTokens),
			zap.Int64("completion_tokens", resp.CompletionTokens),
		)
		return resp.Content, nil
	}
	return newLLMAdapter("openai", c, complete, openai.StatusCode, opts)
}

var classificationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"is_target_category": {Type: genai.TypeBoolean},
		"confidence":         {Type: genai.TypeNumber},
		"tags":               {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"rationale":          {Type: genai.TypeString},
	},
	Required: []string{"is_target_category", "confidence", "tags", "rationale"},
}

var enhancementSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"enhanced_description": {Type: genai.TypeString},
		"keywords":             {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"suggested_tags":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
	},
	Required: []string{"enhanced_description", "keywords", "suggested_tags"},
}

// NewGemini builds an adapter backed by Gemini structured output.
func NewGemini(client gemini.Client, c model.Capability, modelName string, opts ...LLMOption) *LLMAdapter {
	schema := classificationSchema
	if c == model.CapabilityEnhancement {
		schema = enhancementSchema
	}
	var temp float32
	complete := func(ctx context.Context, c model.Capability, system, user string) (string, error) {
		resp, err := client.Generate(ctx, gemini.GenerateRequest{
			Model:       modelName,
			System:      system,
			Prompt:      user,
			Schema:      schema,
			Temperature: &temp,
		})
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
	return newLLMAdapter("gemini", c, complete, gemini.StatusCode, opts)
}

var (
	classificationJSONSchema = json.RawMessage(`{"type":"object","properties":{"is_target_category":{"type":"boolean"},"confidence":{"type":"number"},"tags":{"type":"array","items":{"type":"string"}},"rationale":{"type":"string"}},"required":["is_target_category","confidence","tags","rationale"]}`)
	enhancementJSONSchema    = json.RawMessage(`{"type":"object","properties":{"enhanced_description":{"type":"string"},"keywords":{"type":"array","items":{"type":"string"}},"suggested_tags":{"type":"array","items":{"type":"string"}}},"required":["enhanced_description","keywords","suggested_tags"]}`)
)

// NewPerplexity builds an adapter backed by Perplexity chat completions.
func NewPerplexity(client perplexity.Client, c model.Capability, modelName string, opts ...LLMOption) *LLMAdapter {
	format := perplexity.SchemaFormat(classificationJSONSchema)
	if c == model.CapabilityEnhancement {
		format = perplexity.SchemaFormat(enhancementJSONSchema)
	}
	temp := 0.0
	complete := func(ctx context.Context, _ model.Capability, system, user string) (string, error) {
		resp, err := client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Model: modelName,
			Messages: []perplexity.Message{
				{Role: "system", Content: system},
				{Role: "user", Content: user},
			},
			Temperature:    &temp,
			ResponseFormat: format,
		})
		if err != nil {
			return "", err
		}
		if resp.Content() == "" {
			return "", resilience.Malformed(eris.New("perplexity returned no choices"))
		}
		return resp.Content(), nil
	}
	return newLLMAdapter("perplexity", c, complete, perplexity.StatusCode, opts)
}

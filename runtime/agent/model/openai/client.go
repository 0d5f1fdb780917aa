// Package openai provides a model.Backend implementation backed by the
// OpenAI Chat Completions API, trimmed from the chat/tool-calling client
// this was adapted from down to the single prompt-in/string-out shape the
// step graph engine's Reason node needs.
package openai

import (
	"context"
	"errors"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/deskagent/runtime/agent/model"
)

// ChatClient captures the subset of the openai-go client used by the
// adapter, so callers can pass either the real client or a mock in tests.
type ChatClient interface {
	New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	// DefaultModel is used for model.ModelClassDefault.
	DefaultModel string
	// HighModel is used for model.ModelClassHighReasoning.
	HighModel string
	// SmallModel is used for model.ModelClassSmall.
	SmallModel string
	// MaxTokens is the default completion cap when a call does not specify one.
	MaxTokens int
	// Temperature is the default sampling temperature.
	Temperature float64
}

// Client implements model.Backend via OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float64
}

// New builds an OpenAI-backed model.Backend from the provided options.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, opts)
}

// Generate implements model.Backend.
func (c *Client) Generate(ctx context.Context, prompt string, opts model.Options) (string, error) {
	if prompt == "" {
		return "", errors.New("openai: prompt is required")
	}
	modelID := c.resolveModelID(opts)
	if modelID == "" {
		return "", errors.New("openai: model identifier is required")
	}

	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(modelID),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.UserMessage(prompt),
		},
	}
	if maxTokens := c.effectiveMaxTokens(opts.MaxTokens); maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
	}
	if temp := c.effectiveTemperature(opts.Temperature); temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", model.ClassifyProviderError("openai", "chat.completions.new", err)
	}
	return extractText(resp), nil
}

func (c *Client) resolveModelID(opts model.Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	switch opts.Class {
	case model.ModelClassHighReasoning:
		if c.highModel != "" {
			return c.highModel
		}
	case model.ModelClassSmall:
		if c.smallModel != "" {
			return c.smallModel
		}
	}
	return c.defaultModel
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func extractText(resp *sdk.ChatCompletion) string {
	if resp == nil || len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

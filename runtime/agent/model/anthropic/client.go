// Package anthropic provides a model.Backend implementation backed by the
// Anthropic Claude Messages API, trimmed from the chat/tool-calling client
// this was adapted from down to the single prompt-in/string-out shape the
// step graph engine's Reason node needs.
package anthropic

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/deskagent/runtime/agent/model"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures optional Anthropic adapter behavior.
type Options struct {
	// DefaultModel is used for model.ModelClassDefault and whenever
	// Options.Model is empty and no more specific class model is configured.
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

// Client implements model.Backend on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float64
}

// New builds an Anthropic-backed model.Backend from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client
// authenticated with apiKey; an empty apiKey is rejected.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Generate implements model.Backend.
func (c *Client) Generate(ctx context.Context, prompt string, opts model.Options) (string, error) {
	if prompt == "" {
		return "", errors.New("anthropic: prompt is required")
	}
	modelID := c.resolveModelID(opts)
	if modelID == "" {
		return "", errors.New("anthropic: model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(modelID),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if t := c.effectiveTemperature(opts.Temperature); t > 0 {
		params.Temperature = sdk.Float(t)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return "", model.ClassifyProviderError("anthropic", "messages.new", err)
	}
	return extractText(msg), nil
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

func (c *Client) effectiveTemperature(requested float32) float64 {
	if requested > 0 {
		return float64(requested)
	}
	return c.temp
}

func extractText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var out string
	for _, block := range msg.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}
	return out
}

// Package bedrock provides a model.Backend implementation backed by the AWS
// Bedrock Converse API, trimmed from the chat/tool-calling client this was
// adapted from down to the single prompt-in/string-out shape the step graph
// engine's Reason node needs.
package bedrock

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/deskagent/runtime/agent/model"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass
// either the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	// DefaultModel is the model identifier used for model.ModelClassDefault.
	DefaultModel string
	// HighModel is used for model.ModelClassHighReasoning.
	HighModel string
	// SmallModel is used for model.ModelClassSmall.
	SmallModel string
	// MaxTokens is the default completion cap when a call does not specify one.
	MaxTokens int
	// Temperature is the default sampling temperature.
	Temperature float32
}

// Client implements model.Backend on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	highModel    string
	smallModel   string
	maxTok       int
	temp         float32
}

// New builds a Bedrock-backed model.Backend.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		highModel:    opts.HighModel,
		smallModel:   opts.SmallModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Generate implements model.Backend.
func (c *Client) Generate(ctx context.Context, prompt string, opts model.Options) (string, error) {
	if prompt == "" {
		return "", errors.New("bedrock: prompt is required")
	}
	modelID := c.resolveModelID(opts)
	if modelID == "" {
		return "", errors.New("bedrock: model identifier is required")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(modelID),
		Messages: []brtypes.Message{
			{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: prompt}},
			},
		},
	}
	if cfg := c.inferenceConfig(opts); cfg != nil {
		input.InferenceConfig = cfg
	}

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return "", model.ClassifyProviderError("bedrock", "converse", err)
	}
	return extractText(out), nil
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

func (c *Client) inferenceConfig(opts model.Options) *brtypes.InferenceConfiguration {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	temp := opts.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if maxTokens <= 0 && temp <= 0 {
		return nil
	}
	cfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		v := int32(maxTokens)
		cfg.MaxTokens = &v
	}
	if temp > 0 {
		cfg.Temperature = &temp
	}
	return cfg
}

func extractText(out *bedrockruntime.ConverseOutput) string {
	if out == nil {
		return ""
	}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	var text string
	for _, block := range msgOutput.Value.Content {
		if t, ok := block.(*brtypes.ContentBlockMemberText); ok {
			text += t.Value
		}
	}
	return text
}

// Package genai provides text generation through the OpenAI API,
// exposed to flows as the generate_text capability.
package genai

import (
	"context"
	"fmt"
	"os"

	"github.com/convoflow/convoflow/internal/engine"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.ChatModelGPT4oMini

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey string
	Model  string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps the OpenAI chat completion API.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient creates a GenAI client, falling back to the OPENAI_API_KEY
// environment variable.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	model := DefaultModel
	if cfg.Model != "" {
		model = openai.ChatModel(cfg.Model)
	}
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
	}, nil
}

// GenerateText produces a completion for the given system and user
// prompts.
func (c *Client) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Capability adapts the client to the engine's capability contract.
// Parameters: "prompt" (required), "system" (optional). The generated
// text is returned under "text".
func (c *Client) Capability() engine.CapabilityFunc {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		prompt, _ := params["prompt"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("generate_text requires a prompt parameter")
		}
		system, _ := params["system"].(string)
		text, err := c.GenerateText(ctx, system, prompt)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	}
}

// Register makes the client available to flows as the generate_text
// capability.
func (c *Client) Register() {
	engine.RegisterCapability("generate_text", c.Capability())
}

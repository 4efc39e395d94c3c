package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/entrepeneur4lyf/threadbridge/internal/llm"
)

// AnthropicOptions configures the Anthropic one-shot completer
type AnthropicOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	// MaxRetries is the SDK's transport retry count.
	MaxRetries int
}

// AnthropicCompleter answers one-shot requests with the Messages API
type AnthropicCompleter struct {
	client  *anthropic.Client
	options AnthropicOptions
}

// NewAnthropicCompleter creates a completer using the official SDK
func NewAnthropicCompleter(options AnthropicOptions) *AnthropicCompleter {
	reqOpts := []option.RequestOption{option.WithAPIKey(options.APIKey)}
	if options.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(options.BaseURL))
	}
	if options.MaxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(options.MaxRetries))
	}
	client := anthropic.NewClient(reqOpts...)

	if options.Model == "" {
		options.Model = string(anthropic.ModelClaudeSonnet4_5)
	}
	if options.MaxTokens <= 0 {
		options.MaxTokens = 2048
	}

	return &AnthropicCompleter{client: &client, options: options}
}

// Complete converts the history into alternating turns and returns the text
// of the response
func (c *AnthropicCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam

	for _, msg := range messages {
		text := msg.Text()
		switch msg.Role {
		case llm.RoleSystem:
			if text != "" {
				system = append(system, anthropic.TextBlockParam{Text: text})
			}
		case llm.RoleAssistant:
			if text != "" {
				turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
			}
		default:
			var blocks []anthropic.ContentBlockParamUnion
			if text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, block := range msg.Content {
				if img, ok := block.(llm.ImageURLBlock); ok {
					blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL}))
				}
			}
			if len(blocks) > 0 {
				turns = append(turns, anthropic.NewUserMessage(blocks...))
			}
		}
	}

	if len(turns) == 0 {
		return "", fmt.Errorf("no messages to complete")
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.options.Model),
		MaxTokens: c.options.MaxTokens,
		System:    system,
		Messages:  turns,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", classifyAnthropicError(err))
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// classifyAnthropicError maps API failures onto provider error kinds. The
// SDK error carries the status; type and message live in the raw body.
func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(apiErr.RawJSON()), &body)

	var header http.Header
	if apiErr.Response != nil {
		header = apiErr.Response.Header
	}
	return llm.ClassifyStatus(err, apiErr.StatusCode, body.Error.Type, body.Error.Message, header)
}

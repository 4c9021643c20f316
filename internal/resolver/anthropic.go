package resolver

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250929"

// Anthropic resolves names with the Claude messages API
type Anthropic struct {
	client     anthropic.Client
	model      string
	securities []Security
}

// NewAnthropic creates a Claude-backed resolver
func NewAnthropic(apiKey, model string, securities []Security) *Anthropic {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		securities: securities,
	}
}

// Resolve implements Resolver
func (a *Anthropic) Resolve(ctx context.Context, text string) (*Resolution, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildPrompt(text, a.securities))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("claude API call failed: %w", err)
	}

	var reply string
	for _, block := range message.Content {
		if block.Type == "text" {
			reply += block.Text
		}
	}
	if reply == "" {
		return nil, fmt.Errorf("%w: empty response from Claude API", ErrBadResponse)
	}

	return parseAnswer(reply, BackendAnthropic)
}

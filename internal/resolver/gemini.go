package resolver

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini resolves names with the Gemini API
type Gemini struct {
	client     *genai.Client
	model      string
	securities []Security
}

// NewGemini creates a Gemini-backed resolver
func NewGemini(ctx context.Context, apiKey, model string, securities []Security) (*Gemini, error) {
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Gemini{client: client, model: model, securities: securities}, nil
}

// Resolve implements Resolver
func (g *Gemini) Resolve(ctx context.Context, text string) (*Resolution, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		genai.Text(buildPrompt(text, g.securities)),
		&genai.GenerateContentConfig{
			ResponseMIMEType: "application/json",
			Temperature:      genai.Ptr[float32](0),
		})
	if err != nil {
		return nil, fmt.Errorf("gemini API call failed: %w", err)
	}

	reply := resp.Text()
	if reply == "" {
		return nil, fmt.Errorf("%w: empty response from Gemini API", ErrBadResponse)
	}

	return parseAnswer(reply, BackendGemini)
}

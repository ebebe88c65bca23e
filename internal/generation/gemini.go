package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultModel is the Gemini model used for content generation.
const DefaultModel = "gemini-1.5-flash"

var ErrEmptyResponse = errors.New("generator returned no text")

// Generator produces content for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Result, error)
}

// GeminiGenerator calls the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiGenerator opens a Gemini client. Close releases it.
func NewGeminiGenerator(ctx context.Context, apiKey string, modelName string) (*GeminiGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiGenerator{client: client, model: client.GenerativeModel(modelName)}, nil
}

// Generate returns the concatenated text parts of the first candidate.
func (generator *GeminiGenerator) Generate(ctx context.Context, prompt string) (Result, error) {
	response, err := generator.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	var builder strings.Builder
	for _, candidate := range response.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				builder.WriteString(string(text))
			}
		}
		break
	}
	if builder.Len() == 0 {
		return nil, ErrEmptyResponse
	}
	return RawText{Text: builder.String()}, nil
}

// Close releases the underlying client.
func (generator *GeminiGenerator) Close() error {
	return generator.client.Close()
}

// Package llmclient implements the LLM Client (C3): a role-parameterized
// ask(role, prompt, schema) facade over a per-role model tier, with
// exponential-backoff retry on transient transport errors, per-model
// request throttling, and bounded schema-validation retry, generalized
// from the teacher's tiered Gemini client and router.
package llmclient

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/corerr"
	"github.com/cogloop/cogloop/internal/schemas"
)

// Transport performs one raw text generation call against a named model.
// Concrete implementations wrap a specific provider SDK; GeminiTransport is
// the only one wired into the Core, matching the teacher's single-provider
// deployment, but the seam exists for the OpenAI/Anthropic provider values
// LLMModelConfig already declares.
type Transport interface {
	Generate(ctx context.Context, model string, req schemas.GenerationRequest) (string, error)
}

// GeminiTransport calls the Gemini API via google.golang.org/genai.
type GeminiTransport struct {
	client *genai.Client
}

// NewGeminiTransport builds a GeminiTransport from a model's API key.
func NewGeminiTransport(ctx context.Context, apiKey string) (*GeminiTransport, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, corerr.Wrap(corerr.KindTransport, "create gemini client", err)
	}
	return &GeminiTransport{client: client}, nil
}

func (t *GeminiTransport) Generate(ctx context.Context, model string, req schemas.GenerationRequest) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(req.UserPrompt, genai.RoleUser)}

	genConfig := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
		TopP:        genai.Ptr(req.TopP),
	}
	if req.TopK > 0 {
		genConfig.TopK = genai.Ptr(float32(req.TopK))
	}
	if req.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SystemPrompt != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	resp, err := t.client.Models.GenerateContent(ctx, model, contents, genConfig)
	if err != nil {
		return "", corerr.Wrap(corerr.KindTransport, fmt.Sprintf("gemini generate_content(%s) failed", model), err)
	}
	text := resp.Text()
	if text == "" {
		return "", corerr.New(corerr.KindTransport, fmt.Sprintf("gemini returned no candidates for %s", model))
	}
	return text, nil
}

// resolveTransport builds the Transport for one configured model, keyed by
// its declared provider. Only Gemini is implemented; other provider values
// are accepted by config but rejected here until a transport is wired in.
func resolveTransport(ctx context.Context, m config.LLMModelConfig) (Transport, error) {
	switch m.Provider {
	case config.ProviderGemini, "":
		return NewGeminiTransport(ctx, m.APIKey)
	default:
		return nil, corerr.New(corerr.KindFatal, fmt.Sprintf("unsupported LLM provider %q", m.Provider))
	}
}

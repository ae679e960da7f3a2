// Package google provides the Google Gemini client implementation for the LLM interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"solver/pkg/agent/llm"
	"solver/pkg/agent/llmerrors"
)

const providerName = "google"

// GeminiClient wraps the Google GenAI client to implement the llm.Client interface.
type GeminiClient struct {
	client *genai.Client
	apiKey string
	model  string
}

// NewClient creates a new Gemini client for a specific model (raw client,
// middleware applied at a higher level).
func NewClient(apiKey, model string) llm.Client {
	// Client creation requires a context, so it is deferred to the first call
	return &GeminiClient{
		client: nil,
		apiKey: apiKey,
		model:  model,
	}
}

// Complete implements the llm.Client interface.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := g.ensureClient(ctx); err != nil {
		return llm.CompletionResponse{}, err
	}

	contents, config, err := g.buildRequest(in)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err, g.model)
	}

	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewEmptyResponseError(providerName, g.model)
	}

	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: stopReason(result),
	}, nil
}

// Stream implements the llm.Client interface using the GenAI streaming iterator.
// Chunks are forwarded as they arrive; a mid-stream error is emitted as a
// terminal chunk carrying the classified error.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	if err := g.ensureClient(ctx); err != nil {
		return nil, err
	}

	contents, config, err := g.buildRequest(in)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)

		for result, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, config) {
			if err != nil {
				ch <- llm.StreamChunk{Error: classifyError(err, g.model)}
				return
			}
			if text := result.Text(); text != "" {
				select {
				case ch <- llm.StreamChunk{Content: text}:
				case <-ctx.Done():
					ch <- llm.StreamChunk{Error: classifyError(ctx.Err(), g.model)}
					return
				}
			}
		}

		ch <- llm.StreamChunk{Done: true}
	}()

	return ch, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// ensureClient lazily creates the underlying GenAI client.
func (g *GeminiClient) ensureClient(ctx context.Context) error {
	if g.client != nil {
		return nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeConfig, err, "failed to create Gemini client")
	}
	g.client = client
	return nil
}

// buildRequest converts a completion request into GenAI contents and config.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) buildRequest(in llm.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents, systemInstruction, err := convertMessages(in.Messages)
	if err != nil {
		return nil, nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	//nolint:gosec // MaxTokens validated at higher layer, overflow acceptable
	maxTokens := int32(in.MaxTokens)
	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: maxTokens,
	}

	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	return contents, config, nil
}

// convertMessages converts our message format to Gemini's Content format.
// System messages are lifted out into a single system instruction; Gemini
// uses "model" where we use "assistant".
func convertMessages(messages []llm.Message) ([]*genai.Content, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	var systemInstruction string
	var contents []*genai.Content

	for i := range messages {
		msg := &messages[i]

		if msg.Role == llm.RoleSystem {
			if systemInstruction != "" {
				systemInstruction += "\n\n" + msg.Content
			} else {
				systemInstruction = msg.Content
			}
			continue
		}

		var role string
		switch msg.Role {
		case llm.RoleUser:
			role = "user"
		case llm.RoleAssistant:
			role = "model"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if msg.Content == "" {
			continue
		}

		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("no user or assistant content after conversion")
	}

	return contents, systemInstruction, nil
}

// classifyError maps GenAI SDK failures onto the error taxonomy. The SDK
// surfaces HTTP failures as APIError with a status code; anything else is
// classified by message inspection.
func classifyError(err error, model string) error {
	if err == nil {
		return nil
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code, err, model)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Gemini request interrupted")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "resource exhausted"), strings.Contains(msg, "quota"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "Gemini rate limit")
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "unauthenticated"), strings.Contains(msg, "permission denied"), strings.Contains(msg, "api key"):
		return llmerrors.NewAPIKeyError(providerName, err.Error())
	case strings.Contains(msg, "not found"), strings.Contains(msg, "404"):
		return llmerrors.NewInvalidModelError(providerName, model)
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"), strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"):
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Gemini transient failure")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Gemini API call failed")
	}
}

// classifyStatus maps an HTTP status code to an error type.
func classifyStatus(code int, err error, model string) error {
	switch {
	case code == http.StatusTooManyRequests:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeRateLimit, err, "Gemini rate limit")
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return llmerrors.NewAPIKeyError(providerName, err.Error())
	case code == http.StatusNotFound:
		return llmerrors.NewInvalidModelError(providerName, model)
	case code == http.StatusBadRequest:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "Gemini rejected the request")
	case code >= 500:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "Gemini server error")
	default:
		return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnknown, err, "Gemini API call failed")
	}
}

// stopReason extracts the finish reason from a Gemini response.
func stopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 {
		return "unknown"
	}

	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified:
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return strings.ToLower(string(result.Candidates[0].FinishReason))
	}
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// Gemini calls Google's Gemini API through the genai SDK.
type Gemini struct {
	name   string
	client *genai.Client
}

// NewGemini creates a Gemini provider. An empty baseURL uses the SDK default.
func NewGemini(ctx context.Context, name, apiKey, baseURL string) (*Gemini, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{name: name, client: client}, nil
}

func (g *Gemini) Name() string { return g.name }

func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.3)),
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", g.classify(ctx, err)
	}
	text := resp.Text()
	if text == "" {
		return "", &Error{Provider: g.name, Kind: KindBadStatus, Status: http.StatusOK, Err: fmt.Errorf("empty response")}
	}
	return text, nil
}

func (g *Gemini) classify(ctx context.Context, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return statusError(g.name, apiErr.Code, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return statusError(g.name, apiErrPtr.Code, apiErrPtr.Message)
	}
	return classify(g.name, ctx, err)
}

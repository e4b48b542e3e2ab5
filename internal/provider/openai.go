package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 60 * time.Second

// Well-known OpenAI-compatible endpoints.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	GroqBaseURL       = "https://api.groq.com/openai/v1"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint
// (OpenRouter, Groq).
type OpenAI struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates a client named name for baseURL.
func NewOpenAI(name, apiKey, baseURL string) *OpenAI {
	return &OpenAI{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}
}

func (c *OpenAI) Name() string { return c.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends a single non-streaming chat completion. HTTP 429 is
// reported as a rate_limit Error without retrying.
func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	cr := chatCompletionRequest{
		Model:       req.Model,
		Temperature: 0.3,
	}
	if req.System != "" {
		cr.Messages = append(cr.Messages, chatMessage{Role: "system", Content: req.System})
	}
	cr.Messages = append(cr.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		cr.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", classify(c.name, ctx, fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", statusError(c.name, resp.StatusCode, string(respBody))
	}

	var result chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", classify(c.name, ctx, fmt.Errorf("decoding response: %w", err))
	}
	if len(result.Choices) == 0 {
		return "", &Error{Provider: c.name, Kind: KindBadStatus, Status: resp.StatusCode, Err: fmt.Errorf("response has no choices")}
	}
	return result.Choices[0].Message.Content, nil
}

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

// DefaultOllamaURL is where a local Ollama listens by default.
const DefaultOllamaURL = "http://localhost:11434"

// Ollama is a completion and embedding client for a local Ollama instance.
type Ollama struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates a client targeting baseURL. Request deadlines come from
// the caller's context.
func NewOllama(name, baseURL string) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	return &Ollama{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

func (c *Ollama) Name() string { return c.name }

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning returns true if the server responds to GET /api/tags with 200.
func (c *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HasModel reports whether the named model is present locally.
func (c *Ollama) HasModel(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, classify(c.name, ctx, fmt.Errorf("requesting model list: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError(c.name, resp.StatusCode, "")
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	for _, m := range tags.Models {
		// "nomic-embed-text:latest" matches "nomic-embed-text".
		if m.Name == name || strings.HasPrefix(m.Name, name+":") {
			return true, nil
		}
	}
	return false, nil
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
func (c *Ollama) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(pullRequest{Name: name, Stream: true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

// EnsureModels checks that Ollama is running and pulls any missing models,
// writing progress to w.
func (c *Ollama) EnsureModels(ctx context.Context, models []string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("ollama is not reachable at %s", c.baseURL)
	}
	for _, model := range models {
		ok, err := c.HasModel(ctx, model)
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err = c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
			}
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

// Complete sends a non-streaming POST /api/chat.
func (c *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	cr := ollamaChatRequest{Model: req.Model}
	if req.System != "" {
		cr.Messages = append(cr.Messages, ollamaMessage{Role: "system", Content: req.System})
	}
	cr.Messages = append(cr.Messages, ollamaMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		cr.Format = "json"
	}

	var result ollamaChatResponse
	if err := c.post(ctx, "/api/chat", cr, &result); err != nil {
		return "", err
	}
	return result.Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the embedding vector for text using model.
func (c *Ollama) Embed(ctx context.Context, model, text string) ([]float32, error) {
	var result embedResponse
	if err := c.post(ctx, "/api/embed", embedRequest{Model: model, Input: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed: empty embeddings array")
	}
	return result.Embeddings[0], nil
}

func (c *Ollama) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(c.name, ctx, fmt.Errorf("%s: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return statusError(c.name, resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

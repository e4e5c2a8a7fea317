package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/banyu-tech/bulwark/pkg/httputil"
)

// OllamaClient talks to a local Ollama server for guard-model generation and
// embedding requests. Both detectors that use it degrade gracefully when the
// server is down; the client itself just reports errors.
type OllamaClient struct {
	baseURL string
}

// NewOllamaClient creates a client for the given base URL
// (e.g. http://localhost:11434).
func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{baseURL: baseURL}
}

// Generate runs a non-streaming completion against the given model.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  model,
		"prompt": prompt,
		"stream": false,
	}
	var result struct {
		Response string `json:"response"`
	}
	if err := c.post(ctx, "/api/generate", reqBody, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

// Embed returns the embedding vector for text using the given model.
func (c *OllamaClient) Embed(ctx context.Context, model, text string) ([]float32, error) {
	reqBody := map[string]any{
		"model":  model,
		"prompt": text,
	}
	var result struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post(ctx, "/api/embeddings", reqBody, &result); err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

// Ping checks that the server is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := httputil.Client(httputil.TierFast).Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, path string, reqBody any, out any) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httputil.Client(httputil.TierSlow).Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer httputil.DrainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		body, _ := httputil.ReadResponseBody(resp.Body, 4096)
		return fmt.Errorf("ollama %s returned status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
	}

	data, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

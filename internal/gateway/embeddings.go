package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/asaproj/asa/internal/faults"
)

// EmbeddingsClient calls the provider's embeddings endpoint. It satisfies
// the code index's Embedder interface; the semantic index tier is enabled
// by wiring one in.
type EmbeddingsClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewEmbeddingsClient creates an embeddings client against the given
// endpoint.
func NewEmbeddingsClient(baseURL, apiKey, model string, client *http.Client) *EmbeddingsClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &EmbeddingsClient{baseURL: baseURL, apiKey: apiKey, model: model, client: client}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed returns one vector per input text, in input order.
func (c *EmbeddingsClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingsRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.Classify(err), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, faults.Wrap(faults.KindNetworkConnection, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.Newf(faults.KindLLMRateLimit, "provider returned 429")
	case resp.StatusCode >= 500:
		return nil, faults.Newf(faults.KindNetworkConnection, "provider returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, faults.Newf(faults.KindLLMInvalidResponse, "provider returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, faults.Wrap(faults.KindLLMInvalidResponse, err)
	}
	if parsed.Error != nil {
		return nil, faults.Newf(faults.KindLLMInvalidResponse, "provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, faults.Newf(faults.KindLLMInvalidResponse, "provider returned %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, faults.Newf(faults.KindLLMInvalidResponse, "embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

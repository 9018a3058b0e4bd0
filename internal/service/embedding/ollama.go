package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// OllamaProvider generates embeddings using a local Ollama server.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
	dimensions int
}

// NewOllamaProvider creates an Ollama embedding provider.
// baseURL defaults to http://localhost:11434 when empty.
func NewOllamaProvider(baseURL, model string, dimensions int) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if dimensions <= 0 {
		dimensions = 1024
	}
	return &OllamaProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
		dimensions: dimensions,
	}
}

// Dimensions returns the embedding vector size.
func (p *OllamaProvider) Dimensions() int {
	return p.dimensions
}

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error"`
}

// Embed generates a single embedding.
func (p *OllamaProvider) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return pgvector.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody, err := json.Marshal(ollamaRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	var result ollamaResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}

	if result.Error != "" {
		return nil, fmt.Errorf("embedding: ollama error: %s", result.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding: unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	vecs := make([]pgvector.Vector, len(result.Embeddings))
	for i, e := range result.Embeddings {
		vecs[i] = pgvector.NewVector(e)
	}
	return vecs, nil
}

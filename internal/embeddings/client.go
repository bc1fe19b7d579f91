// Package embeddings provides vector embedding generation via an
// Ollama-compatible API. Embeddings are strictly best-effort in this
// system: semantic duplicate detection and memory retrieval consult
// [Client.Ready] first and degrade silently when the service is down.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/lbds137/tzurot-sub012/internal/httpkit"
)

// readyCheckInterval is how long a readiness probe result is trusted
// before the endpoint is probed again.
const readyCheckInterval = 30 * time.Second

// Client generates embeddings using an Ollama-compatible embedding API.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	ready       bool
	lastChecked time.Time
}

// Config for the embedding client.
type Config struct {
	BaseURL string // e.g. "http://localhost:11434"
	Model   string // embedding model (default "nomic-embed-text")
}

// New creates an embedding client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "nomic-embed-text"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		logger:  logger.With("component", "embeddings"),
		client: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

// Ready reports whether the embedding service is reachable. Probe
// results are cached for a short interval so callers can consult Ready
// on every generation attempt without hammering the endpoint.
func (c *Client) Ready(ctx context.Context) bool {
	if c == nil || c.baseURL == "" {
		return false
	}

	c.mu.Lock()
	if time.Since(c.lastChecked) < readyCheckInterval {
		ready := c.ready
		c.mu.Unlock()
		return ready
	}
	c.mu.Unlock()

	ready := c.probe(ctx)

	c.mu.Lock()
	c.ready = ready
	c.lastChecked = time.Now()
	c.mu.Unlock()

	return ready
}

func (c *Client) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("embedding service unreachable", "error", err)
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)

	return resp.StatusCode == http.StatusOK
}

// embedRequest is the embedding API request.
type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embedResponse is the embedding API response.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate creates an embedding for the given text.
func (c *Client) Generate(ctx context.Context, text string) ([]float32, error) {
	req := embedRequest{
		Model:  c.model,
		Prompt: text,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("embedding endpoint returned status %d: %s", resp.StatusCode, errBody)
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return embedResp.Embedding, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

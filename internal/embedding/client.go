// Package embedding is a client for OpenAI-compatible embeddings APIs.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Harvey-AU/docpipe/internal/observability"
	"github.com/Harvey-AU/docpipe/internal/resilience"
)

const (
	DefaultBaseURL    = "https://api.openai.com"
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536

	// MinNorm is the smallest L2 norm accepted for a vector. Anything below
	// it is treated as a degenerate (all-zero) embedding.
	MinNorm = 1e-6
)

// ErrDegenerateVector is wrapped by the critical error returned for an
// all-zero embedding.
var ErrDegenerateVector = errors.New("degenerate embedding vector")

// Client requests embeddings in batches.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// New creates an embeddings client, filling defaults for empty fields.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: observability.HTTPClient(cfg.Timeout),
	}
}

// Model returns the embedding model name.
func (c *Client) Model() string { return c.model }

// Dimensions returns the expected vector length.
func (c *Client) Dimensions() int { return c.dimensions }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// EmbedBatch returns one vector per input, in input order. Vectors are
// checked for length and degeneracy before they are returned.
func (c *Client) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	payload, err := json.Marshal(embeddingRequest{Model: c.model, Input: inputs, Dimensions: c.dimensions})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.Transient("embedding.batch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resilience.FromStatus("embedding.batch", resp.StatusCode, string(b))
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.Transient("embedding.batch", fmt.Errorf("failed to decode response: %w", err))
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(inputs) {
			return nil, resilience.Transient("embedding.batch", fmt.Errorf("response index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, resilience.Transient("embedding.batch", fmt.Errorf("no embedding returned for input %d", i))
		}
		if err := Validate(v, c.dimensions); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}
	return vectors, nil
}

// L2Norm returns the Euclidean norm of v.
func L2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Validate checks v has the expected length and is not degenerate. Both
// failures are critical: storing such a vector would corrupt search results.
func Validate(v []float32, dimensions int) error {
	if dimensions > 0 && len(v) != dimensions {
		return resilience.Critical("embedding.validate",
			fmt.Errorf("embedding has %d dimensions, expected %d", len(v), dimensions))
	}
	if norm := L2Norm(v); norm < MinNorm || math.IsNaN(norm) {
		return resilience.Critical("embedding.validate",
			fmt.Errorf("%w: l2 norm %g", ErrDegenerateVector, norm))
	}
	return nil
}

// Stats summarises a vector for logging.
type Stats struct {
	Dimensions int
	Norm       float64
	Min        float32
	Max        float32
	NonZero    int
}

// VectorStats computes Stats for v.
func VectorStats(v []float32) Stats {
	s := Stats{Dimensions: len(v), Norm: L2Norm(v)}
	for i, x := range v {
		if i == 0 || x < s.Min {
			s.Min = x
		}
		if i == 0 || x > s.Max {
			s.Max = x
		}
		if x != 0 {
			s.NonZero++
		}
	}
	return s
}

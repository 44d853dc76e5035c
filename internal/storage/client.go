// Package storage provides a client for the Supabase Storage API
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/docpipe/internal/observability"
	"github.com/Harvey-AU/docpipe/internal/resilience"
)

// DefaultMaxDownloadBytes caps the size of a single document download.
const DefaultMaxDownloadBytes = 100 << 20

// ErrObjectTooLarge is returned when a stored object exceeds the download cap.
var ErrObjectTooLarge = errors.New("storage object exceeds download limit")

// Client provides methods to interact with Supabase Storage
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
	maxBytes   int64
}

// New creates a new Storage client. timeout bounds every request; zero
// selects 60 seconds.
func New(supabaseURL, serviceKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(supabaseURL, "/") + "/storage/v1",
		serviceKey: serviceKey,
		httpClient: observability.HTTPClient(timeout),
		maxBytes:   DefaultMaxDownloadBytes,
	}
}

func (c *Client) objectURL(bucket, path string) string {
	return fmt.Sprintf("%s/object/%s/%s", c.baseURL, url.PathEscape(bucket), escapePath(path))
}

// Upload stores data at bucket/path, overwriting any existing object.
// Returns the full path of the uploaded file.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(bucket, path), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true") // Overwrite if exists

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", resilience.Transient("storage.upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", resilience.FromStatus("storage.upload", resp.StatusCode, string(body))
	}

	return fmt.Sprintf("%s/%s", bucket, path), nil
}

// Download fetches the object at bucket/path.
func (c *Client) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(bucket, path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.Transient("storage.download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resilience.Client("storage.download", "The uploaded file could not be found.",
			fmt.Errorf("object %s/%s not found: %s", bucket, path, string(body)))
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resilience.FromStatus("storage.download", resp.StatusCode, string(body))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, resilience.Transient("storage.download", fmt.Errorf("failed to read object: %w", err))
	}
	if int64(len(data)) > c.maxBytes {
		return nil, resilience.Client("storage.download", "The uploaded file is too large.", ErrObjectTooLarge)
	}
	return data, nil
}

// Delete removes a file from storage
func (c *Client) Delete(ctx context.Context, bucket, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(bucket, path), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.Transient("storage.delete", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resilience.FromStatus("storage.delete", resp.StatusCode, string(body))
	}

	return nil
}

func escapePath(p string) string {
	parts := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

// Package parser talks to the external OCR/parsing service that turns uploaded
// documents into markdown.
package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/Harvey-AU/docpipe/internal/observability"
	"github.com/Harvey-AU/docpipe/internal/resilience"
)

// Job statuses reported by the parsing service.
const (
	StatusPending = "PENDING"
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Result is the outcome of polling a parse job.
type Result struct {
	Ready    bool
	Markdown string
	Pages    int
}

// Client submits documents and polls parse jobs.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a parser client. timeout bounds every request; zero selects
// 60 seconds.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: observability.HTTPClient(timeout),
	}
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type jobResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

type resultResponse struct {
	Markdown    string `json:"markdown"`
	JobMetadata struct {
		JobPages int `json:"job_pages"`
	} `json:"job_metadata"`
}

// Submit uploads the file and returns the parser's job ID.
func (c *Client) Submit(ctx context.Context, fileName, mimeType string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	h.Set("Content-Type", mimeType)

	part, err := w.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write multipart body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart body: %w", err)
	}

	var out submitResponse
	if err := c.do(ctx, "parser.submit", http.MethodPost, "/api/parsing/upload", w.FormDataContentType(), &body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", resilience.Transient("parser.submit", errors.New("parser returned no job id"))
	}
	return out.ID, nil
}

// Poll checks a parse job. A job that is still running returns Ready false
// and no error.
func (c *Client) Poll(ctx context.Context, jobID string) (Result, error) {
	var job jobResponse
	if err := c.do(ctx, "parser.poll", http.MethodGet, "/api/parsing/job/"+url.PathEscape(jobID), "", nil, &job); err != nil {
		return Result{}, err
	}

	switch strings.ToUpper(job.Status) {
	case StatusSuccess:
	case StatusError:
		msg := job.ErrorMessage
		if msg == "" {
			msg = "parse job failed"
		}
		return Result{}, resilience.Client("parser.poll", "The document could not be parsed.", errors.New(msg))
	default:
		return Result{}, nil
	}

	var res resultResponse
	if err := c.do(ctx, "parser.result", http.MethodGet, "/api/parsing/job/"+url.PathEscape(jobID)+"/result/markdown", "", nil, &res); err != nil {
		return Result{}, err
	}
	return Result{Ready: true, Markdown: res.Markdown, Pages: res.JobMetadata.JobPages}, nil
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return resilience.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resilience.FromStatus(op, resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Transient(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// Package inference is the typed HTTP client for the DeepSeek-OCR backend
// (a vLLM OpenAI-compatible server). The client performs no retries; retry
// policy belongs to the dispatcher.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docstream/ocrpipe/internal/domain"
)

const maxResponseTokens = 4096

// Options configures a Client.
type Options struct {
	// BaseURL is the API base including /v1.
	BaseURL string
	// Model is the served model name.
	Model string
	// Prompt is sent alongside every image.
	Prompt string
	// RequestTimeout bounds a single call end to end.
	RequestTimeout time.Duration
	// MaxConcurrency tunes the shared transport's connection pool to the
	// dispatcher's admission bound.
	MaxConcurrency int
}

// Client submits images to the inference backend.
type Client struct {
	baseURL    string
	model      string
	prompt     string
	timeout    time.Duration
	httpClient *http.Client
}

// Message is a chat message in the OpenAI-compatible request.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is one part of a message: text or an image data URI.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries the base64 data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// Request is the chat-completions request body. The resolution preset
// fields ride along at the top level and are forwarded by the server to the
// model's image processor.
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
	BaseSize  int       `json:"base_size"`
	ImageSize int       `json:"image_size"`
	CropMode  bool      `json:"crop_mode"`
}

// Response is the chat-completions response body.
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
	Error   *APIFail `json:"error,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage holds the generated content.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// APIFail is the backend's machine-readable error payload.
type APIFail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewClient creates a backend client.
func NewClient(opts Options) *Client {
	maxConns := opts.MaxConcurrency
	if maxConns < 4 {
		maxConns = 4
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     maxConns,
		MaxIdleConnsPerHost: maxConns,
		IdleConnTimeout:     90 * time.Second,
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		prompt:     opts.Prompt,
		timeout:    timeout,
		httpClient: &http.Client{Transport: transport},
	}
}

// Submit sends one image with a resolution mode and returns the extracted
// markdown. Failures are classified as BackendUnavailable (connection
// refused/reset, timeout), BackendRejected (4xx), or BackendError
// (5xx or malformed response).
func (c *Client) Submit(ctx context.Context, image []byte, mode domain.ResolutionMode) (string, error) {
	body, err := json.Marshal(c.buildRequest(image, mode))
	if err != nil {
		return "", domain.BackendRejected("marshal request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", domain.BackendRejected("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// vLLM does not validate API keys but requires the header.
	req.Header.Set("Authorization", "Bearer EMPTY")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// Caller cancellation, not a backend condition.
			return "", ctx.Err()
		}
		return "", domain.BackendUnavailable("backend not reachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", domain.BackendRejected(msg, nil)
		}
		return "", domain.BackendError(msg, nil)
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.BackendError("decode response", err)
	}
	if parsed.Error != nil {
		return "", domain.BackendError(fmt.Sprintf("%s: %s", parsed.Error.Type, parsed.Error.Message), nil)
	}
	if len(parsed.Choices) == 0 {
		return "", domain.BackendError("response contains no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// HealthCheck probes the backend's /health endpoint. Used to fail fast
// before a batch starts; it is not called per request.
func (c *Client) HealthCheck(ctx context.Context) error {
	healthURL := strings.TrimSuffix(c.baseURL, "/v1") + "/health"

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return domain.BackendUnavailable("build health request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.BackendUnavailable("backend health check failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.BackendUnavailable(fmt.Sprintf("backend unhealthy: status %d", resp.StatusCode), nil)
	}
	return nil
}

func (c *Client) buildRequest(image []byte, mode domain.ResolutionMode) *Request {
	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	preset := mode.Preset()

	return &Request{
		Model: c.model,
		Messages: []Message{{
			Role: "user",
			Content: []ContentPart{
				{Type: "text", Text: c.prompt},
				{Type: "image_url", ImageURL: &ImageURL{URL: dataURI}},
			},
		}},
		MaxTokens: maxResponseTokens,
		BaseSize:  preset.BaseSize,
		ImageSize: preset.ImageSize,
		CropMode:  preset.CropMode,
	}
}

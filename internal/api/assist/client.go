// Package assist provides the stateless HTTP transport used when the
// streaming connection is unavailable or fails.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/parleyhq/parley-go/internal/domain"
)

const respondPath = "/ai/respond"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client is the HTTP client for the assistant's request/response endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given HTTP base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// respondRequest is the JSON body of the respond call.
type respondRequest struct {
	Mode         string        `json:"mode"`
	Turns        []domain.Turn `json:"turns"`
	Question     string        `json:"question,omitempty"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
}

// respondResponse is the success body.
type respondResponse struct {
	Text string `json:"text"`
}

// errorResponse is the optional failure body.
type errorResponse struct {
	Error string `json:"error"`
}

// Respond performs one synchronous generation call. token is attached as a
// bearer credential when non-empty. A non-2xx status yields a domain HTTP
// error carrying the server-provided message when one is present.
func (c *Client) Respond(ctx context.Context, req domain.AssistRequest, token string) (string, error) {
	body, err := json.Marshal(respondRequest{
		Mode:         req.Mode,
		Turns:        req.Turns,
		Question:     req.Question,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+respondPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errBody errorResponse
		if err := json.Unmarshal(respBody, &errBody); err == nil && errBody.Error != "" {
			return "", domain.ErrHTTP(resp.StatusCode, errBody.Error)
		}
		return "", domain.ErrHTTP(resp.StatusCode, "")
	}

	var result respondResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	return result.Text, nil
}

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout = 45 * time.Second

	// Project documents carry the whole editor state.
	maxResponseBytes = 32 << 20
	maxErrorBytes    = 4096

	requestIDHeader = "X-Request-Id"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api request failed: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx). Client errors (4xx) are
// considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// HTTPClient talks to the UGC backend: the project store, the render service
// and the UGC export service share one base URL and bearer token.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

func (c *HTTPClient) Projects() *ProjectService {
	return &ProjectService{client: c}
}

func (c *HTTPClient) Render() *RenderService {
	return &RenderService{client: c}
}

func (c *HTTPClient) UGCExports() *UGCExportService {
	return &UGCExportService{client: c}
}

// do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)

	c.logger.Debug("api request", "method", method, "url", url, "request_id", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return newAPIError(resp, respBody)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}

	var parsed struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		var detail string
		if len(parsed.Detail) > 0 && json.Unmarshal(parsed.Detail, &detail) == nil && detail != "" {
			apiErr.Message = detail
		} else if parsed.Error != "" {
			apiErr.Message = parsed.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

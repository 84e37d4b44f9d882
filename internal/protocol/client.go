package protocol

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single request when the caller's context has no
// deadline.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response body is kept for errors.
const maxErrorBody = 512

// Client is the server API used by the sync agents.
//
// A returned error means no usable response was received (transport
// failure, non-2xx HTTP status, undecodable body). A decoded response with
// a non-ok status is returned with a nil error; callers inspect Result.
type Client interface {
	RequestSession(ctx context.Context, req DefaultRequest) (SessionResponse, error)
	Verify(ctx context.Context, req VerifyRequest) (KeyResponse, error)
	UploadChanges(ctx context.Context, req UploadChangeRequest) (UploadResponse, error)
	UploadAnalyzed(ctx context.Context, req UploadAnalyzedRequest) (UploadResponse, error)
	UploadErrors(ctx context.Context, req UploadErrorRequest) (UploadResponse, error)
	DownloadChanges(ctx context.Context, req DownloadRequest) (ChangeResponse, error)
}

// HTTPClient implements Client with JSON over POST.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithClientLogger sets the logger. Default: slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for the server at baseURL. Requests are
// traced through an otelhttp transport.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPClient) RequestSession(ctx context.Context, req DefaultRequest) (SessionResponse, error) {
	var resp SessionResponse
	err := h.post(ctx, PathRequestInstallation, req, &resp)
	return resp, err
}

func (h *HTTPClient) Verify(ctx context.Context, req VerifyRequest) (KeyResponse, error) {
	var resp KeyResponse
	err := h.post(ctx, PathVerifyInstallation, req, &resp)
	return resp, err
}

func (h *HTTPClient) UploadChanges(ctx context.Context, req UploadChangeRequest) (UploadResponse, error) {
	var resp UploadResponse
	err := h.post(ctx, PathUploadChange, req, &resp)
	return resp, err
}

func (h *HTTPClient) UploadAnalyzed(ctx context.Context, req UploadAnalyzedRequest) (UploadResponse, error) {
	var resp UploadResponse
	err := h.post(ctx, PathUploadAnalyzed, req, &resp)
	return resp, err
}

func (h *HTTPClient) UploadErrors(ctx context.Context, req UploadErrorRequest) (UploadResponse, error) {
	var resp UploadResponse
	err := h.post(ctx, PathUploadError, req, &resp)
	return resp, err
}

func (h *HTTPClient) DownloadChanges(ctx context.Context, req DownloadRequest) (ChangeResponse, error) {
	var resp ChangeResponse
	err := h.post(ctx, PathDownloadChange, req, &resp)
	return resp, err
}

func (h *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	h.logger.Debug("server request",
		"path", path,
		"http_status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s: %w", path, &StatusError{
			Status:  fmt.Sprintf("http %d", resp.StatusCode),
			Message: strings.TrimSpace(string(snippet)),
		})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}

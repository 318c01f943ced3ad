package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// FetchRequest describes one GET of a download URL, optionally starting at
// Offset.
type FetchRequest struct {
	URL    string
	Offset int64
	// IfRange is a strong validator sent with ranged requests so that a
	// changed resource is served in full instead of being spliced.
	IfRange string
}

// FetchResponse is the status and body of a fetch. The caller owns Body.
type FetchResponse struct {
	StatusCode int
	Status     string
	// ContentLength is the length of Body, or -1 when unknown.
	ContentLength int64
	ETag          string
	Body          io.ReadCloser
}

// Client is the transport boundary of the transfer engine. Errors are returned
// only when no response was received; HTTP error statuses come back as a
// response for the engine to judge.
type Client interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// HTTPClient fetches over net/http with an OpenTelemetry-instrumented transport.
type HTTPClient struct {
	httpClient *http.Client
	userAgent  string
}

// NewHTTPClient creates an HTTPClient. headerTimeout bounds the wait for
// response headers; body streaming is bounded only by the caller's context.
func NewHTTPClient(headerTimeout time.Duration, userAgent string) *HTTPClient {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = headerTimeout

	return &HTTPClient{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(base)},
		userAgent:  userAgent,
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	if req.Offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", req.Offset))

		if req.IfRange != "" {
			httpReq.Header.Set("If-Range", req.IfRange)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Operation: "fetch", Message: err.Error(), Err: err}
	}

	return &FetchResponse{
		StatusCode:    resp.StatusCode,
		Status:        resp.Status,
		ContentLength: resp.ContentLength,
		ETag:          resp.Header.Get("ETag"),
		Body:          resp.Body,
	}, nil
}

func isSuccess(code int) bool {
	return code == http.StatusOK || code == http.StatusPartialContent
}

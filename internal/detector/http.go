package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/MeKo-Tech/tilerunner/internal/request"
)

// HTTPClient wraps the retrying HTTP client shared by all HTTP detectors.
type HTTPClient struct {
	client *retryablehttp.Client
}

// NewHTTPClient builds the shared client. Retries cover transient transport
// and 5xx failures; anything left after the budget surfaces as a tile
// failure.
func NewHTTPClient(timeout time.Duration, retries int) *HTTPClient {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.HTTPClient.Timeout = timeout
	c.Logger = nil
	return &HTTPClient{client: c}
}

// NewHTTPDetector builds a detector that POSTs tile bytes to the endpoint
// URL.
func NewHTTPDetector(ep request.Endpoint, client *HTTPClient) *FeatureDetector {
	return &FeatureDetector{
		name: ep.Name,
		invoke: func(ctx context.Context, tile io.Reader) ([]byte, error) {
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, ep.Name, tile)
			if err != nil {
				return nil, fmt.Errorf("build detect request: %w", err)
			}
			req.Header.Set("Content-Type", "application/octet-stream")

			resp, err := client.client.Do(req)
			if err != nil {
				return nil, fmt.Errorf("invoke %s: %w", ep.Name, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
				return nil, fmt.Errorf("invoke %s: status %d: %s", ep.Name, resp.StatusCode, body)
			}
			return io.ReadAll(resp.Body)
		},
	}
}

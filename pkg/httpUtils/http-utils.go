package http_utils

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 1 << 20

// NewClient returns an HTTP client whose requests are bounded by timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// GetJSON performs a GET against baseURL with the given query parameters and
// decodes the JSON response body into v.
func GetJSON(ctx context.Context, client *http.Client, baseURL string, params url.Values, v any) error {
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %v", baseURL, err)
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", u.Host, err)
	}
	defer resp.Body.Close()

	// Check if the response status is OK
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return fmt.Errorf("unexpected status code from %s: %d", u.Host, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", u.Host, err)
	}
	return nil
}

// Package capture fetches a still photo of the raised board from the camera
// service.
package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one capture round trip.
const DefaultTimeout = 3 * time.Second

// Capturer takes one photo of the board on the riser.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// HTTPCapturer talks to the camera service over HTTP.
type HTTPCapturer struct {
	url    string
	client *http.Client
}

// NewHTTPCapturer creates a client for the camera's capture endpoint, e.g.
// http://127.0.0.1:8400/capture.
func NewHTTPCapturer(url string) *HTTPCapturer {
	return &HTTPCapturer{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

func (c *HTTPCapturer) Capture(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("capture: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("capture: unexpected content type %q", ct)
	}

	img, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("capture: read body: %w", err)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("capture: empty image")
	}
	return img, nil
}

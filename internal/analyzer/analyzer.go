// Package analyzer calls the defect detection service: one JPEG in, a list
// of predictions out. The model itself is external; this is just the client.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sawline/timbersort/internal/decision"
)

// DefaultTimeout bounds one detection round trip. It sits inside the
// controller's analysis window so a slow service fails the session before
// the board times out on its own.
const DefaultTimeout = 4 * time.Second

// Analyzer produces defect predictions for one board image.
type Analyzer interface {
	Analyze(ctx context.Context, image []byte) ([]decision.Prediction, error)
}

// HTTPAnalyzer talks to the detection service over HTTP.
type HTTPAnalyzer struct {
	url    string
	client *http.Client
}

// NewHTTPAnalyzer creates a client for the detection endpoint, e.g.
// http://127.0.0.1:8500/detect.
func NewHTTPAnalyzer(url string) *HTTPAnalyzer {
	return &HTTPAnalyzer{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
	}
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, image []byte) ([]decision.Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("analyzer: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var out struct {
		Predictions []decision.Prediction `json:"predictions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("analyzer: decode response: %w", err)
	}
	return out.Predictions, nil
}

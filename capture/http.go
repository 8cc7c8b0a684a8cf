package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPConfig configures the remote capture-service client.
type HTTPConfig struct {
	// Endpoint accepts POST {url, viewport_width} and returns
	// {png_base64, text}.
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`
	// Timeout bounds one capture request. Default: 90s.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *HTTPConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 90 * time.Second
	}
}

// HTTPCapturer delegates rendering to a remote capture service. Used when
// the deployment has no local Chrome (small containers, serverless).
type HTTPCapturer struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPCapturer creates an HTTPCapturer.
func NewHTTPCapturer(cfg HTTPConfig) *HTTPCapturer {
	cfg.defaults()
	return &HTTPCapturer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Capture implements Capturer.
func (c *HTTPCapturer) Capture(ctx context.Context, pageURL string, viewportWidth int) (*Shot, error) {
	payload, err := json.Marshal(map[string]any{
		"url":            pageURL,
		"viewport_width": viewportWidth,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("capture: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigation, pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capture: service status %d for %s", resp.StatusCode, pageURL)
	}

	var body struct {
		PNGBase64 string `json:"png_base64"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("capture: decode response: %w", err)
	}

	png, err := base64.StdEncoding.DecodeString(body.PNGBase64)
	if err != nil {
		return nil, fmt.Errorf("capture: decode png: %w", err)
	}

	return &Shot{
		URL:           pageURL,
		ViewportWidth: viewportWidth,
		PNG:           png,
		Text:          body.Text,
	}, nil
}

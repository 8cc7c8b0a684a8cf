package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// HTTPConfig configures a generic analytics API provider (Plausible-style
// aggregate endpoints: one number per metric per period).
type HTTPConfig struct {
	// Name identifies the source (e.g. "plausible").
	Name string `yaml:"name"`
	// Endpoint is the aggregate stats URL.
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token when non-empty.
	APIKey string `yaml:"api_key"`
	// Metrics lists the metric names to request. Default: pageviews, visitors.
	Metrics []string `yaml:"metrics"`
	// Timeout bounds one request. Default: 15s.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *HTTPConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if len(c.Metrics) == 0 {
		c.Metrics = []string{"pageviews", "visitors"}
	}
}

// HTTPProvider queries an analytics endpoint once per window half and
// derives deltas.
type HTTPProvider struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPProvider creates an HTTPProvider.
func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	cfg.defaults()
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.cfg.Name }

// Deltas implements Provider.
func (p *HTTPProvider) Deltas(ctx context.Context, pageURL string, w Window) ([]Delta, error) {
	before, err := p.aggregate(ctx, pageURL, w.Start, w.Mid)
	if err != nil {
		return nil, fmt.Errorf("before period: %w", err)
	}
	after, err := p.aggregate(ctx, pageURL, w.Mid, w.End)
	if err != nil {
		return nil, fmt.Errorf("after period: %w", err)
	}

	var deltas []Delta
	for _, m := range p.cfg.Metrics {
		b, okB := before[m]
		a, okA := after[m]
		if !okB && !okA {
			continue
		}
		deltas = append(deltas, Delta{
			Name:          m,
			Source:        p.cfg.Name,
			Before:        b,
			After:         a,
			ChangePercent: ChangePercent(b, a),
		})
	}
	return deltas, nil
}

// aggregate fetches one period's metric values.
func (p *HTTPProvider) aggregate(ctx context.Context, pageURL string, from, to time.Time) (map[string]float64, error) {
	q := url.Values{}
	q.Set("page", pageURL)
	q.Set("from", from.UTC().Format("2006-01-02"))
	q.Set("to", to.UTC().Format("2006-01-02"))
	for _, m := range p.cfg.Metrics {
		q.Add("metrics", m)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Results map[string]struct {
			Value float64 `json:"value"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	out := make(map[string]float64, len(body.Results))
	for name, r := range body.Results {
		out[name] = r.Value
	}
	return out, nil
}

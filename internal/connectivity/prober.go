package connectivity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultProbeInterval is used when Prober.Interval is not set.
const DefaultProbeInterval = 5 * time.Second

// Prober derives connectivity by polling an HTTP health URL. A 2xx answer
// within the interval means online; anything else means offline.
type Prober struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Monitor  *Monitor
}

// NewProber creates a prober for url that reports into m.
func NewProber(url string, interval time.Duration, m *Monitor) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Prober{
		URL:      url,
		Interval: interval,
		Client:   &http.Client{Timeout: interval},
		Monitor:  m,
	}
}

// Run probes immediately and then every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	if p.URL == "" {
		return fmt.Errorf("prober: url is required")
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.Monitor.Set(p.Probe(ctx))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Probe performs one health check.
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		slog.Debug("probe request failed", "url", p.URL, "error", err)
		return false
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		slog.Debug("probe failed", "url", p.URL, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

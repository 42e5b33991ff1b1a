package httpfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/stratafi/strata-backend/internal/pnlfeed"
	"go.uber.org/zap"
)

const (
	DefaultPollInterval  = 15 * time.Second
	DefaultRetryInterval = 5 * time.Second
)

// Config holds the connection settings for the upstream credit service.
type Config struct {
	BaseURL       string
	PollInterval  time.Duration
	RetryInterval time.Duration
}

// Provider implements the pnlfeed.Provider interface against the credit
// service's report endpoint. It polls GET {base}/reports?after={seq} and
// resumes from the last delivered sequence.
type Provider struct {
	logger *zap.SugaredLogger
	client *http.Client
	cfg    Config

	mu     sync.RWMutex
	health pnlfeed.ProviderHealth
	after  uint64
}

// NewProvider creates a new HTTP report provider
func NewProvider(logger *zap.SugaredLogger, cfg Config) *Provider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Provider{
		logger: logger,
		cfg:    cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		health: pnlfeed.ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

// Name returns the provider identifier
func (p *Provider) Name() string {
	return "http"
}

// Health returns current provider health status
func (p *Provider) Health() pnlfeed.ProviderHealth {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.health
}

// updateHealth updates the provider health status
func (p *Provider) updateHealth(healthy bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.health.Healthy = healthy
	if healthy {
		p.health.LastSuccess = time.Now()
		p.health.LastError = ""
	} else if err != nil {
		p.health.LastError = err.Error()
	}
}

// After returns the highest sequence delivered so far.
func (p *Provider) After() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.after
}

// SetAfter sets the resume point. Call before Run, typically from the
// persisted last-sequence marker.
func (p *Provider) SetAfter(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.after = seq
}

// Run polls the credit service until ctx is cancelled. Failed polls back off
// to the retry interval; delivered reports advance the resume point so a
// restart never replays them.
func (p *Provider) Run(ctx context.Context, out chan<- pnlfeed.Report) error {
	p.logger.Infow("Starting PnL report poller", "url", p.cfg.BaseURL, "after", p.After())

	// First poll fires immediately.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		reports, err := p.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.updateHealth(false, err)
			p.mu.Lock()
			p.health.Reconnects++
			p.mu.Unlock()
			p.logger.Warnw("Failed to fetch PnL reports", "error", err, "after", p.After())
			timer.Reset(p.cfg.RetryInterval)
			continue
		}

		for i := range reports {
			r := reports[i]
			if r.Sequence <= p.After() {
				p.logger.Debugw("Skipping replayed report", "sequence", r.Sequence)
				continue
			}
			if err := r.Validate(); err != nil {
				p.logger.Warnw("Skipping malformed report", "error", err, "sequence", r.Sequence, "kind", r.Kind)
				continue
			}

			// Reports move money; block rather than drop.
			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
			p.SetAfter(r.Sequence)
		}

		p.updateHealth(true, nil)
		if len(reports) > 0 {
			p.logger.Debugw("Fetched PnL reports", "count", len(reports), "after", p.After())
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// Probe performs a single fetch to test upstream availability without
// consuming reports. Used by the fallback supervisor while the mock feed is
// active; the resume point is untouched so nothing is lost.
func (p *Provider) Probe(ctx context.Context) error {
	if _, err := p.fetch(ctx); err != nil {
		p.updateHealth(false, err)
		return err
	}
	p.updateHealth(true, nil)
	return nil
}

// fetch retrieves one batch of reports after the current resume point.
func (p *Provider) fetch(ctx context.Context) ([]pnlfeed.Report, error) {
	params := url.Values{}
	params.Set("after", strconv.FormatUint(p.After(), 10))
	requestURL := fmt.Sprintf("%s/reports?%s", p.cfg.BaseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from credit service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("credit service error: %d", resp.StatusCode)
	}

	var reports []pnlfeed.Report
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return reports, nil
}

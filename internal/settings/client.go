// Package settings polls a remote configuration document and exposes the
// latest snapshot to the rest of the process. Consumers always read through
// Snapshot, which falls back to static defaults when the document has never
// been fetched successfully.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Fairness holds the hot-reloadable concurrency parameters consumed by the
// fairness allocator.
type Fairness struct {
	Enabled        bool `json:"enabled"`
	TotalSlots     int  `json:"total_slots"`
	MinSlotsPerRun int  `json:"min_slots_per_run"`
	MaxSlotsPerRun int  `json:"max_slots_per_run"`
	RetryDelayMs   int  `json:"retry_delay_ms"`
}

// RetryDelay returns the configured allocation retry delay as a duration.
func (f Fairness) RetryDelay() time.Duration {
	return time.Duration(f.RetryDelayMs) * time.Millisecond
}

// Concurrency defaults carried by the settings document. Unlike fairness,
// these only take effect at worker start; a changed value is logged as
// "restart required" and never applied live.
type Concurrency struct {
	Concurrency int `json:"concurrency"`
}

// Settings is the full remote configuration document.
type Settings struct {
	Fairness  Fairness    `json:"fairness"`
	Scraper   Concurrency `json:"scraper"`
	Ingestion Concurrency `json:"ingestion"`
	Embed     Concurrency `json:"embed"`
}

// Defaults are used until the first successful fetch and whenever the remote
// document is unreachable.
func Defaults() Settings {
	return Settings{
		Fairness: Fairness{
			Enabled:        true,
			TotalSlots:     24,
			MinSlotsPerRun: 2,
			MaxSlotsPerRun: 8,
			RetryDelayMs:   5000,
		},
		Scraper:   Concurrency{Concurrency: 8},
		Ingestion: Concurrency{Concurrency: 4},
		Embed:     Concurrency{Concurrency: 4},
	}
}

// Client fetches the settings document over HTTP and keeps an atomic
// snapshot. Safe for concurrent use.
type Client struct {
	url      string
	interval time.Duration
	http     *http.Client
	logger   *slog.Logger

	current atomic.Pointer[Settings]
	boot    Settings

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a settings client. url may be empty, in which case the
// client only ever serves defaults (useful for single-node deployments).
func NewClient(url string, interval time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:      url,
		interval: interval,
		http:     &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		boot:     Defaults(),
	}
	return c
}

// Snapshot returns the most recently fetched settings, or the static
// defaults if no fetch has succeeded yet.
func (c *Client) Snapshot() Settings {
	if s := c.current.Load(); s != nil {
		return *s
	}
	return c.boot
}

// Fetch retrieves the settings document once and updates the snapshot.
func (c *Client) Fetch(ctx context.Context) (Settings, error) {
	if c.url == "" {
		return c.boot, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Settings{}, fmt.Errorf("build settings request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Settings{}, fmt.Errorf("fetch settings: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Settings{}, fmt.Errorf("fetch settings: unexpected status %d", resp.StatusCode)
	}

	s := Defaults()
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := validate(s); err != nil {
		return Settings{}, fmt.Errorf("invalid settings document: %w", err)
	}

	c.noteRestartRequired(s)
	c.current.Store(&s)
	return s, nil
}

// StartPeriodicRefresh launches the refresh loop. Calling it more than once
// without an intervening stop is a no-op.
func (c *Client) StartPeriodicRefresh(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil || c.url == "" {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		if _, err := c.Fetch(ctx); err != nil {
			c.logger.Warn("initial settings fetch failed, using defaults", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Fetch(ctx); err != nil {
					c.logger.Warn("settings refresh failed, keeping last snapshot", "error", err)
				}
			}
		}
	}()
}

// StopPeriodicRefresh stops the refresh loop and waits for it to exit.
func (c *Client) StopPeriodicRefresh() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// noteRestartRequired logs concurrency fields that differ from the values the
// process booted with. They are deliberately not applied: queue consumer
// counts are fixed at worker start.
func (c *Client) noteRestartRequired(s Settings) {
	prev := c.Snapshot()
	for _, f := range []struct {
		name     string
		old, new int
	}{
		{"scraper.concurrency", prev.Scraper.Concurrency, s.Scraper.Concurrency},
		{"ingestion.concurrency", prev.Ingestion.Concurrency, s.Ingestion.Concurrency},
		{"embed.concurrency", prev.Embed.Concurrency, s.Embed.Concurrency},
	} {
		if f.old != f.new {
			c.logger.Warn("settings change requires worker restart to take effect",
				"field", f.name, "current", f.old, "new", f.new)
		}
	}
}

func validate(s Settings) error {
	f := s.Fairness
	if f.TotalSlots <= 0 {
		return fmt.Errorf("fairness.total_slots must be positive, got %d", f.TotalSlots)
	}
	if f.MinSlotsPerRun <= 0 || f.MaxSlotsPerRun < f.MinSlotsPerRun {
		return fmt.Errorf("fairness slot bounds invalid: min=%d max=%d", f.MinSlotsPerRun, f.MaxSlotsPerRun)
	}
	if f.RetryDelayMs < 0 {
		return fmt.Errorf("fairness.retry_delay_ms must not be negative, got %d", f.RetryDelayMs)
	}
	return nil
}

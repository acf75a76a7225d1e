// Package shutdown coordinates graceful worker-process termination.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Worker is anything with draining close semantics. *queue.Worker satisfies it.
type Worker interface {
	Close() error
}

// RefreshStopper stops a background refresh loop. *settings.Client satisfies
// it via StopPeriodicRefresh.
type RefreshStopper interface {
	StopPeriodicRefresh()
}

// Config wires the coordinator.
type Config struct {
	Settings RefreshStopper
	Workers  []Worker
	// Drain, when set, runs after settings refresh stops and before workers
	// close. It gets the full drain timeout to finish.
	Drain        func(ctx context.Context) error
	DrainTimeout time.Duration
	ExitCode     int
	Logger       *slog.Logger
	// Exit defaults to os.Exit; tests replace it.
	Exit func(code int)
}

// Coordinator turns the first SIGTERM/SIGINT into an orderly shutdown:
// stop settings refresh, run the drain callback, close every worker
// (draining in-flight jobs), then exit with the configured code. Signals
// arriving while a shutdown is underway are ignored.
type Coordinator struct {
	cfg  Config
	once sync.Once
	done chan struct{}
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Coordinator{cfg: cfg, done: make(chan struct{})}
}

// Listen blocks until a termination signal arrives, then runs the shutdown
// sequence and exits the process.
func (c *Coordinator) Listen() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)

	for sig := range sigs {
		go c.Shutdown(sig.String())
		// Later signals drain here and are dropped; Shutdown runs once.
	}
}

// Shutdown runs the shutdown sequence. Safe to call repeatedly from any
// goroutine; only the first call does anything.
func (c *Coordinator) Shutdown(reason string) {
	c.once.Do(func() {
		defer close(c.done)
		logger := c.cfg.Logger

		logger.Info("shutting down", "reason", reason)

		if c.cfg.Settings != nil {
			c.cfg.Settings.StopPeriodicRefresh()
		}

		if c.cfg.Drain != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
			if err := c.cfg.Drain(ctx); err != nil {
				logger.Error("drain callback failed", "error", err)
			}
			cancel()
		}

		for _, w := range c.cfg.Workers {
			if err := w.Close(); err != nil {
				logger.Error("worker close failed", "error", err)
			}
		}

		logger.Info("shutdown complete", "exit_code", c.cfg.ExitCode)
		c.cfg.Exit(c.cfg.ExitCode)
	})
	<-c.done
}

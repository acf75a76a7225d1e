package fairness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinpillai/kbingest/internal/settings"
)

// Grant is the allocator's answer for one run: either a slot count to crawl
// with, or an instruction to retry after a delay because every slot is taken.
type Grant struct {
	Slots      int
	Granted    bool
	RetryAfter time.Duration
}

// SettingsSource yields the current fairness settings. *settings.Client
// satisfies it via Snapshot.
type SettingsSource interface {
	Snapshot() settings.Settings
}

// Allocator divides a tenant's shared crawl-slot pool across that tenant's
// active runs. Every decision reads the live settings snapshot, so operators
// can retune the pool without restarting workers; grants are computed per
// request and never cached.
type Allocator struct {
	registry Registry
	source   SettingsSource
}

func NewAllocator(registry Registry, source SettingsSource) *Allocator {
	return &Allocator{registry: registry, source: source}
}

// Acquire registers the run as active and computes its slot grant.
//
// With fairness disabled every run gets the per-run maximum. Otherwise the
// tenant's pool is split evenly across its active runs and clamped to
// [min, max]. When even the minimum cannot be given to everyone, the oldest
// floor(total/min) runs get the minimum and the rest are told to retry.
func (a *Allocator) Acquire(ctx context.Context, tenantID, runID uuid.UUID) (Grant, error) {
	f := a.source.Snapshot().Fairness

	if !f.Enabled {
		return Grant{Slots: f.MaxSlotsPerRun, Granted: true}, nil
	}

	if err := a.registry.Register(ctx, tenantID, runID); err != nil {
		return Grant{}, err
	}

	active, err := a.registry.Active(ctx, tenantID)
	if err != nil {
		return Grant{}, err
	}

	pos := -1
	for i, id := range active {
		if id == runID {
			pos = i
			break
		}
	}
	if pos == -1 {
		// Registered above but pruned as stale in between; treat as newest.
		pos = len(active)
		active = append(active, runID)
	}

	n := len(active)
	if n*f.MinSlotsPerRun <= f.TotalSlots {
		slots := f.TotalSlots / n
		if slots < f.MinSlotsPerRun {
			slots = f.MinSlotsPerRun
		}
		if slots > f.MaxSlotsPerRun {
			slots = f.MaxSlotsPerRun
		}
		return Grant{Slots: slots, Granted: true}, nil
	}

	// Oversubscribed: only the oldest floor(total/min) runs fit.
	capacity := f.TotalSlots / f.MinSlotsPerRun
	if pos < capacity {
		return Grant{Slots: f.MinSlotsPerRun, Granted: true}, nil
	}
	return Grant{RetryAfter: f.RetryDelay()}, nil
}

// Heartbeat keeps the run's registration fresh while it crawls.
func (a *Allocator) Heartbeat(ctx context.Context, tenantID, runID uuid.UUID) error {
	return a.registry.Heartbeat(ctx, tenantID, runID)
}

// Release removes the run from the active set so its slots return to the
// tenant's pool.
func (a *Allocator) Release(ctx context.Context, tenantID, runID uuid.UUID) error {
	if err := a.registry.Deregister(ctx, tenantID, runID); err != nil {
		return fmt.Errorf("release run slots: %w", err)
	}
	return nil
}

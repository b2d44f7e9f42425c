//
//  Copyright © Control Core Inc. All rights reserved.
//

package gitsync

import (
	"context"
	"sync"
	"time"

	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
)

// Runner drives periodic pulls for tenants with auto-sync enabled.  Pull
// failures are recorded in the sync history and never stop the loop.
type Runner struct {
	sync     *Synchronizer
	store    store.Store
	interval time.Duration

	mu      sync.Mutex
	lastRun map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a Runner ticking at the configured base interval.
// Tenants with a longer per-tenant interval are pulled less often.
func NewRunner(s *Synchronizer, st store.Store) *Runner {
	return &Runner{
		sync:     s,
		store:    st,
		interval: config.VConfig.GetDuration(config.GitSyncInterval),
		lastRun:  map[string]time.Time{},
	}
}

// Start launches the background loop.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Tick pulls every auto-sync tenant whose interval has elapsed.
func (r *Runner) Tick(ctx context.Context) {
	tenants, err := r.store.Tenants().List(ctx, store.Page{Limit: 10000})
	if err != nil {
		logger.Errorf(agent, "Tick", "listing tenants failed: %+v", err)
		return
	}

	for _, tenant := range tenants {
		cfg, err := r.store.Git().GetConfig(ctx, tenant.ID)
		if err != nil || !cfg.AutoSync {
			continue
		}
		if !r.due(tenant.ID, cfg) {
			continue
		}

		if _, err := r.sync.Pull(ctx, tenant.ID); err != nil {
			// surfaced through the sync history; editing is unaffected
			logger.Warnf(agent, "Tick", "auto pull for tenant %s failed: %+v", tenant.ID, err)
		}
	}
}

func (r *Runner) due(tenantID string, cfg *model.GitConfig) bool {
	interval := r.interval
	if cfg.SyncIntervalSeconds > 0 {
		interval = time.Duration(cfg.SyncIntervalSeconds) * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.lastRun[tenantID]; ok && now.Sub(last) < interval {
		return false
	}
	r.lastRun[tenantID] = now
	return true
}

// Stop halts the loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

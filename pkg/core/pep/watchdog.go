//
//  Copyright © Control Core Inc. All rights reserved.
//

package pep

import (
	"context"
	"time"

	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/store"
)

// Watchdog periodically marks PEPs unhealthy once they stop polling.
type Watchdog struct {
	store     store.Store
	threshold time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewWatchdog creates a Watchdog using the configured stale threshold.
func NewWatchdog(s store.Store) *Watchdog {
	return &Watchdog{
		store:     s,
		threshold: config.VConfig.GetDuration(config.PEPStaleThreshold),
	}
}

// Start launches the background sweep.  The sweep interval is half the
// stale threshold, so a stale PEP is flagged at most 1.5 thresholds
// after its last poll.
func (w *Watchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.threshold / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one stale scan.
func (w *Watchdog) Sweep(ctx context.Context) {
	n, err := w.store.PEPs().MarkUnhealthy(ctx, time.Now().UTC().Add(-w.threshold))
	if err != nil {
		logger.Errorf(agent, "Sweep", "stale scan failed: %+v", err)
		return
	}
	if n > 0 {
		logger.Infof(agent, "Sweep", "marked %d peps unhealthy", n)
	}
}

// Stop halts the background sweep and waits for it to exit.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

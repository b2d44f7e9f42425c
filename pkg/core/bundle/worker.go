//
//  Copyright © Control Core Inc. All rights reserved.
//

package bundle

import (
	"context"

	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"golang.org/x/sync/errgroup"
)

// Request asks for one tenant environment to be rebuilt.
type Request struct {
	TenantID    string
	Environment model.Environment
}

// Pool rebuilds bundles asynchronously.  Policy lifecycle operations
// enqueue a request and return; the pool's workers coalesce around the
// builder, whose content addressing makes redundant rebuilds cheap.
type Pool struct {
	builder *Builder
	ch      chan Request
	group   *errgroup.Group
	cancel  context.CancelFunc
}

// NewPool creates a Pool over the builder.  Call [Pool.Start] before
// enqueueing.
func NewPool(builder *Builder) *Pool {
	return &Pool{
		builder: builder,
		ch:      make(chan Request, 256),
	}
}

// Start launches the configured number of workers.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)

	workers := config.VConfig.GetInt(config.BuilderWorkers)
	if workers <= 0 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		p.group.Go(func() error {
			for {
				select {
				case req, ok := <-p.ch:
					if !ok {
						return nil
					}
					if _, err := p.builder.Publish(ctx, req.TenantID, req.Environment); err != nil {
						logger.Errorf(agent, "rebuild", "rebuild failed for tenant %s env %s: %+v",
							req.TenantID, req.Environment, err)
					}
				case <-ctx.Done():
					return nil
				}
			}
		})
	}
}

// Enqueue submits a rebuild request.  A full queue drops the request
// with a warning; the next lifecycle change re-triggers it.
func (p *Pool) Enqueue(req Request) {
	select {
	case p.ch <- req:
	default:
		logger.Warnf(agent, "Enqueue", "rebuild queue full, dropping request for tenant %s", req.TenantID)
	}
}

// Stop drains the queue and waits for the workers to exit.
func (p *Pool) Stop() {
	close(p.ch)
	_ = p.group.Wait()
	if p.cancel != nil {
		p.cancel()
	}
}

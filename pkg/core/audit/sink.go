//
//  Copyright © Control Core Inc. All rights reserved.
//

package audit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/controlcore/controlplane/internal/logging"
	"github.com/controlcore/controlplane/pkg/common"
	"github.com/controlcore/controlplane/pkg/core/config"
	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/controlcore/controlplane/pkg/core/store"
)

var logger = logging.GetLogger("controlplane.audit")

const agent = "audit"

const (
	// sendTimeout bounds how long Send blocks when the buffer is full
	// before the caller gets an error.  Audit must never wedge the
	// decision path, and a refused entry must never look ack-ed.
	sendTimeout = 250 * time.Millisecond

	flushInterval = time.Second
	bufferSize    = 4096

	// appendMaxTries bounds the per-flush retry loop.  A batch that still
	// fails after this is carried over to the next flush rather than
	// dropped; accepted entries survive transient store outages.
	appendMaxTries = 5
)

// StoreFactory creates streams that batch entries into the relational
// store.
type StoreFactory struct {
	audit store.Audit
}

// NewStoreFactory creates a [Factory] backed by the audit repository.
func NewStoreFactory(audit store.Audit) Factory {
	return &StoreFactory{audit: audit}
}

// NewStream starts the flush goroutine and returns the stream.
func (f *StoreFactory) NewStream() (Stream, error) {
	s := &storeStream{
		audit:     f.audit,
		ch:        make(chan *model.AuditEntry, bufferSize),
		done:      make(chan struct{}),
		batchSize: config.VConfig.GetInt(config.AuditBatchSize),
	}
	go s.run()
	return s, nil
}

// storeStream buffers entries on a channel and flushes them in bounded
// batches.  A single consumer goroutine drains the channel, which is what
// preserves per-producer ordering end to end.
type storeStream struct {
	audit     store.Audit
	ch        chan *model.AuditEntry
	done      chan struct{}
	batchSize int
}

// Send accepts the entry for durable delivery.  A nil return is the ack;
// from then on the entry is only released once the store append succeeds.
func (s *storeStream) Send(entry *model.AuditEntry) error {
	select {
	case s.ch <- entry:
		return nil
	case <-time.After(sendTimeout):
		return common.NewErrorf(common.KindUnavailable, "audit buffer full, entry for tenant %s refused", entry.TenantID)
	}
}

func (s *storeStream) Close() {
	close(s.ch)
	<-s.done
}

func (s *storeStream) run() {
	defer close(s.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEntry, 0, s.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return struct{}{}, s.audit.Append(ctx, batch)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(appendMaxTries))
		if err != nil {
			// keep the batch; the next flush retries from the top
			logger.Errorf(agent, "flush", "failed appending %d audit entries, retrying on next flush: %+v", len(batch), err)
			return
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, *entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

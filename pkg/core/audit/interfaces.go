//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package audit provides the append-only audit trail for decisions and
// configuration changes.
//
// Every authorization decision and every mutation of tenant configuration
// produces one [model.AuditEntry].  Entries flow through a [Stream] to a
// destination; within one producer the entries carry a strictly
// increasing sequence, so readers can detect gaps and reorderings even
// though entries from different producers interleave.
//
// # Built-in Implementations
//
// The package provides several stream implementations:
//   - [NewStoreFactory]: batches entries into the relational store (default)
//   - [NewIoWriterFactory]: writes JSON lines to any io.Writer
//   - [NewNullFactory]: discards all entries (testing and benchmarks)
//
// # Custom Implementations
//
// To ship audit entries elsewhere (e.g. a message broker or SIEM):
//
//  1. Implement the [Factory] interface to create stream instances
//  2. Implement the [Stream] interface to handle entry delivery
package audit

import (
	"sync/atomic"
	"time"

	"github.com/controlcore/controlplane/pkg/core/model"
	"github.com/google/uuid"
)

// Factory creates audit [Stream] instances.
//
// Early initialization (validating configuration) happens during factory
// construction; late initialization (opening connections, starting the
// flush goroutine) happens in [NewStream], after configuration is loaded.
type Factory interface {
	// NewStream creates a new audit stream, ready to receive entries.
	NewStream() (Stream, error)
}

// Stream delivers audit entries to a destination.
//
// Implementations must be safe for concurrent use.  Send must preserve
// the per-producer order of entries it accepts; entries from different
// producers may interleave freely.
type Stream interface {
	// Send delivers one entry.  The stream takes ownership of the entry.
	//
	// A nil return acknowledges the entry; the stream is then responsible
	// for delivering it, retrying internally as needed.  A non-nil return
	// means the entry was refused and the caller still holds it.
	Send(entry *model.AuditEntry) error

	// Close flushes buffered entries and releases resources.  The stream
	// must not be used after Close.
	Close()
}

// Recorder stamps entries for one producer before handing them to a
// stream: identifier, producer name, per-producer sequence and timestamp.
type Recorder struct {
	producer string
	stream   Stream
	seq      atomic.Int64
}

// NewRecorder creates a Recorder for the named producer.
func NewRecorder(producer string, stream Stream) *Recorder {
	return &Recorder{producer: producer, stream: stream}
}

// Record fills in the bookkeeping fields and sends the entry.
func (r *Recorder) Record(entry *model.AuditEntry) error {
	entry.ID = uuid.NewString()
	entry.Producer = r.producer
	entry.Seq = r.seq.Add(1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return r.stream.Send(entry)
}

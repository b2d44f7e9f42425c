//
//  Copyright © Control Core Inc. All rights reserved.
//

package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/controlcore/controlplane/pkg/core/model"
)

// IoWriterFactory creates [Stream] instances that write JSON lines to an
// [io.Writer].  Suitable for development and for deployments where stdout
// is captured by a log aggregator.
type IoWriterFactory struct {
	writer io.Writer
	pretty bool
}

// NewStdoutFactory creates a [Factory] that writes entries to stdout.
func NewStdoutFactory() Factory {
	return NewIoWriterFactory(os.Stdout)
}

// NewIoWriterFactory creates a [Factory] that writes entries to w, one
// compact JSON object per line.
func NewIoWriterFactory(w io.Writer) Factory {
	return &IoWriterFactory{writer: w}
}

// NewStream creates a stream writing to the configured writer.
func (f *IoWriterFactory) NewStream() (Stream, error) {
	return &ioWriterStream{writer: f.writer, pretty: f.pretty}, nil
}

type ioWriterStream struct {
	writer io.Writer
	pretty bool
}

func (s *ioWriterStream) Send(entry *model.AuditEntry) error {
	var output []byte
	var err error
	if s.pretty {
		output, err = json.MarshalIndent(entry, "", "  ")
	} else {
		output, err = json.Marshal(entry)
	}
	if err != nil {
		return err
	}

	// write errors are not propagated; auditing to stdout must never
	// fail a decision
	_, _ = fmt.Fprintln(s.writer, string(output))
	return nil
}

func (s *ioWriterStream) Close() {}

// NullFactory creates streams that discard everything.
type NullFactory struct{}

// NewNullFactory creates a [Factory] whose streams drop all entries.
func NewNullFactory() Factory {
	return &NullFactory{}
}

// NewStream creates a discarding stream.
func (f *NullFactory) NewStream() (Stream, error) {
	return &nullStream{}, nil
}

type nullStream struct{}

func (s *nullStream) Send(*model.AuditEntry) error { return nil }
func (s *nullStream) Close()                       {}

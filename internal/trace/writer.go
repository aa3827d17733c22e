package trace

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Writer appends records to a trace stream. Writes are buffered and strictly
// sequential; the store never requires random access.
//
// Writer is not safe for concurrent use. The recorder funnels all batches
// through a single flusher goroutine, which is the only writer.
type Writer struct {
	w     *bufio.Writer
	runID uuid.UUID
	buf   []byte
	count uint64
	err   error // first write error, sticky
}

// NewWriter writes the trace header to w and returns a Writer stamped with
// the given run ID. The run ID ties the trace to its findings downstream.
func NewWriter(w io.Writer, runID uuid.UUID) (*Writer, error) {
	bw := bufio.NewWriterSize(w, 1<<16)

	hdr := make([]byte, 0, headerLen)
	hdr = append(hdr, magic[:]...)
	hdr = binary.LittleEndian.AppendUint16(hdr, Version)
	hdr = append(hdr, runID[:]...)
	if _, err := bw.Write(hdr); err != nil {
		return nil, fmt.Errorf("write trace header: %w", err)
	}

	return &Writer{w: bw, runID: runID, buf: make([]byte, 0, 256)}, nil
}

// RunID returns the run identifier stamped into the header.
func (w *Writer) RunID() uuid.UUID { return w.runID }

// WriteEvent appends one record. After the first failure every subsequent
// call returns the same error: an unwritable store is fatal to recording,
// a silently incomplete trace is worse than no trace.
func (w *Writer) WriteEvent(ev *Event) error {
	if w.err != nil {
		return w.err
	}

	w.buf = w.buf[:0]
	var err error
	w.buf, err = appendRecord(w.buf, ev)
	if err != nil {
		return err
	}

	if _, err := w.w.Write(w.buf); err != nil {
		w.err = fmt.Errorf("append trace record: %w", err)
		return w.err
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() uint64 { return w.count }

// Flush forces buffered records to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		w.err = fmt.Errorf("flush trace: %w", err)
		return w.err
	}
	return nil
}

// Close flushes remaining records. It does not close the underlying writer;
// the caller owns the file handle.
func (w *Writer) Close() error {
	return w.Flush()
}

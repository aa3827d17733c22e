package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Reader streams records from a trace, forward-only, so a trace far larger
// than memory can be processed in a single pass.
//
// On a length or checksum failure the reader stops, keeps the valid prefix
// it already delivered, and records a CorruptRecordError retrievable via
// Corrupt(). Iteration after that point returns io.EOF.
type Reader struct {
	r       *bufio.Reader
	runID   uuid.UUID
	offset  int64
	corrupt *CorruptRecordError
	done    bool

	hdr     [recHdrLen]byte
	payload [maxPayload]byte
}

// NewReader validates the trace header and returns a Reader positioned at
// the first record.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReaderSize(r, 1<<16)

	var hdr [headerLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, fmt.Errorf("read trace header: %w", err)
	}
	if [8]byte(hdr[:8]) != magic {
		return nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint16(hdr[8:])
	if version != Version {
		return nil, &VersionError{Got: version, Want: Version}
	}

	rd := &Reader{r: br, offset: headerLen}
	copy(rd.runID[:], hdr[10:])
	return rd, nil
}

// RunID returns the run identifier from the trace header.
func (r *Reader) RunID() uuid.UUID { return r.runID }

// Corrupt returns the validation failure that ended the stream, or nil if
// the trace was read to a clean end.
func (r *Reader) Corrupt() *CorruptRecordError { return r.corrupt }

// Truncated reports whether the trace ended in a partial or corrupt record.
// Analysis downstream attaches a coverage-incomplete diagnostic when true.
func (r *Reader) Truncated() bool { return r.corrupt != nil }

// Next returns the next record, or io.EOF at the end of the valid prefix.
func (r *Reader) Next() (Event, error) {
	var ev Event
	if r.done {
		return ev, io.EOF
	}

	start := r.offset
	n, err := io.ReadFull(r.r, r.hdr[:])
	if err != nil {
		r.done = true
		if err == io.EOF && n == 0 {
			return ev, io.EOF // clean end
		}
		r.fail(start, true, fmt.Errorf("short record header: %w", err))
		return ev, io.EOF
	}
	r.offset += recHdrLen

	plen := int(binary.LittleEndian.Uint16(r.hdr[21:]))
	if plen > maxPayload {
		r.done = true
		r.fail(start, false, fmt.Errorf("payload length %d exceeds limit %d", plen, maxPayload))
		return ev, io.EOF
	}

	body := r.payload[:plen]
	if _, err := io.ReadFull(r.r, body); err != nil {
		r.done = true
		r.fail(start, true, fmt.Errorf("short record payload: %w", err))
		return ev, io.EOF
	}
	var crc [crcLen]byte
	if _, err := io.ReadFull(r.r, crc[:]); err != nil {
		r.done = true
		r.fail(start, true, fmt.Errorf("short record checksum: %w", err))
		return ev, io.EOF
	}
	r.offset += int64(plen) + crcLen

	sum := binary.LittleEndian.Uint32(crc[:])
	if err := decodeRecord(r.hdr[:], body, sum, &ev); err != nil {
		r.done = true
		// A bad checksum on the final record is indistinguishable from a
		// torn write; classify by whether more bytes follow.
		truncated := !r.hasMore()
		r.fail(start, truncated, err)
		return ev, io.EOF
	}

	return ev, nil
}

// hasMore reports whether any byte follows the current position.
func (r *Reader) hasMore() bool {
	_, err := r.r.Peek(1)
	return err == nil
}

func (r *Reader) fail(offset int64, truncated bool, err error) {
	r.corrupt = &CorruptRecordError{Offset: offset, Truncated: truncated, Err: err}
}

// ReadAll drains the reader into a slice. Intended for tests and small
// traces; analysis uses the streaming iterator.
func ReadAll(r *Reader) ([]Event, error) {
	var events []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

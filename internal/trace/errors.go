package trace

import (
	"errors"
	"fmt"
)

// ErrBadMagic indicates the file is not a parascope trace.
var ErrBadMagic = errors.New("not a parascope trace file")

// CorruptRecordError reports a record that failed length or checksum
// validation. When Truncated is true the damage is a partial trailing
// record from an abrupt termination; the preceding prefix remains valid
// and analysis proceeds on it.
type CorruptRecordError struct {
	Offset    int64 // byte offset of the failed record
	Truncated bool  // partial trailing record rather than mid-file damage
	Err       error
}

func (e *CorruptRecordError) Error() string {
	if e.Truncated {
		return fmt.Sprintf("truncated record at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("corrupt record at offset %d: %v", e.Offset, e.Err)
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is a record validation failure.
// Uses errors.As to handle wrapped errors.
func IsCorrupt(err error) bool {
	var ce *CorruptRecordError
	return errors.As(err, &ce)
}

// VersionError reports a trace written by an incompatible recorder version.
type VersionError struct {
	Got, Want uint16
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("unsupported trace version %d (reader supports %d)", e.Got, e.Want)
}

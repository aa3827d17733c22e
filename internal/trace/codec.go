package trace

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Version is the trace format version. Bump on any change to the record
// layout; readers reject other versions rather than guessing.
const Version uint16 = 1

// magic identifies a parascope trace file.
var magic = [8]byte{'P', 'S', 'C', 'T', 'R', 'C', 0, 0}

const (
	headerLen = 8 + 2 + 16        // magic + version + run id
	recHdrLen = 1 + 4 + 8 + 8 + 2 // kind + tid + seq + clock + payload length
	crcLen    = 4

	// maxPayload bounds a single record payload. All current payloads are
	// far smaller; the bound exists so a corrupt length field cannot make
	// the reader allocate arbitrarily.
	maxPayload = 64
)

// castagnoli is the CRC table shared by writer and reader.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// payloadLen returns the encoded payload size for a record kind.
func payloadLen(k Kind) (int, error) {
	switch k {
	case KindAccess:
		// site(4) addr(8) length(4) access(1) loop(4) iter(8)
		return 29, nil
	case KindScope:
		// site(4) scope(1) loop(4)
		return 9, nil
	case KindAlloc:
		// addr(8) size(8)
		return 16, nil
	case KindFree:
		// addr(8)
		return 8, nil
	case KindSync:
		// token(8)
		return 8, nil
	case KindGap:
		// dropped(8)
		return 8, nil
	default:
		return 0, fmt.Errorf("encode: unknown record kind %d", k)
	}
}

// appendRecord encodes ev into buf and returns the extended slice.
// The layout is the fixed record header, the kind-specific payload, and a
// CRC32-C over header plus payload.
func appendRecord(buf []byte, ev *Event) ([]byte, error) {
	plen, err := payloadLen(ev.Kind)
	if err != nil {
		return buf, err
	}

	start := len(buf)
	buf = append(buf, byte(ev.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, ev.TID)
	buf = binary.LittleEndian.AppendUint64(buf, ev.Seq)
	buf = binary.LittleEndian.AppendUint64(buf, ev.Clock)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(plen))

	switch ev.Kind {
	case KindAccess:
		buf = binary.LittleEndian.AppendUint32(buf, ev.Site)
		buf = binary.LittleEndian.AppendUint64(buf, ev.Addr)
		buf = binary.LittleEndian.AppendUint32(buf, ev.Length)
		buf = append(buf, byte(ev.Access))
		buf = binary.LittleEndian.AppendUint32(buf, ev.Loop)
		buf = binary.LittleEndian.AppendUint64(buf, ev.Iter)
	case KindScope:
		buf = binary.LittleEndian.AppendUint32(buf, ev.Site)
		buf = append(buf, byte(ev.Scope))
		buf = binary.LittleEndian.AppendUint32(buf, ev.Loop)
	case KindAlloc:
		buf = binary.LittleEndian.AppendUint64(buf, ev.Addr)
		buf = binary.LittleEndian.AppendUint64(buf, ev.Size)
	case KindFree:
		buf = binary.LittleEndian.AppendUint64(buf, ev.Addr)
	case KindSync:
		buf = binary.LittleEndian.AppendUint64(buf, ev.Token)
	case KindGap:
		buf = binary.LittleEndian.AppendUint64(buf, ev.Dropped)
	}

	sum := crc32.Checksum(buf[start:], castagnoli)
	buf = binary.LittleEndian.AppendUint32(buf, sum)
	return buf, nil
}

// decodeRecord decodes one record from b. The header and payload bytes must
// already be complete; the caller handles short reads.
func decodeRecord(hdr, payload []byte, sum uint32, ev *Event) error {
	crc := crc32.Checksum(hdr, castagnoli)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != sum {
		return fmt.Errorf("record checksum mismatch: got %08x, want %08x", sum, crc)
	}

	ev.Kind = Kind(hdr[0])
	ev.TID = binary.LittleEndian.Uint32(hdr[1:])
	ev.Seq = binary.LittleEndian.Uint64(hdr[5:])
	ev.Clock = binary.LittleEndian.Uint64(hdr[13:])

	want, err := payloadLen(ev.Kind)
	if err != nil {
		return err
	}
	if len(payload) != want {
		return fmt.Errorf("record payload length %d, want %d for kind %s", len(payload), want, ev.Kind)
	}

	switch ev.Kind {
	case KindAccess:
		ev.Site = binary.LittleEndian.Uint32(payload)
		ev.Addr = binary.LittleEndian.Uint64(payload[4:])
		ev.Length = binary.LittleEndian.Uint32(payload[12:])
		ev.Access = AccessKind(payload[16])
		ev.Loop = binary.LittleEndian.Uint32(payload[17:])
		ev.Iter = binary.LittleEndian.Uint64(payload[21:])
	case KindScope:
		ev.Site = binary.LittleEndian.Uint32(payload)
		ev.Scope = ScopeKind(payload[4])
		ev.Loop = binary.LittleEndian.Uint32(payload[5:])
	case KindAlloc:
		ev.Addr = binary.LittleEndian.Uint64(payload)
		ev.Size = binary.LittleEndian.Uint64(payload[8:])
	case KindFree:
		ev.Addr = binary.LittleEndian.Uint64(payload)
	case KindSync:
		ev.Token = binary.LittleEndian.Uint64(payload)
	case KindGap:
		ev.Dropped = binary.LittleEndian.Uint64(payload)
	}
	return nil
}

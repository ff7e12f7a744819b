package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Stored event record:
//
//	format (1 byte) | uvarint local position | CBOR event | crc32c (4 bytes, BE)
//
// The checksum covers everything before it. The position makes a record
// copied under the wrong key decode as corrupt.
const recordFormat byte = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	errTruncated   = errors.New("truncated record")
	errChecksum    = errors.New("checksum mismatch")
	errRecordPos   = errors.New("position header mismatch")
	errUnknownForm = errors.New("unknown record format")
)

func encodeRecord(pos uint64, body []byte) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen64+len(body)+crc32.Size)
	out = append(out, recordFormat)
	out = binary.AppendUvarint(out, pos)
	out = append(out, body...)
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

// decodeRecord checks a record stored at pos and returns its event body. The
// body aliases b.
func decodeRecord(b []byte, pos uint64) ([]byte, error) {
	if len(b) < 1+1+crc32.Size {
		return nil, errTruncated
	}
	data, sum := b[:len(b)-crc32.Size], binary.BigEndian.Uint32(b[len(b)-crc32.Size:])
	if crc32.Checksum(data, castagnoli) != sum {
		return nil, errChecksum
	}
	if data[0] != recordFormat {
		return nil, fmt.Errorf("%w %d", errUnknownForm, data[0])
	}
	got, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return nil, errTruncated
	}
	if got != pos {
		return nil, fmt.Errorf("%w: record says %d", errRecordPos, got)
	}
	return data[1+n:], nil
}

package record

import (
	"encoding/binary"
	"fmt"
	"time"
)

// encodeRecord/decodeRecord give the Datastore a flat byte representation
// of a record's value plus its expiry, so expiry survives a process
// restart even though the Datastore itself is a dumb byte-value store.
// Framing is a fixed 8-byte big-endian Unix-nano expiry timestamp
// followed by the raw value, mirroring teacher's util-datum.go convention
// of a small fixed header in front of opaque payload bytes.
func encodeRecord(value []byte, expiry time.Time) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(expiry.UnixNano()))
	copy(buf[8:], value)
	return buf
}

func decodeRecord(raw []byte) (value []byte, expiry time.Time, err error) {
	if len(raw) < 8 {
		return nil, time.Time{}, fmt.Errorf("record: corrupt stored entry: too short")
	}
	nanos := binary.BigEndian.Uint64(raw[:8])
	return raw[8:], time.Unix(0, int64(nanos)), nil
}

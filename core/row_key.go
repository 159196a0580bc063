package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BaseTime extracts the UNIX second embedded in a row key right after the
// metric id. Returns 0 if the key is too short to hold one.
func BaseTime(key []byte, metricWidth int) uint32 {
	if metricWidth < 0 || len(key) < metricWidth+TimestampBytes {
		return 0
	}
	return binary.BigEndian.Uint32(key[metricWidth:])
}

// CompareRowKeys orders row keys by their embedded base time first, so
// all rows of the same age cluster together, with the full key as the
// tiebreak.
func CompareRowKeys(a, b []byte, metricWidth int) int {
	at, bt := timeSlice(a, metricWidth), timeSlice(b, metricWidth)
	if c := bytes.Compare(at, bt); c != 0 {
		return c
	}
	return bytes.Compare(a, b)
}

func timeSlice(key []byte, metricWidth int) []byte {
	if metricWidth < 0 || len(key) < metricWidth {
		return nil
	}
	end := metricWidth + TimestampBytes
	if end > len(key) {
		end = len(key)
	}
	return key[metricWidth:end]
}

// PrettyKey formats a row key for operator logs.
func PrettyKey(key []byte) string {
	return fmt.Sprintf("%X", key)
}

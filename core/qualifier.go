package core

import (
	"encoding/binary"
	"fmt"
)

const (
	// TimestampBytes is the width of the base time embedded in a row key.
	TimestampBytes = 4
	// MaxTimespan is the number of seconds of data a single row covers.
	MaxTimespan = 3600
)

const (
	// MSByteFlag marks the first byte of a millisecond-resolution qualifier.
	MSByteFlag byte = 0xF0
	// MSFlagBits is how many bits the flags occupy in a ms qualifier.
	MSFlagBits = 6
	// FlagBits is how many bits the flags occupy in a seconds qualifier.
	FlagBits = 4
	// FlagFloat marks a floating point value in the flag bits.
	FlagFloat byte = 0x8
	// LengthMask covers the length bits of the flags; stored length is
	// the value width minus one.
	LengthMask byte = 0x7
	// FlagsMask covers all flag bits of a qualifier.
	FlagsMask byte = FlagFloat | LengthMask

	// MSMixedCompact is the meta-byte bit set on a compacted value when
	// the row holds both second and millisecond datapoints.
	MSMixedCompact byte = 0x01

	// AnnotationPrefix is the first byte of an annotation qualifier.
	// Annotation qualifiers have an odd number of bytes.
	AnnotationPrefix byte = 0x05
)

// AppendQualifier is the sentinel qualifier of an append-style cell whose
// value is already in canonical compacted form. Its first byte must stay
// distinct from AnnotationPrefix so the odd-length annotation test cannot
// capture it.
var AppendQualifier = []byte{0x07, 0x00, 0x00}

// InMilliseconds reports whether the qualifier starting at q describes a
// millisecond-resolution datapoint.
func InMilliseconds(q []byte) bool {
	return len(q) > 0 && q[0]&MSByteFlag == MSByteFlag
}

// QualifierLength returns the width in bytes of the single-datapoint
// qualifier starting at index idx: 4 for milliseconds, 2 for seconds.
func QualifierLength(q []byte, idx int) int {
	if idx < len(q) && q[idx]&MSByteFlag == MSByteFlag {
		return 4
	}
	return 2
}

// OffsetFromQualifier extracts the time delta of the datapoint described
// at index idx, normalized to milliseconds so that second and millisecond
// offsets compare against each other. Truncated input yields 0; callers
// are expected to have validated lengths.
func OffsetFromQualifier(q []byte, idx int) int {
	if idx < 0 || idx >= len(q) {
		return 0
	}
	if q[idx]&MSByteFlag == MSByteFlag {
		if idx+4 > len(q) {
			return 0
		}
		v := binary.BigEndian.Uint32(q[idx:])
		return int((v & 0x0FFFFFC0) >> MSFlagBits)
	}
	if idx+2 > len(q) {
		return 0
	}
	seconds := int(binary.BigEndian.Uint16(q[idx:])) >> FlagBits
	return seconds * 1000
}

// ValueLengthFromQualifier returns the value width declared by the flag
// bits of the datapoint qualifier at index idx.
func ValueLengthFromQualifier(q []byte, idx int) int {
	if idx < 0 || idx >= len(q) {
		return 0
	}
	var flags byte
	if q[idx]&MSByteFlag == MSByteFlag {
		if idx+4 > len(q) {
			return 0
		}
		flags = q[idx+3]
	} else {
		if idx+2 > len(q) {
			return 0
		}
		flags = q[idx+1]
	}
	return int(flags&LengthMask) + 1
}

// FloatingPointValueToFix reports whether the value suffers from the
// legacy encoding bug where a 4-byte float was written on 8 bytes, the
// first four of which are zero, with flags still declaring 4 bytes.
func FloatingPointValueToFix(flags byte, value []byte) bool {
	return flags&FlagFloat != 0 &&
		flags&LengthMask == 0x3 &&
		len(value) == 8
}

// FixFloatingPointValue repairs a value affected by the legacy floating
// point encoding bug by dropping the four leading zero bytes. Values not
// affected are returned unchanged. If the leading bytes are not zero the
// value cannot be a mis-encoded float and an error is returned.
func FixFloatingPointValue(flags byte, value []byte) ([]byte, error) {
	if !FloatingPointValueToFix(flags, value) {
		return value, nil
	}
	if value[0] != 0 || value[1] != 0 || value[2] != 0 || value[3] != 0 {
		return nil, fmt.Errorf("floating point value declared on 4 bytes but stored on 8 with non-zero leading bytes: %x", value)
	}
	return value[4:8], nil
}

// FixQualifierFlags rewrites the flag bits so the declared length matches
// valLen, keeping the float bit.
func FixQualifierFlags(flags byte, valLen int) byte {
	return (flags &^ LengthMask) | byte(valLen-1)
}

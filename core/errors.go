package core

import (
	"errors"
	"fmt"
)

// MalformedRowError reports a row whose cells cannot be compacted:
// duplicate offsets with differing values, out-of-order offsets, or
// truncated qualifiers. The row is expected to be repaired by an
// operator-level tool, not retried.
type MalformedRowError struct {
	Key     []byte
	Message string
	Err     error
}

func (e *MalformedRowError) Error() string {
	msg := fmt.Sprintf("malformed row %s: %s", PrettyKey(e.Key), e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg + " -- run an fsck"
}

func (e *MalformedRowError) Unwrap() error {
	return e.Err
}

// NewMalformedRowError builds a MalformedRowError for the given row key.
func NewMalformedRowError(key []byte, format string, args ...any) *MalformedRowError {
	return &MalformedRowError{Key: key, Message: fmt.Sprintf(format, args...)}
}

// IsMalformedRow checks if an error is a MalformedRowError.
func IsMalformedRow(err error) bool {
	var malformed *MalformedRowError
	return errors.As(err, &malformed)
}

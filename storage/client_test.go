package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsThrottle(t *testing.T) {
	inner := errors.New("region too busy")
	throttle := &ThrottleError{Key: []byte{0x01}, Err: inner}

	got, ok := AsThrottle(throttle)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, got.Key)

	wrapped := fmt.Errorf("put failed: %w", throttle)
	got, ok = AsThrottle(wrapped)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01}, got.Key)
	assert.ErrorIs(t, wrapped, inner)

	_, ok = AsThrottle(errors.New("other"))
	assert.False(t, ok)
}

func TestThrottleError_Message(t *testing.T) {
	assert.Contains(t, (&ThrottleError{}).Error(), "throttling")
	assert.Contains(t, (&ThrottleError{Err: errors.New("busy")}).Error(), "busy")
}

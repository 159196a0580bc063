// Package storage defines the narrow contract the compaction engine
// consumes from the backing wide-column store. The store itself (RPCs,
// batching, retries) lives elsewhere; the engine only reads rows, writes
// single cells, deletes cells, and hints the client to push batched work.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rajeshal/opentsdb/core"
)

// Client is the slice of the store client the compaction engine uses.
// All row mutations issued by the engine are strictly ordered per row:
// a compacted cell is written before the originals are deleted.
type Client interface {
	// Get reads all cells of a row.
	Get(ctx context.Context, key []byte) ([]core.Cell, error)
	// Put writes a single cell.
	Put(ctx context.Context, key, qualifier, value []byte) error
	// Delete removes the given qualifiers from a row.
	Delete(ctx context.Context, key []byte, qualifiers [][]byte) error
	// Flush asks the client to push any batched writes immediately.
	Flush()
}

// ThrottleError is returned by the client when the store asks us to slow
// down and retry. Key carries the row key of the failed RPC when the RPC
// exposes one, allowing the caller to re-queue that row.
type ThrottleError struct {
	Key []byte
	Err error
}

func (e *ThrottleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store requested throttling: %v", e.Err)
	}
	return "store requested throttling"
}

func (e *ThrottleError) Unwrap() error {
	return e.Err
}

// AsThrottle unwraps err into a ThrottleError if one is in its chain.
func AsThrottle(err error) (*ThrottleError, bool) {
	var throttle *ThrottleError
	if errors.As(err, &throttle) {
		return throttle, true
	}
	return nil, false
}
